// Package binance implements the venue adapter for Binance USDS-M
// perpetual futures. Order quantity is denominated in the base coin.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"carrybot/internal/exchange"
	"carrybot/internal/exchange/sign"
	"carrybot/internal/pkg/convert"
	"carrybot/internal/pkg/symbol"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	recvWindow = "5000"
)

// Client talks to the Binance futures REST API with one credential pair.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	conv       symbol.BinanceConverter
}

func New(creds exchange.Credentials) (*Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, exchange.NewConfigError("binance", "缺少 API Key 或 Secret")
	}
	base := mainnetBaseURL
	if creds.Testnet {
		base = testnetBaseURL
	}
	return &Client{
		apiKey:     creds.APIKey,
		apiSecret:  creds.APISecret,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }
func (c *Client) SetBaseURL(u string)           { c.baseURL = u }

func (c *Client) Name() string { return "binance" }

// Binance reports failures as {"code":-1022,"msg":"..."} on non-2xx.
var authCodes = map[int]bool{
	-1022: true, // signature for this request is not valid
	-2014: true, // api key format invalid
	-2015: true, // invalid api key, ip, or permissions
}

func (c *Client) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	query += "&signature=" + sign.HMACSHA256Hex(c.apiSecret, query)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return exchange.NewTransportError("binance", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.roundTrip(req, out)
}

func (c *Client) public(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return exchange.NewTransportError("binance", err)
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.NewTransportError("binance", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.NewTransportError("binance", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != 0 {
			code := strconv.Itoa(apiErr.Code)
			if authCodes[apiErr.Code] {
				return exchange.NewAuthError("binance", code, apiErr.Msg)
			}
			return exchange.NewBusinessError("binance", code, apiErr.Msg)
		}
		return exchange.NewTransportError("binance", fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return exchange.NewTransportError("binance", fmt.Errorf("响应解析失败: %w", err))
		}
	}
	return nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetWalletBalance(ctx, "USDT")
	return err
}

func (c *Client) GetWalletBalance(ctx context.Context, coin string) (*exchange.Balance, error) {
	coin = symbol.Normalize(coin)
	if coin == "" {
		coin = "USDT"
	}
	var entries []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
		CrossUnPnl       string `json:"crossUnPnl"`
	}
	if err := c.signed(ctx, http.MethodGet, "/fapi/v3/balance", nil, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Asset != coin {
			continue
		}
		p := new(convert.Parser)
		balance := &exchange.Balance{
			Coin:      coin,
			Equity:    p.Dec("balance", e.Balance),
			Available: p.Dec("availableBalance", e.AvailableBalance),
			UnrealPnL: p.Dec("crossUnPnl", e.CrossUnPnl),
		}
		balance.Locked = balance.Equity.Sub(balance.Available)
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("binance", err)
		}
		return balance, nil
	}
	return &exchange.Balance{Coin: coin}, nil
}

func (c *Client) GetPositions(ctx context.Context, sym string) ([]exchange.Position, error) {
	params := url.Values{}
	if sym != "" {
		params.Set("symbol", c.conv.ToExchange(sym))
	}
	var entries []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
		Notional         string `json:"notional"`
	}
	if err := c.signed(ctx, http.MethodGet, "/fapi/v3/positionRisk", params, &entries); err != nil {
		return nil, err
	}

	positions := make([]exchange.Position, 0, len(entries))
	for _, e := range entries {
		p := new(convert.Parser)
		amt := p.Dec("positionAmt", e.PositionAmt)
		pos := exchange.Position{
			Symbol:        c.conv.FromExchange(e.Symbol),
			Size:          amt.Abs(),
			EntryPrice:    p.Dec("entryPrice", e.EntryPrice),
			MarkPrice:     p.Dec("markPrice", e.MarkPrice),
			UnrealPnL:     p.Dec("unRealizedProfit", e.UnRealizedProfit),
			LiqPrice:      p.Dec("liquidationPrice", e.LiquidationPrice),
			Leverage:      p.Dec("leverage", e.Leverage),
			PositionValue: p.Dec("notional", e.Notional).Abs(),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("binance", err)
		}
		if amt.IsZero() {
			continue
		}
		// Direction lives in the sign of positionAmt.
		pos.Side = exchange.Buy
		if amt.IsNegative() {
			pos.Side = exchange.Sell
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

var orderStatusMap = map[string]exchange.OrderStatus{
	"NEW":              exchange.StatusNew,
	"PARTIALLY_FILLED": exchange.StatusPartiallyFilled,
	"FILLED":           exchange.StatusFilled,
	"CANCELED":         exchange.StatusCancelled,
	"REJECTED":         exchange.StatusRejected,
	"EXPIRED":          exchange.StatusExpired,
}

func mapStatus(raw string) exchange.OrderStatus {
	if s, ok := orderStatusMap[raw]; ok {
		return s
	}
	return exchange.StatusUnknown
}

func binanceSide(side exchange.Side) string {
	if side == exchange.Buy {
		return "BUY"
	}
	return "SELL"
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	UpdateTime    int64  `json:"updateTime"`
}

func (c *Client) placeOrder(ctx context.Context, sym string, side exchange.Side, orderType exchange.OrderType, qty, price decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", c.conv.ToExchange(sym))
	params.Set("side", binanceSide(side))
	params.Set("quantity", qty.String())
	params.Set("newClientOrderId", uuid.NewString())
	switch orderType {
	case exchange.Market:
		params.Set("type", "MARKET")
	case exchange.Limit:
		params.Set("type", "LIMIT")
		params.Set("price", price.String())
		params.Set("timeInForce", "GTC")
	}
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp orderResponse
	if err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return &exchange.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        symbol.Normalize(sym),
		Side:          side,
		Type:          orderType,
		Qty:           qty,
		Price:         price,
		Status:        mapStatus(resp.Status),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, sym string, side exchange.Side, qty decimal.Decimal) (*exchange.OrderResult, error) {
	return c.placeOrder(ctx, sym, side, exchange.Market, qty, decimal.Zero, false)
}

func (c *Client) PlaceLimitOrder(ctx context.Context, sym string, side exchange.Side, qty, price decimal.Decimal) (*exchange.OrderResult, error) {
	return c.placeOrder(ctx, sym, side, exchange.Limit, qty, price, false)
}

func (c *Client) CancelOrder(ctx context.Context, sym, orderID string) error {
	params := url.Values{}
	params.Set("symbol", c.conv.ToExchange(sym))
	params.Set("orderId", orderID)
	return c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
}

func (c *Client) CloseAllPositions(ctx context.Context, sym string) ([]exchange.OrderResult, error) {
	positions, err := c.GetPositions(ctx, sym)
	if err != nil {
		return nil, err
	}
	var (
		results  []exchange.OrderResult
		firstErr error
	)
	for _, p := range positions {
		res, err := c.placeOrder(ctx, p.Symbol, p.Side.Opposite(), exchange.Market, p.Size, decimal.Zero, true)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, *res)
	}
	return results, firstErr
}

func (c *Client) GetFundingRate(ctx context.Context, sym string) (*exchange.FundingRate, error) {
	params := url.Values{}
	params.Set("symbol", c.conv.ToExchange(sym))
	var resp struct {
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := c.public(ctx, "/fapi/v1/premiumIndex", params, &resp); err != nil {
		return nil, err
	}
	rate, err := convert.Dec("lastFundingRate", resp.LastFundingRate)
	if err != nil {
		return nil, exchange.NewTransportError("binance", err)
	}
	var next time.Time
	if resp.NextFundingTime > 0 {
		next = time.UnixMilli(resp.NextFundingTime).UTC()
	}
	return &exchange.FundingRate{
		Symbol:      symbol.Normalize(sym),
		Rate:        rate,
		NextFunding: next,
	}, nil
}

func (c *Client) GetTicker(ctx context.Context, sym string) (*exchange.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", c.conv.ToExchange(sym))

	var day struct {
		LastPrice string `json:"lastPrice"`
		Volume    string `json:"volume"`
	}
	if err := c.public(ctx, "/fapi/v1/ticker/24hr", params, &day); err != nil {
		return nil, err
	}
	var premium struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := c.public(ctx, "/fapi/v1/premiumIndex", params, &premium); err != nil {
		return nil, err
	}
	var book struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := c.public(ctx, "/fapi/v1/ticker/bookTicker", params, &book); err != nil {
		return nil, err
	}

	p := new(convert.Parser)
	ticker := &exchange.Ticker{
		Symbol:    symbol.Normalize(sym),
		LastPrice: p.Dec("lastPrice", day.LastPrice),
		MarkPrice: p.Dec("markPrice", premium.MarkPrice),
		Bid:       p.Dec("bidPrice", book.BidPrice),
		Ask:       p.Dec("askPrice", book.AskPrice),
		Volume24h: p.Dec("volume", day.Volume),
	}
	if err := p.Err(); err != nil {
		return nil, exchange.NewTransportError("binance", err)
	}
	return ticker, nil
}

func (c *Client) SetLeverage(ctx context.Context, sym string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", c.conv.ToExchange(sym))
	params.Set("leverage", strconv.Itoa(leverage))
	err := c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", params, nil)
	// -4046: no need to change leverage.
	var apiErr *exchange.APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.Code == "-4046" {
		return nil
	}
	return err
}

func (c *Client) GetOrderHistory(ctx context.Context, sym string, limit int) ([]exchange.OrderRecord, error) {
	params := url.Values{}
	params.Set("symbol", c.conv.ToExchange(sym))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var entries []struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Type        string `json:"type"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
		Status      string `json:"status"`
		Time        int64  `json:"time"`
		UpdateTime  int64  `json:"updateTime"`
	}
	if err := c.signed(ctx, http.MethodGet, "/fapi/v1/allOrders", params, &entries); err != nil {
		return nil, err
	}

	records := make([]exchange.OrderRecord, 0, len(entries))
	for _, o := range entries {
		orderType := exchange.Market
		if o.Type == "LIMIT" {
			orderType = exchange.Limit
		}
		p := new(convert.Parser)
		rec := exchange.OrderRecord{
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			Symbol:    c.conv.FromExchange(o.Symbol),
			Side:      exchange.ParseSide(o.Side),
			Type:      orderType,
			Qty:       p.Dec("origQty", o.OrigQty),
			FilledQty: p.Dec("executedQty", o.ExecutedQty),
			AvgPrice:  p.Dec("avgPrice", o.AvgPrice),
			Status:    mapStatus(o.Status),
			CreatedAt: time.UnixMilli(o.Time).UTC(),
			UpdatedAt: time.UnixMilli(o.UpdateTime).UTC(),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("binance", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
