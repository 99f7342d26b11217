// Package bybit implements the venue adapter for Bybit v5 inverse
// perpetuals. Order quantity is denominated in contracts (1 contract =
// 1 USD on inverse pairs), so callers size in whole USD.
package bybit

import (
	"bytes"
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
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	recvWindow = "5000"
	category   = "inverse"
)

// Client talks to the Bybit v5 REST API with one credential pair.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	conv       symbol.BybitConverter
}

// New builds a Bybit client from decrypted credentials.
func New(creds exchange.Credentials) (*Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, exchange.NewConfigError("bybit", "缺少 API Key 或 Secret")
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

// SetHTTPClient replaces the underlying HTTP client, used by tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// SetBaseURL points the client at a different host, used by tests.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

func (c *Client) Name() string { return "bybit" }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Auth-related retCodes per the v5 error code table.
var authRetCodes = map[int]bool{
	10003: true, // invalid api key
	10004: true, // signature mismatch
	10005: true, // permission denied
	10006: true, // ip banned
	33004: true, // api key expired
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body map[string]any, out any) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var (
		payload string
		reqBody io.Reader
	)
	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}
	if method == http.MethodGet {
		payload = query
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return exchange.NewConfigError("bybit", fmt.Sprintf("请求体编码失败: %v", err))
		}
		payload = string(raw)
		reqBody = bytes.NewReader(raw)
	}

	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return exchange.NewTransportError("bybit", err)
	}
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", sign.HMACSHA256Hex(c.apiSecret, ts+c.apiKey+recvWindow+payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.NewTransportError("bybit", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.NewTransportError("bybit", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return exchange.NewTransportError("bybit", fmt.Errorf("响应解析失败 (HTTP %d): %w", resp.StatusCode, err))
	}
	if env.RetCode != 0 {
		code := strconv.Itoa(env.RetCode)
		if authRetCodes[env.RetCode] {
			return exchange.NewAuthError("bybit", code, env.RetMsg)
		}
		return exchange.NewBusinessError("bybit", code, env.RetMsg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return exchange.NewTransportError("bybit", fmt.Errorf("result 解析失败: %w", err))
		}
	}
	return nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetWalletBalance(ctx, "BTC")
	return err
}

func (c *Client) GetWalletBalance(ctx context.Context, coin string) (*exchange.Balance, error) {
	coin = symbol.Normalize(coin)
	params := url.Values{}
	params.Set("accountType", "CONTRACT")
	params.Set("coin", coin)

	var result struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				Equity          string `json:"equity"`
				WalletBalance   string `json:"walletBalance"`
				AvailableToWith string `json:"availableToWithdraw"`
				Locked          string `json:"locked"`
				UnrealisedPnl   string `json:"unrealisedPnl"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, &result); err != nil {
		return nil, err
	}
	for _, acct := range result.List {
		for _, entry := range acct.Coin {
			if entry.Coin != coin {
				continue
			}
			p := new(convert.Parser)
			balance := &exchange.Balance{
				Coin:      coin,
				Equity:    p.Dec("equity", entry.Equity),
				Available: p.DecOr("availableToWithdraw", entry.AvailableToWith, entry.WalletBalance),
				Locked:    p.Dec("locked", entry.Locked),
				UnrealPnL: p.Dec("unrealisedPnl", entry.UnrealisedPnl),
			}
			if err := p.Err(); err != nil {
				return nil, exchange.NewTransportError("bybit", err)
			}
			return balance, nil
		}
	}
	return &exchange.Balance{Coin: coin}, nil
}

func (c *Client) GetPositions(ctx context.Context, sym string) ([]exchange.Position, error) {
	params := url.Values{}
	params.Set("category", category)
	if sym != "" {
		params.Set("symbol", c.conv.ToExchange(sym))
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			Leverage      string `json:"leverage"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			LiqPrice      string `json:"liqPrice"`
			PositionValue string `json:"positionValue"`
		} `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/position/list", params, nil, &result); err != nil {
		return nil, err
	}

	positions := make([]exchange.Position, 0, len(result.List))
	for _, entry := range result.List {
		p := new(convert.Parser)
		size := p.Dec("size", entry.Size)
		pos := exchange.Position{
			Symbol:        c.conv.FromExchange(entry.Symbol),
			Side:          exchange.ParseSide(entry.Side),
			Size:          size,
			EntryPrice:    p.Dec("avgPrice", entry.AvgPrice),
			MarkPrice:     p.Dec("markPrice", entry.MarkPrice),
			Leverage:      p.Dec("leverage", entry.Leverage),
			UnrealPnL:     p.Dec("unrealisedPnl", entry.UnrealisedPnl),
			LiqPrice:      p.Dec("liqPrice", entry.LiqPrice),
			PositionValue: p.Dec("positionValue", entry.PositionValue),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("bybit", err)
		}
		if size.IsZero() {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *Client) placeOrder(ctx context.Context, sym string, side exchange.Side, orderType exchange.OrderType, qty, price decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	body := map[string]any{
		"category":    category,
		"symbol":      c.conv.ToExchange(sym),
		"side":        string(side),
		"orderType":   string(orderType),
		"qty":         qty.String(),
		"timeInForce": "GTC",
		"orderLinkId": uuid.NewString(),
	}
	if orderType == exchange.Limit {
		body["price"] = price.String()
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, body, &result); err != nil {
		return nil, err
	}
	return &exchange.OrderResult{
		OrderID:       result.OrderID,
		ClientOrderID: result.OrderLinkID,
		Symbol:        symbol.Normalize(sym),
		Side:          side,
		Type:          orderType,
		Qty:           qty,
		Price:         price,
		Status:        exchange.StatusNew,
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
	body := map[string]any{
		"category": category,
		"symbol":   c.conv.ToExchange(sym),
		"orderId":  orderID,
	}
	return c.do(ctx, http.MethodPost, "/v5/order/cancel", nil, body, nil)
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

func (c *Client) tickers(ctx context.Context, sym string) (*struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	MarkPrice       string `json:"markPrice"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	Volume24h       string `json:"volume24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", c.conv.ToExchange(sym))

	var result struct {
		List []struct {
			Symbol          string `json:"symbol"`
			LastPrice       string `json:"lastPrice"`
			MarkPrice       string `json:"markPrice"`
			Bid1Price       string `json:"bid1Price"`
			Ask1Price       string `json:"ask1Price"`
			Volume24h       string `json:"volume24h"`
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/market/tickers", params, nil, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, exchange.NewBusinessError("bybit", "", fmt.Sprintf("合约 %s 无行情数据", sym))
	}
	t := result.List[0]
	return &t, nil
}

func (c *Client) GetFundingRate(ctx context.Context, sym string) (*exchange.FundingRate, error) {
	t, err := c.tickers(ctx, sym)
	if err != nil {
		return nil, err
	}
	rate, err := convert.Dec("fundingRate", t.FundingRate)
	if err != nil {
		return nil, exchange.NewTransportError("bybit", err)
	}
	var next time.Time
	if ms, parseErr := strconv.ParseInt(t.NextFundingTime, 10, 64); parseErr == nil && ms > 0 {
		next = time.UnixMilli(ms).UTC()
	}
	return &exchange.FundingRate{
		Symbol:      symbol.Normalize(sym),
		Rate:        rate,
		NextFunding: next,
	}, nil
}

func (c *Client) GetTicker(ctx context.Context, sym string) (*exchange.Ticker, error) {
	t, err := c.tickers(ctx, sym)
	if err != nil {
		return nil, err
	}
	p := new(convert.Parser)
	ticker := &exchange.Ticker{
		Symbol:    symbol.Normalize(sym),
		LastPrice: p.Dec("lastPrice", t.LastPrice),
		MarkPrice: p.Dec("markPrice", t.MarkPrice),
		Bid:       p.Dec("bid1Price", t.Bid1Price),
		Ask:       p.Dec("ask1Price", t.Ask1Price),
		Volume24h: p.Dec("volume24h", t.Volume24h),
	}
	if err := p.Err(); err != nil {
		return nil, exchange.NewTransportError("bybit", err)
	}
	return ticker, nil
}

func (c *Client) SetLeverage(ctx context.Context, sym string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     category,
		"symbol":       c.conv.ToExchange(sym),
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := c.do(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, nil)
	// 110043: leverage not modified, the desired value is already set.
	var apiErr *exchange.APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.Code == "110043" {
		return nil
	}
	return err
}

var orderStatusMap = map[string]exchange.OrderStatus{
	"New":             exchange.StatusNew,
	"PartiallyFilled": exchange.StatusPartiallyFilled,
	"Filled":          exchange.StatusFilled,
	"Cancelled":       exchange.StatusCancelled,
	"Rejected":        exchange.StatusRejected,
	"Deactivated":     exchange.StatusCancelled,
}

func (c *Client) GetOrderHistory(ctx context.Context, sym string, limit int) ([]exchange.OrderRecord, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", c.conv.ToExchange(sym))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			OrderStatus string `json:"orderStatus"`
			CreatedTime string `json:"createdTime"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/order/history", params, nil, &result); err != nil {
		return nil, err
	}

	records := make([]exchange.OrderRecord, 0, len(result.List))
	for _, o := range result.List {
		status, ok := orderStatusMap[o.OrderStatus]
		if !ok {
			status = exchange.StatusUnknown
		}
		orderType := exchange.Market
		if o.OrderType == "Limit" {
			orderType = exchange.Limit
		}
		p := new(convert.Parser)
		rec := exchange.OrderRecord{
			OrderID:   o.OrderID,
			Symbol:    c.conv.FromExchange(o.Symbol),
			Side:      exchange.ParseSide(o.Side),
			Type:      orderType,
			Qty:       p.Dec("qty", o.Qty),
			FilledQty: p.Dec("cumExecQty", o.CumExecQty),
			AvgPrice:  p.Dec("avgPrice", o.AvgPrice),
			Status:    status,
			CreatedAt: msTime(o.CreatedTime),
			UpdatedAt: msTime(o.UpdatedTime),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("bybit", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func msTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
