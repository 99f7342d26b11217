// Package gateio implements the venue adapter for Gate.io USDT-settled
// perpetual futures. Order size is a signed contract count on the wire:
// positive opens long, negative opens short. Callers pass a positive
// quantity and a side, the adapter applies the sign.
package gateio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"carrybot/internal/exchange"
	"carrybot/internal/exchange/sign"
	"carrybot/internal/pkg/convert"
	"carrybot/internal/pkg/symbol"
)

const (
	mainnetBaseURL = "https://api.gateio.ws"
	testnetBaseURL = "https://fx-api-testnet.gateio.ws"

	apiPrefix = "/api/v4"
	settle    = "usdt"
)

// Client talks to the Gate.io v4 futures REST API with one credential pair.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	conv       symbol.GateConverter
}

func New(creds exchange.Credentials) (*Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, exchange.NewConfigError("gateio", "缺少 API Key 或 Secret")
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

func (c *Client) Name() string { return "gateio" }

var authLabels = map[string]bool{
	"INVALID_KEY":       true,
	"INVALID_SIGNATURE": true,
	"KEY_EXPIRED":       true,
	"IP_FORBIDDEN":      true,
	"READ_ONLY":         true,
	"MISSING_REQUIRED_HEADER": true,
	"REQUEST_EXPIRED":   true,
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body any, out any) error {
	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}

	var (
		bodyStr string
		reqBody io.Reader
	)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return exchange.NewConfigError("gateio", fmt.Sprintf("请求体编码失败: %v", err))
		}
		bodyStr = string(raw)
		reqBody = bytes.NewReader(raw)
	}

	path := apiPrefix + endpoint
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	payload := method + "\n" + path + "\n" + query + "\n" + sign.SHA512Hex(bodyStr) + "\n" + ts

	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return exchange.NewTransportError("gateio", err)
	}
	req.Header.Set("KEY", c.apiKey)
	req.Header.Set("SIGN", sign.HMACSHA512Hex(c.apiSecret, payload))
	req.Header.Set("Timestamp", ts)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.NewTransportError("gateio", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.NewTransportError("gateio", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Label   string `json:"label"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Label != "" {
			msg := apiErr.Message
			if msg == "" {
				msg = apiErr.Detail
			}
			if authLabels[apiErr.Label] {
				return exchange.NewAuthError("gateio", apiErr.Label, msg)
			}
			return exchange.NewBusinessError("gateio", apiErr.Label, msg)
		}
		return exchange.NewTransportError("gateio", fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return exchange.NewTransportError("gateio", fmt.Errorf("响应解析失败: %w", err))
		}
	}
	return nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetWalletBalance(ctx, "USDT")
	return err
}

func (c *Client) GetWalletBalance(ctx context.Context, coin string) (*exchange.Balance, error) {
	var acct struct {
		Currency      string `json:"currency"`
		Total         string `json:"total"`
		Available     string `json:"available"`
		UnrealisedPnl string `json:"unrealised_pnl"`
		OrderMargin   string `json:"order_margin"`
		PositionMargin string `json:"position_margin"`
	}
	if err := c.do(ctx, http.MethodGet, "/futures/"+settle+"/accounts", nil, nil, &acct); err != nil {
		return nil, err
	}
	p := new(convert.Parser)
	balance := &exchange.Balance{
		Coin:      symbol.Normalize(coin),
		Equity:    p.Dec("total", acct.Total),
		Available: p.Dec("available", acct.Available),
		UnrealPnL: p.Dec("unrealised_pnl", acct.UnrealisedPnl),
		Locked:    p.Dec("order_margin", acct.OrderMargin).Add(p.Dec("position_margin", acct.PositionMargin)),
	}
	if err := p.Err(); err != nil {
		return nil, exchange.NewTransportError("gateio", err)
	}
	return balance, nil
}

type positionEntry struct {
	Contract      string          `json:"contract"`
	Size          int64           `json:"size"`
	EntryPrice    string          `json:"entry_price"`
	MarkPrice     string          `json:"mark_price"`
	Leverage      string          `json:"leverage"`
	UnrealisedPnl string          `json:"unrealised_pnl"`
	LiqPrice      string          `json:"liq_price"`
	Value         string          `json:"value"`
}

func (c *Client) GetPositions(ctx context.Context, sym string) ([]exchange.Position, error) {
	var entries []positionEntry
	if err := c.do(ctx, http.MethodGet, "/futures/"+settle+"/positions", nil, nil, &entries); err != nil {
		return nil, err
	}

	want := ""
	if sym != "" {
		want = c.conv.ToExchange(sym)
	}
	positions := make([]exchange.Position, 0, len(entries))
	for _, e := range entries {
		if e.Size == 0 {
			continue
		}
		if want != "" && e.Contract != want {
			continue
		}
		side := exchange.Buy
		if e.Size < 0 {
			side = exchange.Sell
		}
		p := new(convert.Parser)
		pos := exchange.Position{
			Symbol:        c.conv.FromExchange(e.Contract),
			Side:          side,
			Size:          decimal.NewFromInt(e.Size).Abs(),
			EntryPrice:    p.Dec("entry_price", e.EntryPrice),
			MarkPrice:     p.Dec("mark_price", e.MarkPrice),
			Leverage:      p.Dec("leverage", e.Leverage),
			UnrealPnL:     p.Dec("unrealised_pnl", e.UnrealisedPnl),
			LiqPrice:      p.Dec("liq_price", e.LiqPrice),
			PositionValue: p.Dec("value", e.Value),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("gateio", err)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

var orderStatusMap = map[string]exchange.OrderStatus{
	"open":       exchange.StatusNew,
	"finished":   exchange.StatusFilled,
	"cancelled":  exchange.StatusCancelled,
	"liquidated": exchange.StatusRejected,
}

func mapStatus(raw string) exchange.OrderStatus {
	if s, ok := orderStatusMap[raw]; ok {
		return s
	}
	return exchange.StatusUnknown
}

type orderResponse struct {
	ID       int64  `json:"id"`
	Contract string `json:"contract"`
	Size     int64  `json:"size"`
	Price    string `json:"price"`
	Status   string `json:"status"`
	CreateAt float64 `json:"create_time"`
}

func (c *Client) placeOrder(ctx context.Context, sym string, side exchange.Side, orderType exchange.OrderType, qty, price decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	size := qty.IntPart()
	if size <= 0 {
		return nil, exchange.NewConfigError("gateio", fmt.Sprintf("合约张数必须为正整数, 实际 %s", qty))
	}
	if side == exchange.Sell {
		size = -size
	}
	body := map[string]any{
		"contract": c.conv.ToExchange(sym),
		"size":     size,
	}
	switch orderType {
	case exchange.Market:
		body["price"] = "0"
		body["tif"] = "ioc"
	case exchange.Limit:
		body["price"] = price.String()
		body["tif"] = "gtc"
	}
	if reduceOnly {
		body["reduce_only"] = true
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/futures/"+settle+"/orders", nil, body, &resp); err != nil {
		return nil, err
	}
	return &exchange.OrderResult{
		OrderID:   strconv.FormatInt(resp.ID, 10),
		Symbol:    symbol.Normalize(sym),
		Side:      side,
		Type:      orderType,
		Qty:       qty,
		Price:     price,
		Status:    mapStatus(resp.Status),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, sym string, side exchange.Side, qty decimal.Decimal) (*exchange.OrderResult, error) {
	return c.placeOrder(ctx, sym, side, exchange.Market, qty, decimal.Zero, false)
}

func (c *Client) PlaceLimitOrder(ctx context.Context, sym string, side exchange.Side, qty, price decimal.Decimal) (*exchange.OrderResult, error) {
	return c.placeOrder(ctx, sym, side, exchange.Limit, qty, price, false)
}

func (c *Client) CancelOrder(ctx context.Context, sym, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/futures/"+settle+"/orders/"+orderID, nil, nil, nil)
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

type contractInfo struct {
	FundingRate      string `json:"funding_rate"`
	FundingNextApply int64  `json:"funding_next_apply"`
	MarkPrice        string `json:"mark_price"`
}

func (c *Client) contract(ctx context.Context, sym string) (*contractInfo, error) {
	var info contractInfo
	err := c.do(ctx, http.MethodGet, "/futures/"+settle+"/contracts/"+c.conv.ToExchange(sym), nil, nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetFundingRate(ctx context.Context, sym string) (*exchange.FundingRate, error) {
	info, err := c.contract(ctx, sym)
	if err != nil {
		return nil, err
	}
	rate, err := convert.Dec("funding_rate", info.FundingRate)
	if err != nil {
		return nil, exchange.NewTransportError("gateio", err)
	}
	var next time.Time
	if info.FundingNextApply > 0 {
		next = time.Unix(info.FundingNextApply, 0).UTC()
	}
	return &exchange.FundingRate{
		Symbol:      symbol.Normalize(sym),
		Rate:        rate,
		NextFunding: next,
	}, nil
}

func (c *Client) GetTicker(ctx context.Context, sym string) (*exchange.Ticker, error) {
	params := url.Values{}
	params.Set("contract", c.conv.ToExchange(sym))
	var tickers []struct {
		Last      string `json:"last"`
		Volume24h string `json:"volume_24h"`
		HighestBid string `json:"highest_bid"`
		LowestAsk  string `json:"lowest_ask"`
	}
	if err := c.do(ctx, http.MethodGet, "/futures/"+settle+"/tickers", params, nil, &tickers); err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, exchange.NewBusinessError("gateio", "", fmt.Sprintf("合约 %s 无行情数据", sym))
	}
	info, err := c.contract(ctx, sym)
	if err != nil {
		return nil, err
	}

	p := new(convert.Parser)
	ticker := &exchange.Ticker{
		Symbol:    symbol.Normalize(sym),
		LastPrice: p.Dec("last", tickers[0].Last),
		MarkPrice: p.Dec("mark_price", info.MarkPrice),
		Bid:       p.Dec("highest_bid", tickers[0].HighestBid),
		Ask:       p.Dec("lowest_ask", tickers[0].LowestAsk),
		Volume24h: p.Dec("volume_24h", tickers[0].Volume24h),
	}
	if err := p.Err(); err != nil {
		return nil, exchange.NewTransportError("gateio", err)
	}
	return ticker, nil
}

func (c *Client) SetLeverage(ctx context.Context, sym string, leverage int) error {
	params := url.Values{}
	params.Set("leverage", strconv.Itoa(leverage))
	endpoint := "/futures/" + settle + "/positions/" + c.conv.ToExchange(sym) + "/leverage"
	return c.do(ctx, http.MethodPost, endpoint, params, nil, nil)
}

func (c *Client) GetOrderHistory(ctx context.Context, sym string, limit int) ([]exchange.OrderRecord, error) {
	params := url.Values{}
	params.Set("contract", c.conv.ToExchange(sym))
	params.Set("status", "finished")
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var entries []struct {
		ID         int64   `json:"id"`
		Contract   string  `json:"contract"`
		Size       int64   `json:"size"`
		Left       int64   `json:"left"`
		Price      string  `json:"price"`
		FillPrice  string  `json:"fill_price"`
		Status     string  `json:"status"`
		Tif        string  `json:"tif"`
		CreateTime float64 `json:"create_time"`
		FinishTime float64 `json:"finish_time"`
	}
	if err := c.do(ctx, http.MethodGet, "/futures/"+settle+"/orders", params, nil, &entries); err != nil {
		return nil, err
	}

	records := make([]exchange.OrderRecord, 0, len(entries))
	for _, o := range entries {
		side := exchange.Buy
		if o.Size < 0 {
			side = exchange.Sell
		}
		// Market orders are submitted as price "0" with ioc.
		orderType := exchange.Limit
		if o.Price == "0" && o.Tif == "ioc" {
			orderType = exchange.Market
		}
		qty := decimal.NewFromInt(o.Size).Abs()
		p := new(convert.Parser)
		rec := exchange.OrderRecord{
			OrderID:   strconv.FormatInt(o.ID, 10),
			Symbol:    c.conv.FromExchange(o.Contract),
			Side:      side,
			Type:      orderType,
			Qty:       qty,
			FilledQty: qty.Sub(decimal.NewFromInt(o.Left).Abs()),
			AvgPrice:  p.Dec("fill_price", o.FillPrice),
			Status:    mapStatus(o.Status),
			CreatedAt: unixTime(o.CreateTime),
			UpdatedAt: unixTime(o.FinishTime),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("gateio", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func unixTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}
