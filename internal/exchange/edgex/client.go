// Package edgex implements the venue adapter for EdgeX USDC perpetuals.
// Instruments are addressed as COIN-USDC-PERP; order quantity is
// denominated in the base coin.
package edgex

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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"carrybot/internal/exchange"
	"carrybot/internal/exchange/sign"
	"carrybot/internal/pkg/convert"
	"carrybot/internal/pkg/symbol"
)

const baseURL = "https://api.edgex.exchange"

// Client talks to the EdgeX REST API with one credential pair.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	conv       symbol.EdgeXConverter
}

func New(creds exchange.Credentials) (*Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, exchange.NewConfigError("edgex", "缺少 API Key 或 Secret")
	}
	return &Client{
		apiKey:     creds.APIKey,
		apiSecret:  creds.APISecret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }
func (c *Client) SetBaseURL(u string)           { c.baseURL = u }

func (c *Client) Name() string { return "edgex" }

var authCodes = map[int64]bool{
	10001: true, // invalid api key
	10002: true, // invalid signature
	10003: true, // timestamp expired
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) (gjson.Result, error) {
	pathWithQuery := path
	if len(params) > 0 {
		pathWithQuery += "?" + params.Encode()
	}

	var (
		bodyStr string
		reqBody io.Reader
	)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, exchange.NewConfigError("edgex", fmt.Sprintf("请求体编码失败: %v", err))
		}
		bodyStr = string(raw)
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathWithQuery, reqBody)
	if err != nil {
		return gjson.Result{}, exchange.NewTransportError("edgex", err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-EDGEX-API-KEY", c.apiKey)
	req.Header.Set("X-EDGEX-TIMESTAMP", ts)
	req.Header.Set("X-EDGEX-SIGNATURE", sign.HMACSHA256Hex(c.apiSecret, ts+method+pathWithQuery+bodyStr))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, exchange.NewTransportError("edgex", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, exchange.NewTransportError("edgex", err)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, exchange.NewTransportError("edgex", fmt.Errorf("响应不是合法 JSON (HTTP %d): %.200s", resp.StatusCode, raw))
	}
	parsed := gjson.ParseBytes(raw)
	if code := parsed.Get("code").Int(); code != 0 {
		msg := parsed.Get("msg").String()
		if authCodes[code] {
			return gjson.Result{}, exchange.NewAuthError("edgex", strconv.FormatInt(code, 10), msg)
		}
		return gjson.Result{}, exchange.NewBusinessError("edgex", strconv.FormatInt(code, 10), msg)
	}
	return parsed.Get("data"), nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetWalletBalance(ctx, "USDC")
	return err
}

func (c *Client) GetWalletBalance(ctx context.Context, coin string) (*exchange.Balance, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/private/account", nil, nil)
	if err != nil {
		return nil, err
	}
	p := new(convert.Parser)
	balance := &exchange.Balance{
		Coin:      "USDC",
		Equity:    p.Dec("totalEquity", data.Get("totalEquity").String()),
		Available: p.Dec("availableBalance", data.Get("availableBalance").String()),
		Locked:    p.Dec("frozen", data.Get("frozen").String()),
		UnrealPnL: p.Dec("unrealizedPnl", data.Get("unrealizedPnl").String()),
	}
	if err := p.Err(); err != nil {
		return nil, exchange.NewTransportError("edgex", err)
	}
	return balance, nil
}

func (c *Client) GetPositions(ctx context.Context, sym string) ([]exchange.Position, error) {
	params := url.Values{}
	if sym != "" {
		params.Set("symbol", c.conv.ToExchange(sym))
	}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/private/positions", params, nil)
	if err != nil {
		return nil, err
	}

	var positions []exchange.Position
	for _, e := range data.Array() {
		p := new(convert.Parser)
		size := p.Dec("size", e.Get("size").String())
		pos := exchange.Position{
			Symbol:        c.conv.FromExchange(e.Get("symbol").String()),
			Side:          exchange.ParseSide(e.Get("side").String()),
			Size:          size.Abs(),
			EntryPrice:    p.Dec("entryPrice", e.Get("entryPrice").String()),
			MarkPrice:     p.Dec("markPrice", e.Get("markPrice").String()),
			Leverage:      p.Dec("leverage", e.Get("leverage").String()),
			UnrealPnL:     p.Dec("unrealizedPnl", e.Get("unrealizedPnl").String()),
			LiqPrice:      p.Dec("liquidationPrice", e.Get("liquidationPrice").String()),
			PositionValue: p.Dec("notional", e.Get("notional").String()),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("edgex", err)
		}
		if size.IsZero() {
			continue
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

func edgexSide(side exchange.Side) string {
	if side == exchange.Buy {
		return "BUY"
	}
	return "SELL"
}

func (c *Client) placeOrder(ctx context.Context, sym string, side exchange.Side, orderType exchange.OrderType, qty, price decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	body := map[string]any{
		"symbol":        c.conv.ToExchange(sym),
		"side":          edgexSide(side),
		"size":          qty.String(),
		"clientOrderId": uuid.NewString(),
	}
	switch orderType {
	case exchange.Market:
		body["type"] = "MARKET"
	case exchange.Limit:
		body["type"] = "LIMIT"
		body["price"] = price.String()
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v1/private/orders", nil, body)
	if err != nil {
		return nil, err
	}
	return &exchange.OrderResult{
		OrderID:       data.Get("orderId").String(),
		ClientOrderID: data.Get("clientOrderId").String(),
		Symbol:        symbol.Normalize(sym),
		Side:          side,
		Type:          orderType,
		Qty:           qty,
		Price:         price,
		Status:        mapStatus(data.Get("status").String()),
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
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/private/orders/"+orderID, nil, nil)
	return err
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
	data, err := c.do(ctx, http.MethodGet, "/api/v1/public/funding-rate", params, nil)
	if err != nil {
		return nil, err
	}
	rate, err := convert.Dec("fundingRate", data.Get("fundingRate").String())
	if err != nil {
		return nil, exchange.NewTransportError("edgex", err)
	}
	var next time.Time
	if ms := data.Get("nextFundingTime").Int(); ms > 0 {
		next = time.UnixMilli(ms).UTC()
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
	data, err := c.do(ctx, http.MethodGet, "/api/v1/public/ticker", params, nil)
	if err != nil {
		return nil, err
	}
	p := new(convert.Parser)
	ticker := &exchange.Ticker{
		Symbol:    symbol.Normalize(sym),
		LastPrice: p.Dec("lastPrice", data.Get("lastPrice").String()),
		MarkPrice: p.Dec("markPrice", data.Get("markPrice").String()),
		Bid:       p.Dec("bestBid", data.Get("bestBid").String()),
		Ask:       p.Dec("bestAsk", data.Get("bestAsk").String()),
		Volume24h: p.Dec("volume24h", data.Get("volume24h").String()),
	}
	if err := p.Err(); err != nil {
		return nil, exchange.NewTransportError("edgex", err)
	}
	return ticker, nil
}

func (c *Client) SetLeverage(ctx context.Context, sym string, leverage int) error {
	body := map[string]any{
		"symbol":   c.conv.ToExchange(sym),
		"leverage": leverage,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/private/leverage", nil, body)
	return err
}

func (c *Client) GetOrderHistory(ctx context.Context, sym string, limit int) ([]exchange.OrderRecord, error) {
	params := url.Values{}
	params.Set("symbol", c.conv.ToExchange(sym))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/private/orders/history", params, nil)
	if err != nil {
		return nil, err
	}

	var records []exchange.OrderRecord
	for _, o := range data.Array() {
		orderType := exchange.Market
		if o.Get("type").String() == "LIMIT" {
			orderType = exchange.Limit
		}
		p := new(convert.Parser)
		rec := exchange.OrderRecord{
			OrderID:   o.Get("orderId").String(),
			Symbol:    c.conv.FromExchange(o.Get("symbol").String()),
			Side:      exchange.ParseSide(o.Get("side").String()),
			Type:      orderType,
			Qty:       p.Dec("size", o.Get("size").String()),
			FilledQty: p.Dec("filledSize", o.Get("filledSize").String()),
			AvgPrice:  p.Dec("avgPrice", o.Get("avgPrice").String()),
			Status:    mapStatus(o.Get("status").String()),
			CreatedAt: time.UnixMilli(o.Get("createdTime").Int()).UTC(),
			UpdatedAt: time.UnixMilli(o.Get("updatedTime").Int()).UTC(),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("edgex", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
