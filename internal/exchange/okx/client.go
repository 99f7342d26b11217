// Package okx implements the venue adapter for OKX perpetual swaps.
// All orders use cross margin in net position mode; quantity is
// denominated in contracts per the instrument's contract value.
package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"carrybot/internal/exchange"
	"carrybot/internal/exchange/sign"
	"carrybot/internal/pkg/convert"
	"carrybot/internal/pkg/symbol"
)

const baseURL = "https://www.okx.com"

// Client talks to the OKX v5 REST API with one credential triple.
type Client struct {
	apiKey     string
	apiSecret  string
	passphrase string
	simulated  bool
	baseURL    string
	httpClient *http.Client
	conv       symbol.OKXConverter
}

func New(creds exchange.Credentials) (*Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, exchange.NewConfigError("okx", "缺少 API Key 或 Secret")
	}
	if creds.Passphrase == "" {
		return nil, exchange.NewConfigError("okx", "缺少 Passphrase")
	}
	return &Client{
		apiKey:     creds.APIKey,
		apiSecret:  creds.APISecret,
		passphrase: creds.Passphrase,
		simulated:  creds.Testnet,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }
func (c *Client) SetBaseURL(u string)           { c.baseURL = u }

func (c *Client) Name() string { return "okx" }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

var authCodes = map[string]bool{
	"50100": true, // api frozen
	"50101": true, // broker id mismatch
	"50102": true, // timestamp expired
	"50103": true, // missing OK-ACCESS-KEY
	"50104": true, // missing passphrase
	"50105": true, // passphrase incorrect
	"50111": true, // invalid OK-ACCESS-KEY
	"50113": true, // invalid signature
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}

	var (
		bodyStr string
		reqBody io.Reader
	)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return exchange.NewConfigError("okx", fmt.Sprintf("请求体编码失败: %v", err))
		}
		bodyStr = string(raw)
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reqBody)
	if err != nil {
		return exchange.NewTransportError("okx", err)
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", sign.HMACSHA256Base64(c.apiSecret, ts+method+requestPath+bodyStr))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	req.Header.Set("Content-Type", "application/json")
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.NewTransportError("okx", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.NewTransportError("okx", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return exchange.NewTransportError("okx", fmt.Errorf("响应解析失败 (HTTP %d): %w", resp.StatusCode, err))
	}
	if env.Code != "0" {
		if authCodes[env.Code] {
			return exchange.NewAuthError("okx", env.Code, env.Msg)
		}
		return exchange.NewBusinessError("okx", env.Code, env.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return exchange.NewTransportError("okx", fmt.Errorf("data 解析失败: %w", err))
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
	params := url.Values{}
	params.Set("ccy", coin)

	var data []struct {
		Details []struct {
			Ccy       string `json:"ccy"`
			CashBal   string `json:"cashBal"`
			Eq        string `json:"eq"`
			AvailBal  string `json:"availBal"`
			FrozenBal string `json:"frozenBal"`
			Upl       string `json:"upl"`
		} `json:"details"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/balance", params, nil, &data); err != nil {
		return nil, err
	}
	for _, acct := range data {
		for _, d := range acct.Details {
			if d.Ccy != coin {
				continue
			}
			p := new(convert.Parser)
			balance := &exchange.Balance{
				Coin:      coin,
				Equity:    p.DecOr("eq", d.Eq, d.CashBal),
				Available: p.Dec("availBal", d.AvailBal),
				Locked:    p.Dec("frozenBal", d.FrozenBal),
				UnrealPnL: p.Dec("upl", d.Upl),
			}
			if err := p.Err(); err != nil {
				return nil, exchange.NewTransportError("okx", err)
			}
			return balance, nil
		}
	}
	return &exchange.Balance{Coin: coin}, nil
}

func (c *Client) GetPositions(ctx context.Context, sym string) ([]exchange.Position, error) {
	params := url.Values{}
	params.Set("instType", "SWAP")
	if sym != "" {
		params.Set("instId", c.conv.ToExchange(sym))
	}

	var data []struct {
		InstID      string `json:"instId"`
		Pos         string `json:"pos"`
		AvgPx       string `json:"avgPx"`
		MarkPx      string `json:"markPx"`
		Lever       string `json:"lever"`
		Upl         string `json:"upl"`
		LiqPx       string `json:"liqPx"`
		NotionalUsd string `json:"notionalUsd"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/positions", params, nil, &data); err != nil {
		return nil, err
	}

	positions := make([]exchange.Position, 0, len(data))
	for _, e := range data {
		p := new(convert.Parser)
		// Net mode: direction lives in the sign of pos.
		posAmt := p.Dec("pos", e.Pos)
		pos := exchange.Position{
			Symbol:        c.conv.FromExchange(e.InstID),
			Size:          posAmt.Abs(),
			EntryPrice:    p.Dec("avgPx", e.AvgPx),
			MarkPrice:     p.Dec("markPx", e.MarkPx),
			Leverage:      p.Dec("lever", e.Lever),
			UnrealPnL:     p.Dec("upl", e.Upl),
			LiqPrice:      p.Dec("liqPx", e.LiqPx),
			PositionValue: p.Dec("notionalUsd", e.NotionalUsd),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("okx", err)
		}
		if posAmt.IsZero() {
			continue
		}
		pos.Side = exchange.Buy
		if posAmt.IsNegative() {
			pos.Side = exchange.Sell
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func clOrdID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func (c *Client) placeOrder(ctx context.Context, sym string, side exchange.Side, ordType string, qty, price decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	body := map[string]any{
		"instId":  c.conv.ToExchange(sym),
		"tdMode":  "cross",
		"side":    strings.ToLower(string(side)),
		"ordType": ordType,
		"sz":      qty.String(),
		"clOrdId": clOrdID(),
	}
	if ordType == "limit" {
		body["px"] = price.String()
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}

	var acks []orderAck
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, &acks); err != nil {
		return nil, err
	}
	if len(acks) == 0 {
		return nil, exchange.NewTransportError("okx", fmt.Errorf("下单响应为空"))
	}
	ack := acks[0]
	// Batch envelope succeeds even when the single order is rejected;
	// the per-order sCode carries the real outcome.
	if ack.SCode != "" && ack.SCode != "0" {
		return nil, exchange.NewBusinessError("okx", ack.SCode, ack.SMsg)
	}

	orderType := exchange.Market
	if ordType == "limit" {
		orderType = exchange.Limit
	}
	return &exchange.OrderResult{
		OrderID:       ack.OrdID,
		ClientOrderID: ack.ClOrdID,
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
	return c.placeOrder(ctx, sym, side, "market", qty, decimal.Zero, false)
}

func (c *Client) PlaceLimitOrder(ctx context.Context, sym string, side exchange.Side, qty, price decimal.Decimal) (*exchange.OrderResult, error) {
	return c.placeOrder(ctx, sym, side, "limit", qty, price, false)
}

func (c *Client) CancelOrder(ctx context.Context, sym, orderID string) error {
	body := map[string]any{
		"instId": c.conv.ToExchange(sym),
		"ordId":  orderID,
	}
	var acks []orderAck
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body, &acks); err != nil {
		return err
	}
	if len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
		return exchange.NewBusinessError("okx", acks[0].SCode, acks[0].SMsg)
	}
	return nil
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
		body := map[string]any{
			"instId":  c.conv.ToExchange(p.Symbol),
			"mgnMode": "cross",
			"posSide": "net",
			"autoCxl": true,
		}
		if err := c.do(ctx, http.MethodPost, "/api/v5/trade/close-position", nil, body, nil); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, exchange.OrderResult{
			Symbol:    p.Symbol,
			Side:      p.Side.Opposite(),
			Type:      exchange.Market,
			Qty:       p.Size,
			Status:    exchange.StatusNew,
			CreatedAt: time.Now().UTC(),
		})
	}
	return results, firstErr
}

func (c *Client) GetFundingRate(ctx context.Context, sym string) (*exchange.FundingRate, error) {
	params := url.Values{}
	params.Set("instId", c.conv.ToExchange(sym))

	var data []struct {
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/public/funding-rate", params, nil, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, exchange.NewBusinessError("okx", "", fmt.Sprintf("合约 %s 无资金费率数据", sym))
	}
	rate, err := convert.Dec("fundingRate", data[0].FundingRate)
	if err != nil {
		return nil, exchange.NewTransportError("okx", err)
	}
	var next time.Time
	if ms, parseErr := strconv.ParseInt(data[0].NextFundingTime, 10, 64); parseErr == nil && ms > 0 {
		next = time.UnixMilli(ms).UTC()
	}
	return &exchange.FundingRate{
		Symbol:      symbol.Normalize(sym),
		Rate:        rate,
		NextFunding: next,
	}, nil
}

func (c *Client) GetTicker(ctx context.Context, sym string) (*exchange.Ticker, error) {
	instID := c.conv.ToExchange(sym)
	params := url.Values{}
	params.Set("instId", instID)

	var tickers []struct {
		Last    string `json:"last"`
		BidPx   string `json:"bidPx"`
		AskPx   string `json:"askPx"`
		Vol24h  string `json:"vol24h"`
		VolCcy  string `json:"volCcy24h"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/market/ticker", params, nil, &tickers); err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, exchange.NewBusinessError("okx", "", fmt.Sprintf("合约 %s 无行情数据", sym))
	}

	markParams := url.Values{}
	markParams.Set("instType", "SWAP")
	markParams.Set("instId", instID)
	var marks []struct {
		MarkPx string `json:"markPx"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/public/mark-price", markParams, nil, &marks); err != nil {
		return nil, err
	}

	p := new(convert.Parser)
	ticker := &exchange.Ticker{
		Symbol:    symbol.Normalize(sym),
		LastPrice: p.Dec("last", tickers[0].Last),
		Bid:       p.Dec("bidPx", tickers[0].BidPx),
		Ask:       p.Dec("askPx", tickers[0].AskPx),
		Volume24h: p.Dec("vol24h", tickers[0].Vol24h),
	}
	if len(marks) > 0 {
		ticker.MarkPrice = p.Dec("markPx", marks[0].MarkPx)
	}
	if err := p.Err(); err != nil {
		return nil, exchange.NewTransportError("okx", err)
	}
	return ticker, nil
}

func (c *Client) SetLeverage(ctx context.Context, sym string, leverage int) error {
	body := map[string]any{
		"instId":  c.conv.ToExchange(sym),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	return c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, body, nil)
}

var orderStatusMap = map[string]exchange.OrderStatus{
	"live":             exchange.StatusNew,
	"partially_filled": exchange.StatusPartiallyFilled,
	"filled":           exchange.StatusFilled,
	"canceled":         exchange.StatusCancelled,
	"mmp_canceled":     exchange.StatusCancelled,
}

func (c *Client) GetOrderHistory(ctx context.Context, sym string, limit int) ([]exchange.OrderRecord, error) {
	params := url.Values{}
	params.Set("instType", "SWAP")
	params.Set("instId", c.conv.ToExchange(sym))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var data []struct {
		OrdID   string `json:"ordId"`
		InstID  string `json:"instId"`
		Side    string `json:"side"`
		OrdType string `json:"ordType"`
		Sz      string `json:"sz"`
		AccFill string `json:"accFillSz"`
		AvgPx   string `json:"avgPx"`
		State   string `json:"state"`
		CTime   string `json:"cTime"`
		UTime   string `json:"uTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/orders-history-archive", params, nil, &data); err != nil {
		return nil, err
	}

	records := make([]exchange.OrderRecord, 0, len(data))
	for _, o := range data {
		status, ok := orderStatusMap[o.State]
		if !ok {
			status = exchange.StatusUnknown
		}
		orderType := exchange.Market
		if o.OrdType == "limit" {
			orderType = exchange.Limit
		}
		p := new(convert.Parser)
		rec := exchange.OrderRecord{
			OrderID:   o.OrdID,
			Symbol:    c.conv.FromExchange(o.InstID),
			Side:      exchange.ParseSide(o.Side),
			Type:      orderType,
			Qty:       p.Dec("sz", o.Sz),
			FilledQty: p.Dec("accFillSz", o.AccFill),
			AvgPrice:  p.Dec("avgPx", o.AvgPx),
			Status:    status,
			CreatedAt: msTime(o.CTime),
			UpdatedAt: msTime(o.UTime),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("okx", err)
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
