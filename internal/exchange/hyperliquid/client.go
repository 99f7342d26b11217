// Package hyperliquid implements the venue adapter for Hyperliquid
// perpetuals. The venue has no true market order type, so market orders are
// emulated as IOC limit orders priced 3% through the mid. Quantity is
// denominated in the base coin; instruments are keyed by bare coin name and
// addressed on the wire by their index in the meta universe.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"carrybot/internal/exchange"
	"carrybot/internal/exchange/sign"
	"carrybot/internal/pkg/convert"
	"carrybot/internal/pkg/symbol"
)

const (
	mainnetBaseURL = "https://api.hyperliquid.xyz"
	testnetBaseURL = "https://api.hyperliquid-testnet.xyz"

	// Market emulation offset: cross the book by 3% so the IOC limit fills.
	marketSlippage = "0.03"
)

// Client talks to the Hyperliquid REST API with one wallet credential.
type Client struct {
	userAddr   string
	wallet     *sign.SignerWallet
	baseURL    string
	httpClient *http.Client
	conv       symbol.HyperliquidConverter

	assetMu  sync.Mutex
	assetIdx map[string]int

	nowMilli func() int64
}

func New(creds exchange.Credentials) (*Client, error) {
	if creds.APISecret == "" {
		return nil, exchange.NewConfigError("hyperliquid", "缺少签名私钥")
	}
	wallet, err := sign.NewSignerWallet(creds.APISecret)
	if err != nil {
		return nil, exchange.NewConfigError("hyperliquid", err.Error())
	}
	user := creds.WalletAddress
	if user == "" {
		user = creds.APIKey
	}
	if user == "" {
		user = wallet.Address()
	}
	base := mainnetBaseURL
	if creds.Testnet {
		base = testnetBaseURL
	}
	return &Client{
		userAddr:   strings.ToLower(user),
		wallet:     wallet,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		assetIdx:   map[string]int{},
		nowMilli:   func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }
func (c *Client) SetBaseURL(u string)           { c.baseURL = u }

func (c *Client) Name() string { return "hyperliquid" }

func (c *Client) post(ctx context.Context, path string, payload []byte) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, exchange.NewTransportError("hyperliquid", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, exchange.NewTransportError("hyperliquid", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, exchange.NewTransportError("hyperliquid", err)
	}
	if resp.StatusCode >= 400 {
		return gjson.Result{}, exchange.NewTransportError("hyperliquid", fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw))
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, exchange.NewTransportError("hyperliquid", fmt.Errorf("响应不是合法 JSON: %.200s", raw))
	}
	return gjson.ParseBytes(raw), nil
}

func (c *Client) info(ctx context.Context, body map[string]any) (gjson.Result, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, exchange.NewConfigError("hyperliquid", fmt.Sprintf("请求体编码失败: %v", err))
	}
	return c.post(ctx, "/info", raw)
}

// signedAction wraps an action the way the exchange endpoint verifies it:
// the signature covers keccak256 of the serialized {action, nonce,
// vaultAddress} triple, field order fixed.
type signedAction struct {
	Action       json.RawMessage `json:"action"`
	Nonce        int64           `json:"nonce"`
	VaultAddress *string         `json:"vaultAddress"`
}

func (c *Client) exchange(ctx context.Context, action any) (gjson.Result, error) {
	actionRaw, err := json.Marshal(action)
	if err != nil {
		return gjson.Result{}, exchange.NewConfigError("hyperliquid", fmt.Sprintf("action 编码失败: %v", err))
	}
	wrapped := signedAction{Action: actionRaw, Nonce: c.nowMilli()}
	toSign, err := json.Marshal(wrapped)
	if err != nil {
		return gjson.Result{}, exchange.NewConfigError("hyperliquid", fmt.Sprintf("签名载荷编码失败: %v", err))
	}
	signature, err := c.wallet.PersonalSign(sign.Keccak256Hash(toSign))
	if err != nil {
		return gjson.Result{}, exchange.NewConfigError("hyperliquid", err.Error())
	}

	// actionRaw must ride as raw JSON; a plain []byte would be
	// base64-encoded and the venue would receive a string, not the object
	// the signature covers.
	payload, err := json.Marshal(map[string]any{
		"action":       json.RawMessage(actionRaw),
		"nonce":        wrapped.Nonce,
		"signature":    signature,
		"vaultAddress": nil,
	})
	if err != nil {
		return gjson.Result{}, exchange.NewConfigError("hyperliquid", fmt.Sprintf("请求编码失败: %v", err))
	}

	res, err := c.post(ctx, "/exchange", payload)
	if err != nil {
		return gjson.Result{}, err
	}
	if res.Get("status").String() != "ok" {
		return gjson.Result{}, exchange.NewBusinessError("hyperliquid", "", res.Get("response").String())
	}
	// Per-order failures arrive inside an ok envelope.
	if errMsg := res.Get("response.data.statuses.0.error"); errMsg.Exists() {
		return gjson.Result{}, exchange.NewBusinessError("hyperliquid", "", errMsg.String())
	}
	return res, nil
}

// assetIndex resolves a coin to its index in the meta universe, cached for
// the life of the client.
func (c *Client) assetIndex(ctx context.Context, coin string) (int, error) {
	coin = symbol.Normalize(coin)
	c.assetMu.Lock()
	idx, ok := c.assetIdx[coin]
	c.assetMu.Unlock()
	if ok {
		return idx, nil
	}

	res, err := c.info(ctx, map[string]any{"type": "meta"})
	if err != nil {
		return 0, err
	}
	c.assetMu.Lock()
	defer c.assetMu.Unlock()
	for i, entry := range res.Get("universe").Array() {
		c.assetIdx[entry.Get("name").String()] = i
	}
	idx, ok = c.assetIdx[coin]
	if !ok {
		return 0, exchange.NewBusinessError("hyperliquid", "", fmt.Sprintf("未知合约 %s", coin))
	}
	return idx, nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetWalletBalance(ctx, "USDC")
	return err
}

func (c *Client) GetWalletBalance(ctx context.Context, coin string) (*exchange.Balance, error) {
	res, err := c.info(ctx, map[string]any{"type": "clearinghouseState", "user": c.userAddr})
	if err != nil {
		return nil, err
	}
	p := new(convert.Parser)
	equity := p.Dec("accountValue", res.Get("marginSummary.accountValue").String())
	avail := p.Dec("withdrawable", res.Get("withdrawable").String())
	used := p.Dec("totalMarginUsed", res.Get("marginSummary.totalMarginUsed").String())
	if err := p.Err(); err != nil {
		return nil, exchange.NewTransportError("hyperliquid", err)
	}
	return &exchange.Balance{
		Coin:      "USDC",
		Equity:    equity,
		Available: avail,
		Locked:    used,
	}, nil
}

func (c *Client) GetPositions(ctx context.Context, sym string) ([]exchange.Position, error) {
	res, err := c.info(ctx, map[string]any{"type": "clearinghouseState", "user": c.userAddr})
	if err != nil {
		return nil, err
	}

	want := symbol.Normalize(sym)
	var positions []exchange.Position
	for _, ap := range res.Get("assetPositions").Array() {
		pos := ap.Get("position")
		coin := pos.Get("coin").String()
		if want != "" && coin != want {
			continue
		}
		p := new(convert.Parser)
		// szi is signed: positive long, negative short.
		szi := p.Dec("szi", pos.Get("szi").String())
		entry := exchange.Position{
			Symbol:        coin,
			Size:          szi.Abs(),
			EntryPrice:    p.Dec("entryPx", pos.Get("entryPx").String()),
			UnrealPnL:     p.Dec("unrealizedPnl", pos.Get("unrealizedPnl").String()),
			LiqPrice:      p.Dec("liquidationPx", pos.Get("liquidationPx").String()),
			PositionValue: p.Dec("positionValue", pos.Get("positionValue").String()),
			Leverage:      p.Dec("leverage", pos.Get("leverage.value").String()),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("hyperliquid", err)
		}
		if szi.IsZero() {
			continue
		}
		entry.Side = exchange.Buy
		if szi.IsNegative() {
			entry.Side = exchange.Sell
		}
		positions = append(positions, entry)
	}
	return positions, nil
}

func (c *Client) mid(ctx context.Context, coin string) (decimal.Decimal, error) {
	res, err := c.info(ctx, map[string]any{"type": "allMids"})
	if err != nil {
		return decimal.Zero, err
	}
	raw := res.Get(coin).String()
	if raw == "" {
		return decimal.Zero, exchange.NewBusinessError("hyperliquid", "", fmt.Sprintf("合约 %s 无中间价", coin))
	}
	mid, err := convert.Dec("mid", raw)
	if err != nil {
		return decimal.Zero, exchange.NewTransportError("hyperliquid", err)
	}
	return mid, nil
}

// roundPrice trims a price to 5 significant figures, the venue's tick rule.
func roundPrice(px decimal.Decimal) decimal.Decimal {
	if px.IsZero() {
		return px
	}
	digits := int32(len(px.Abs().Truncate(0).String()))
	if px.Abs().LessThan(decimal.New(1, 0)) {
		digits = 0
	}
	return px.Round(5 - digits)
}

type wireOrder struct {
	Asset      int    `json:"a"`
	IsBuy      bool   `json:"b"`
	Price      string `json:"p"`
	Size       string `json:"s"`
	ReduceOnly bool   `json:"r"`
	Type       struct {
		Limit struct {
			Tif string `json:"tif"`
		} `json:"limit"`
	} `json:"t"`
}

func (c *Client) placeOrder(ctx context.Context, coin string, side exchange.Side, qty, price decimal.Decimal, tif string, reduceOnly bool) (*exchange.OrderResult, error) {
	asset, err := c.assetIndex(ctx, coin)
	if err != nil {
		return nil, err
	}

	o := wireOrder{
		Asset:      asset,
		IsBuy:      side == exchange.Buy,
		Price:      roundPrice(price).String(),
		Size:       qty.String(),
		ReduceOnly: reduceOnly,
	}
	o.Type.Limit.Tif = tif

	action := map[string]any{
		"type":     "order",
		"orders":   []wireOrder{o},
		"grouping": "na",
	}
	res, err := c.exchange(ctx, action)
	if err != nil {
		return nil, err
	}

	status := res.Get("response.data.statuses.0")
	result := &exchange.OrderResult{
		Symbol:    symbol.Normalize(coin),
		Side:      side,
		Qty:       qty,
		Price:     price,
		Status:    exchange.StatusNew,
		CreatedAt: time.Now().UTC(),
	}
	if tif == "Ioc" {
		result.Type = exchange.Market
	} else {
		result.Type = exchange.Limit
	}
	if filled := status.Get("filled"); filled.Exists() {
		result.OrderID = filled.Get("oid").String()
		result.Status = exchange.StatusFilled
	} else if resting := status.Get("resting"); resting.Exists() {
		result.OrderID = resting.Get("oid").String()
	}
	return result, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, sym string, side exchange.Side, qty decimal.Decimal) (*exchange.OrderResult, error) {
	coin := symbol.Normalize(sym)
	mid, err := c.mid(ctx, coin)
	if err != nil {
		return nil, err
	}
	slip := decimal.RequireFromString(marketSlippage)
	px := mid.Mul(decimal.New(1, 0).Add(slip))
	if side == exchange.Sell {
		px = mid.Mul(decimal.New(1, 0).Sub(slip))
	}
	return c.placeOrder(ctx, coin, side, qty, px, "Ioc", false)
}

func (c *Client) PlaceLimitOrder(ctx context.Context, sym string, side exchange.Side, qty, price decimal.Decimal) (*exchange.OrderResult, error) {
	return c.placeOrder(ctx, symbol.Normalize(sym), side, qty, price, "Gtc", false)
}

func (c *Client) CancelOrder(ctx context.Context, sym, orderID string) error {
	asset, err := c.assetIndex(ctx, symbol.Normalize(sym))
	if err != nil {
		return err
	}
	var oid int64
	if _, err := fmt.Sscan(orderID, &oid); err != nil {
		return exchange.NewConfigError("hyperliquid", fmt.Sprintf("订单号不合法: %q", orderID))
	}
	action := map[string]any{
		"type":    "cancel",
		"cancels": []map[string]any{{"a": asset, "o": oid}},
	}
	_, err = c.exchange(ctx, action)
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
		mid, err := c.mid(ctx, p.Symbol)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		side := p.Side.Opposite()
		slip := decimal.RequireFromString(marketSlippage)
		px := mid.Mul(decimal.New(1, 0).Add(slip))
		if side == exchange.Sell {
			px = mid.Mul(decimal.New(1, 0).Sub(slip))
		}
		res, err := c.placeOrder(ctx, p.Symbol, side, p.Size, px, "Ioc", true)
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
	coin := symbol.Normalize(sym)
	start := time.Now().Add(-2 * time.Hour).UnixMilli()
	res, err := c.info(ctx, map[string]any{
		"type":      "fundingHistory",
		"coin":      coin,
		"startTime": start,
	})
	if err != nil {
		return nil, err
	}
	entries := res.Array()
	if len(entries) == 0 {
		return nil, exchange.NewBusinessError("hyperliquid", "", fmt.Sprintf("合约 %s 无资金费率数据", coin))
	}
	last := entries[len(entries)-1]
	rate, err := convert.Dec("fundingRate", last.Get("fundingRate").String())
	if err != nil {
		return nil, exchange.NewTransportError("hyperliquid", err)
	}
	// Funding settles hourly; the next settlement is the next top of hour.
	next := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
	return &exchange.FundingRate{
		Symbol:      coin,
		Rate:        rate,
		NextFunding: next,
	}, nil
}

func (c *Client) GetTicker(ctx context.Context, sym string) (*exchange.Ticker, error) {
	coin := symbol.Normalize(sym)
	mid, err := c.mid(ctx, coin)
	if err != nil {
		return nil, err
	}
	return &exchange.Ticker{
		Symbol:    coin,
		LastPrice: mid,
		MarkPrice: mid,
	}, nil
}

func (c *Client) SetLeverage(ctx context.Context, sym string, leverage int) error {
	asset, err := c.assetIndex(ctx, symbol.Normalize(sym))
	if err != nil {
		return err
	}
	action := map[string]any{
		"type":     "updateLeverage",
		"asset":    asset,
		"isCross":  true,
		"leverage": leverage,
	}
	_, err = c.exchange(ctx, action)
	return err
}

func (c *Client) GetOrderHistory(ctx context.Context, sym string, limit int) ([]exchange.OrderRecord, error) {
	res, err := c.info(ctx, map[string]any{"type": "userFills", "user": c.userAddr})
	if err != nil {
		return nil, err
	}

	want := symbol.Normalize(sym)
	var records []exchange.OrderRecord
	for _, fill := range res.Array() {
		coin := fill.Get("coin").String()
		if want != "" && coin != want {
			continue
		}
		if limit > 0 && len(records) >= limit {
			break
		}
		p := new(convert.Parser)
		side := exchange.Buy
		if fill.Get("side").String() == "A" {
			side = exchange.Sell
		}
		sz := p.Dec("sz", fill.Get("sz").String())
		rec := exchange.OrderRecord{
			OrderID:   fill.Get("oid").String(),
			Symbol:    coin,
			Side:      side,
			Type:      exchange.Market,
			Qty:       sz,
			FilledQty: sz,
			AvgPrice:  p.Dec("px", fill.Get("px").String()),
			Status:    exchange.StatusFilled,
			CreatedAt: time.UnixMilli(fill.Get("time").Int()).UTC(),
			UpdatedAt: time.UnixMilli(fill.Get("time").Int()).UTC(),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("hyperliquid", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
