// Package aster implements the venue adapter for Aster perpetual futures.
// The API surface is Binance-compatible but authentication is wallet-based:
// every request is keccak-hashed together with the user address, the signer
// address and a microsecond nonce, then personal-signed with the signer key.
// APIKey carries the user wallet address, APISecret the signer private key.
// Order quantity is denominated in the base coin.
package aster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"carrybot/internal/exchange"
	"carrybot/internal/exchange/sign"
	"carrybot/internal/pkg/convert"
	"carrybot/internal/pkg/symbol"
)

const (
	baseURL    = "https://fapi.asterdex.com"
	recvWindow = "50000"
)

// Client talks to the Aster REST API with one wallet credential pair.
type Client struct {
	userAddr   string
	wallet     *sign.SignerWallet
	baseURL    string
	httpClient *http.Client
	conv       symbol.AsterConverter

	// nowMicro is swapped by tests for a deterministic nonce.
	nowMicro func() int64
}

func New(creds exchange.Credentials) (*Client, error) {
	user := creds.WalletAddress
	if user == "" {
		user = creds.APIKey
	}
	if user == "" || creds.APISecret == "" {
		return nil, exchange.NewConfigError("aster", "缺少钱包地址或签名私钥")
	}
	wallet, err := sign.NewSignerWallet(creds.APISecret)
	if err != nil {
		return nil, exchange.NewConfigError("aster", err.Error())
	}
	return &Client{
		userAddr:   strings.ToLower(user),
		wallet:     wallet,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		nowMicro:   func() int64 { return time.Now().UnixMicro() },
	}, nil
}

func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }
func (c *Client) SetBaseURL(u string)           { c.baseURL = u }

func (c *Client) Name() string { return "aster" }

var authCodes = map[int]bool{
	-1022: true,
	-2014: true,
	-2015: true,
}

// signedParams produces the final parameter set: business params plus
// timestamp and recvWindow, signed over the sorted query string, with the
// wallet identity and signature appended.
func (c *Client) signedParams(params url.Values) (url.Values, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)

	nonce := big.NewInt(c.nowMicro())
	signerAddr := c.wallet.Address()
	digest, err := sign.AsterPayload(params.Encode(), c.userAddr, signerAddr, nonce)
	if err != nil {
		return nil, exchange.NewConfigError("aster", err.Error())
	}
	signature, err := c.wallet.PersonalSign(digest)
	if err != nil {
		return nil, exchange.NewConfigError("aster", err.Error())
	}

	params.Set("nonce", nonce.String())
	params.Set("user", c.userAddr)
	params.Set("signer", signerAddr)
	params.Set("signature", signature)
	return params, nil
}

func (c *Client) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	full, err := c.signedParams(params)
	if err != nil {
		return err
	}
	var (
		body io.Reader
		u    = c.baseURL + path
	)
	if method == http.MethodGet {
		u += "?" + full.Encode()
	} else {
		body = strings.NewReader(full.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return exchange.NewTransportError("aster", err)
	}
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
		return exchange.NewTransportError("aster", err)
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.NewTransportError("aster", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.NewTransportError("aster", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != 0 {
			code := strconv.Itoa(apiErr.Code)
			if authCodes[apiErr.Code] {
				return exchange.NewAuthError("aster", code, apiErr.Msg)
			}
			return exchange.NewBusinessError("aster", code, apiErr.Msg)
		}
		return exchange.NewTransportError("aster", fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return exchange.NewTransportError("aster", fmt.Errorf("响应解析失败: %w", err))
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
			return nil, exchange.NewTransportError("aster", err)
		}
		return balance, nil
	}
	return &exchange.Balance{Coin: coin}, nil
}

func (c *Client) GetPositions(ctx context.Context, sym string) ([]exchange.Position, error) {
	var acct struct {
		Positions []struct {
			Symbol           string `json:"symbol"`
			PositionAmt      string `json:"positionAmt"`
			EntryPrice       string `json:"entryPrice"`
			UnrealizedProfit string `json:"unrealizedProfit"`
			Leverage         string `json:"leverage"`
			Notional         string `json:"notional"`
		} `json:"positions"`
	}
	if err := c.signed(ctx, http.MethodGet, "/fapi/v3/account", nil, &acct); err != nil {
		return nil, err
	}

	want := ""
	if sym != "" {
		want = c.conv.ToExchange(sym)
	}
	positions := make([]exchange.Position, 0, len(acct.Positions))
	for _, e := range acct.Positions {
		if want != "" && e.Symbol != want {
			continue
		}
		p := new(convert.Parser)
		amt := p.Dec("positionAmt", e.PositionAmt)
		pos := exchange.Position{
			Symbol:        c.conv.FromExchange(e.Symbol),
			Size:          amt.Abs(),
			EntryPrice:    p.Dec("entryPrice", e.EntryPrice),
			UnrealPnL:     p.Dec("unrealizedProfit", e.UnrealizedProfit),
			Leverage:      p.Dec("leverage", e.Leverage),
			PositionValue: p.Dec("notional", e.Notional).Abs(),
		}
		if err := p.Err(); err != nil {
			return nil, exchange.NewTransportError("aster", err)
		}
		if amt.IsZero() {
			continue
		}
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

func asterSide(side exchange.Side) string {
	if side == exchange.Buy {
		return "BUY"
	}
	return "SELL"
}

func (c *Client) placeOrder(ctx context.Context, sym string, side exchange.Side, orderType exchange.OrderType, qty, price decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", c.conv.ToExchange(sym))
	params.Set("side", asterSide(side))
	params.Set("quantity", qty.String())
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

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
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
		return nil, exchange.NewTransportError("aster", err)
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

	p := new(convert.Parser)
	ticker := &exchange.Ticker{
		Symbol:    symbol.Normalize(sym),
		LastPrice: p.Dec("lastPrice", day.LastPrice),
		MarkPrice: p.Dec("markPrice", premium.MarkPrice),
		Volume24h: p.Dec("volume", day.Volume),
	}
	if err := p.Err(); err != nil {
		return nil, exchange.NewTransportError("aster", err)
	}
	return ticker, nil
}

func (c *Client) SetLeverage(ctx context.Context, sym string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", c.conv.ToExchange(sym))
	params.Set("leverage", strconv.Itoa(leverage))
	err := c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", params, nil)
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
			return nil, exchange.NewTransportError("aster", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
