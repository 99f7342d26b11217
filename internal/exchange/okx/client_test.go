package okx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrybot/internal/exchange"
)

func newTestClient(t *testing.T, testnet bool, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(exchange.Credentials{
		APIKey:     "key",
		APISecret:  "secret",
		Passphrase: "phrase",
		Testnet:    testnet,
	})
	require.NoError(t, err)
	c.SetBaseURL(srv.URL)
	c.SetHTTPClient(srv.Client())
	return c
}

func TestNewRequiresPassphrase(t *testing.T) {
	_, err := New(exchange.Credentials{APIKey: "k", APISecret: "s"})
	require.Error(t, err)
	apiErr, ok := err.(*exchange.APIError)
	require.True(t, ok)
	assert.Equal(t, exchange.KindConfig, apiErr.Kind)
}

func TestAuthHeaders(t *testing.T) {
	c := newTestClient(t, true, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("OK-ACCESS-KEY"))
		assert.Equal(t, "phrase", r.Header.Get("OK-ACCESS-PASSPHRASE"))
		assert.NotEmpty(t, r.Header.Get("OK-ACCESS-SIGN"))
		assert.NotEmpty(t, r.Header.Get("OK-ACCESS-TIMESTAMP"))
		assert.Equal(t, "1", r.Header.Get("x-simulated-trading"))
		w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
	})

	_, err := c.GetWalletBalance(context.Background(), "USDT")
	require.NoError(t, err)
}

func TestGetWalletBalance(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/account/balance", r.URL.Path)
		assert.Equal(t, "USDT", r.URL.Query().Get("ccy"))
		w.Write([]byte(`{"code":"0","msg":"","data":[{"details":[
			{"ccy":"USDT","cashBal":"1000","eq":"1010","availBal":"950","frozenBal":"60","upl":"10"}
		]}]}`))
	})

	b, err := c.GetWalletBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, b.Equity.Equal(decimal.NewFromInt(1010)))
	assert.True(t, b.Available.Equal(decimal.NewFromInt(950)))
}

func TestGetPositionsNetMode(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SWAP", r.URL.Query().Get("instType"))
		assert.Equal(t, "BTC-USDT-SWAP", r.URL.Query().Get("instId"))
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT-SWAP","pos":"-10","avgPx":"50000","markPx":"49900","lever":"1","upl":"5","liqPx":"","notionalUsd":"5000"},
			{"instId":"BTC-USDT-SWAP","pos":"0","avgPx":"0","markPx":"49900","lever":"1","upl":"0","liqPx":"","notionalUsd":"0"}
		]}`))
	})

	positions, err := c.GetPositions(context.Background(), "BTC")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC", positions[0].Symbol)
	assert.Equal(t, exchange.Sell, positions[0].Side)
	assert.True(t, positions[0].Size.Equal(decimal.NewFromInt(10)))
}

func TestPlaceMarketOrderRejectedBySCode(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"","clOrdId":"x","sCode":"51008","sMsg":"Order placement failed due to insufficient balance"}]}`))
	})

	_, err := c.PlaceMarketOrder(context.Background(), "BTC", exchange.Buy, decimal.NewFromInt(1))
	require.Error(t, err)
	apiErr, ok := err.(*exchange.APIError)
	require.True(t, ok)
	assert.Equal(t, "51008", apiErr.Code)
	assert.Equal(t, exchange.KindBusiness, apiErr.Kind)
}

func TestPlaceMarketOrderBody(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/trade/order", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BTC-USDT-SWAP", body["instId"])
		assert.Equal(t, "cross", body["tdMode"])
		assert.Equal(t, "buy", body["side"])
		assert.Equal(t, "market", body["ordType"])
		assert.Equal(t, "5", body["sz"])
		assert.NotEmpty(t, body["clOrdId"])
		w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"o1","clOrdId":"c1","sCode":"0","sMsg":""}]}`))
	})

	res, err := c.PlaceMarketOrder(context.Background(), "BTC", exchange.Buy, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, "o1", res.OrderID)
}

func TestAuthErrorCode(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50113","msg":"Invalid Sign","data":[]}`))
	})
	err := c.TestConnection(context.Background())
	assert.True(t, exchange.IsAuthError(err))
}

func TestCloseAllPositionsUsesClosePosition(t *testing.T) {
	var closeBodies []map[string]any
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v5/account/positions":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"ETH-USDT-SWAP","pos":"3","avgPx":"3000","markPx":"3010","lever":"1","upl":"1","liqPx":"","notionalUsd":"9000"}
			]}`))
		case "/api/v5/trade/close-position":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			closeBodies = append(closeBodies, body)
			w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"ETH-USDT-SWAP","posSide":"net"}]}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	results, err := c.CloseAllPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, closeBodies, 1)
	assert.Equal(t, "ETH-USDT-SWAP", closeBodies[0]["instId"])
	assert.Equal(t, "cross", closeBodies[0]["mgnMode"])
	assert.Equal(t, "net", closeBodies[0]["posSide"])
	assert.Equal(t, true, closeBodies[0]["autoCxl"])
}

func TestGetFundingRate(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/public/funding-rate", r.URL.Path)
		w.Write([]byte(`{"code":"0","msg":"","data":[{"fundingRate":"0.00012","nextFundingTime":"1700000000000"}]}`))
	})

	fr, err := c.GetFundingRate(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, fr.Rate.Equal(decimal.RequireFromString("0.00012")))
}

func TestDefaultHTTPTimeout(t *testing.T) {
	c, err := New(exchange.Credentials{APIKey: "key", APISecret: "secret", Passphrase: "phrase"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
}
