package gateio

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
	"carrybot/internal/exchange/sign"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(exchange.Credentials{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)
	c.SetBaseURL(srv.URL)
	c.SetHTTPClient(srv.Client())
	return c
}

func TestSignatureCoversBodyHash(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("KEY"))
		ts := r.Header.Get("Timestamp")
		require.NotEmpty(t, ts)

		payload := "GET\n/api/v4/futures/usdt/accounts\n\n" + sign.SHA512Hex("") + "\n" + ts
		assert.Equal(t, sign.HMACSHA512Hex("secret", payload), r.Header.Get("SIGN"))
		w.Write([]byte(`{"currency":"USDT","total":"100","available":"90","unrealised_pnl":"0","order_margin":"0","position_margin":"10"}`))
	})

	b, err := c.GetWalletBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(decimal.NewFromInt(10)))
}

func TestGetPositionsSignedSize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/futures/usdt/positions", r.URL.Path)
		w.Write([]byte(`[
			{"contract":"BTC_USDT","size":-5,"entry_price":"50000","mark_price":"49900","leverage":"1","unrealised_pnl":"5","liq_price":"0","value":"2495"},
			{"contract":"ETH_USDT","size":0,"entry_price":"0","mark_price":"3000","leverage":"1","unrealised_pnl":"0","liq_price":"0","value":"0"}
		]`))
	})

	positions, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC", positions[0].Symbol)
	assert.Equal(t, exchange.Sell, positions[0].Side)
	assert.True(t, positions[0].Size.Equal(decimal.NewFromInt(5)))
}

func TestPlaceMarketOrderShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BTC_USDT", body["contract"])
		assert.Equal(t, float64(-3), body["size"])
		assert.Equal(t, "0", body["price"])
		assert.Equal(t, "ioc", body["tif"])
		w.Write([]byte(`{"id":42,"contract":"BTC_USDT","size":-3,"price":"0","status":"finished"}`))
	})

	res, err := c.PlaceMarketOrder(context.Background(), "BTC", exchange.Sell, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "42", res.OrderID)
	assert.Equal(t, exchange.StatusFilled, res.Status)
}

func TestPlaceOrderRejectsFractionalContracts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.PlaceMarketOrder(context.Background(), "BTC", exchange.Buy, decimal.RequireFromString("0.5"))
	require.Error(t, err)
}

func TestAuthErrorLabel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"label":"INVALID_SIGNATURE","message":"Signature mismatch"}`))
	})
	err := c.TestConnection(context.Background())
	assert.True(t, exchange.IsAuthError(err))
}

func TestBusinessErrorLabel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"label":"BALANCE_NOT_ENOUGH","message":"balance not enough"}`))
	})
	_, err := c.PlaceMarketOrder(context.Background(), "BTC", exchange.Buy, decimal.NewFromInt(1))
	require.Error(t, err)
	apiErr, ok := err.(*exchange.APIError)
	require.True(t, ok)
	assert.Equal(t, exchange.KindBusiness, apiErr.Kind)
	assert.Equal(t, "BALANCE_NOT_ENOUGH", apiErr.Code)
}

func TestGetFundingRate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/futures/usdt/contracts/BTC_USDT", r.URL.Path)
		w.Write([]byte(`{"funding_rate":"-0.000375","funding_next_apply":1700000000,"mark_price":"50000"}`))
	})

	fr, err := c.GetFundingRate(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, fr.Rate.Equal(decimal.RequireFromString("-0.000375")))
	assert.Equal(t, int64(1700000000), fr.NextFunding.Unix())
}

func TestCloseAllPositionsReduceOnly(t *testing.T) {
	var orders []map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v4/futures/usdt/positions":
			w.Write([]byte(`[{"contract":"BTC_USDT","size":7,"entry_price":"50000","mark_price":"50100","leverage":"1","unrealised_pnl":"1","liq_price":"0","value":"3507"}]`))
		case r.URL.Path == "/api/v4/futures/usdt/orders" && r.Method == http.MethodPost:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			orders = append(orders, body)
			w.Write([]byte(`{"id":7,"contract":"BTC_USDT","size":-7,"price":"0","status":"finished"}`))
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	results, err := c.CloseAllPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, orders, 1)
	assert.Equal(t, float64(-7), orders[0]["size"])
	assert.Equal(t, true, orders[0]["reduce_only"])
}

func TestDefaultHTTPTimeout(t *testing.T) {
	c, err := New(exchange.Credentials{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
}
