package hyperliquid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"carrybot/internal/exchange"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(exchange.Credentials{APISecret: testKey})
	require.NoError(t, err)
	c.SetBaseURL(srv.URL)
	c.SetHTTPClient(srv.Client())
	c.nowMilli = func() int64 { return 1700000000000 }
	return c
}

func TestGetWalletBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "clearinghouseState", gjson.GetBytes(body, "type").String())
		assert.NotEmpty(t, gjson.GetBytes(body, "user").String())
		w.Write([]byte(`{"marginSummary":{"accountValue":"1500.5","totalMarginUsed":"100"},"withdrawable":"1400.5","assetPositions":[]}`))
	})

	b, err := c.GetWalletBalance(context.Background(), "USDC")
	require.NoError(t, err)
	assert.Equal(t, "USDC", b.Coin)
	assert.True(t, b.Equity.Equal(decimal.RequireFromString("1500.5")))
	assert.True(t, b.Available.Equal(decimal.RequireFromString("1400.5")))
}

func TestGetPositionsSignOfSzi(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"marginSummary":{"accountValue":"0","totalMarginUsed":"0"},"withdrawable":"0","assetPositions":[
			{"position":{"coin":"ETH","szi":"-2.5","entryPx":"3000","positionValue":"7500","unrealizedPnl":"12","liquidationPx":"9000","leverage":{"type":"cross","value":1}}},
			{"position":{"coin":"BTC","szi":"0","entryPx":"0","positionValue":"0","unrealizedPnl":"0","liquidationPx":null,"leverage":{"type":"cross","value":1}}}
		]}`))
	})

	positions, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "ETH", positions[0].Symbol)
	assert.Equal(t, exchange.Sell, positions[0].Side)
	assert.True(t, positions[0].Size.Equal(decimal.RequireFromString("2.5")))
}

func TestPlaceMarketOrderEmulatesIOCLimit(t *testing.T) {
	var orderAction gjson.Result
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/info":
			switch gjson.GetBytes(body, "type").String() {
			case "allMids":
				w.Write([]byte(`{"BTC":"50000","ETH":"3000"}`))
			case "meta":
				w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5},{"name":"ETH","szDecimals":4}]}`))
			default:
				t.Fatalf("unexpected info type")
			}
		case "/exchange":
			require.Equal(t, int64(1700000000000), gjson.GetBytes(body, "nonce").Int())
			require.NotEmpty(t, gjson.GetBytes(body, "signature").String())
			require.True(t, gjson.GetBytes(body, "vaultAddress").Type == gjson.Null)
			// The action rides as a JSON object, never an encoded string.
			require.True(t, gjson.GetBytes(body, "action").IsObject())
			orderAction = gjson.ParseBytes(body).Get("action")
			w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"oid":777,"totalSz":"0.5","avgPx":"51490"}}]}}}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := c.PlaceMarketOrder(context.Background(), "BTC", exchange.Buy, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "777", res.OrderID)
	assert.Equal(t, exchange.StatusFilled, res.Status)
	assert.Equal(t, exchange.Market, res.Type)

	order := orderAction.Get("orders.0")
	assert.Equal(t, int64(0), order.Get("a").Int())
	assert.True(t, order.Get("b").Bool())
	// 3% above the 50000 mid.
	assert.Equal(t, "51500", order.Get("p").String())
	assert.Equal(t, "0.5", order.Get("s").String())
	assert.Equal(t, "Ioc", order.Get("t.limit.tif").String())
	assert.Equal(t, "na", orderAction.Get("grouping").String())
}

func TestExchangeErrorStatusSurfaced(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/info" && gjson.GetBytes(body, "type").String() == "meta" {
			w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5}]}`))
			return
		}
		w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Insufficient margin to place order."}]}}}`))
	})

	_, err := c.PlaceLimitOrder(context.Background(), "BTC", exchange.Buy, decimal.NewFromInt(1), decimal.NewFromInt(40000))
	require.Error(t, err)
	apiErr, ok := err.(*exchange.APIError)
	require.True(t, ok)
	assert.Equal(t, exchange.KindBusiness, apiErr.Kind)
	assert.Contains(t, apiErr.Message, "Insufficient margin")
}

func TestSetLeverageAction(t *testing.T) {
	var action gjson.Result
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/info" {
			w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5},{"name":"SOL","szDecimals":2}]}`))
			return
		}
		action = gjson.ParseBytes(body).Get("action")
		w.Write([]byte(`{"status":"ok","response":{"type":"default"}}`))
	})

	require.NoError(t, c.SetLeverage(context.Background(), "SOL", 1))
	assert.Equal(t, "updateLeverage", action.Get("type").String())
	assert.Equal(t, int64(1), action.Get("asset").Int())
	assert.True(t, action.Get("isCross").Bool())
	assert.Equal(t, int64(1), action.Get("leverage").Int())
}

func TestCancelOrder(t *testing.T) {
	var action gjson.Result
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/info" {
			w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5}]}`))
			return
		}
		action = gjson.ParseBytes(body).Get("action")
		w.Write([]byte(`{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`))
	})

	require.NoError(t, c.CancelOrder(context.Background(), "BTC", "777"))
	assert.Equal(t, "cancel", action.Get("type").String())
	assert.Equal(t, int64(777), action.Get("cancels.0.o").Int())
}

// One position failing to close must not stop the remaining ones.
func TestCloseAllPositionsPartialFailure(t *testing.T) {
	var exchangeCalls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/info":
			switch gjson.GetBytes(body, "type").String() {
			case "clearinghouseState":
				w.Write([]byte(`{"marginSummary":{"accountValue":"1000","totalMarginUsed":"500"},"withdrawable":"500","assetPositions":[
					{"position":{"coin":"BTC","szi":"1","entryPx":"50000","positionValue":"50000","unrealizedPnl":"0","liquidationPx":"40000","leverage":{"type":"cross","value":1}}},
					{"position":{"coin":"ETH","szi":"-2","entryPx":"3000","positionValue":"6000","unrealizedPnl":"0","liquidationPx":"4000","leverage":{"type":"cross","value":1}}}
				]}`))
			case "allMids":
				w.Write([]byte(`{"BTC":"50000","ETH":"3000"}`))
			case "meta":
				w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5},{"name":"ETH","szDecimals":4}]}`))
			default:
				t.Fatalf("unexpected info type")
			}
		case "/exchange":
			assert.True(t, gjson.GetBytes(body, "action.orders.0.r").Bool())
			exchangeCalls++
			if exchangeCalls == 1 {
				w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Insufficient margin to place order."}]}}}`))
				return
			}
			w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"oid":888,"totalSz":"2","avgPx":"2910"}}]}}}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	results, err := c.CloseAllPositions(context.Background(), "")
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "888", results[0].OrderID)
	assert.Equal(t, 2, exchangeCalls)
}

func TestGetFundingRateUsesLatestEntry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "fundingHistory", gjson.GetBytes(body, "type").String())
		assert.Equal(t, "BTC", gjson.GetBytes(body, "coin").String())
		w.Write([]byte(`[
			{"coin":"BTC","fundingRate":"0.0000125","time":1700000000000},
			{"coin":"BTC","fundingRate":"-0.0000300","time":1700003600000}
		]`))
	})

	fr, err := c.GetFundingRate(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, fr.Rate.Equal(decimal.RequireFromString("-0.00003")))
	assert.False(t, fr.NextFunding.IsZero())
}

func TestRoundPrice(t *testing.T) {
	cases := map[string]string{
		"51500.123": "51500",
		"3123.456":  "3123.5",
		"0.0512345": "0.05123",
	}
	for in, want := range cases {
		got := roundPrice(decimal.RequireFromString(in))
		assert.True(t, got.Equal(decimal.RequireFromString(want)), "roundPrice(%s) = %s, want %s", in, got, want)
	}
}

func TestSignedActionFieldOrder(t *testing.T) {
	raw, err := json.Marshal(signedAction{Action: json.RawMessage(`{"type":"order"}`), Nonce: 5})
	require.NoError(t, err)
	assert.Equal(t, `{"action":{"type":"order"},"nonce":5,"vaultAddress":null}`, string(raw))
}

func TestDefaultHTTPTimeout(t *testing.T) {
	c, err := New(exchange.Credentials{APISecret: testKey})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
}
