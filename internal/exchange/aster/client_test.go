package aster

import (
	"context"
	"encoding/hex"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrybot/internal/exchange"
	"carrybot/internal/exchange/sign"
)

const (
	testSignerKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testSignerAddr = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	testUserAddr   = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(exchange.Credentials{APIKey: testUserAddr, APISecret: testSignerKey})
	require.NoError(t, err)
	c.SetBaseURL(srv.URL)
	c.SetHTTPClient(srv.Client())
	c.nowMicro = func() int64 { return 1700000000000000 }
	return c
}

func TestNewDerivesSignerAddress(t *testing.T) {
	c, err := New(exchange.Credentials{APIKey: testUserAddr, APISecret: testSignerKey})
	require.NoError(t, err)
	assert.Equal(t, testSignerAddr, c.wallet.Address())
	assert.Equal(t, strings.ToLower(testUserAddr), c.userAddr)
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New(exchange.Credentials{APIKey: testUserAddr, APISecret: "zz"})
	require.Error(t, err)
	apiErr, ok := err.(*exchange.APIError)
	require.True(t, ok)
	assert.Equal(t, exchange.KindConfig, apiErr.Kind)
}

// The wallet identity and a recoverable signature must ride on every
// authenticated request.
func TestSignedRequestCarriesVerifiableSignature(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, strings.ToLower(testUserAddr), q.Get("user"))
		assert.Equal(t, testSignerAddr, q.Get("signer"))
		assert.Equal(t, "1700000000000000", q.Get("nonce"))
		assert.Equal(t, "50000", q.Get("recvWindow"))

		// Rebuild the signed query: every param except the four auth ones.
		signed := url.Values{}
		for k, vs := range q {
			switch k {
			case "user", "signer", "nonce", "signature":
				continue
			}
			signed.Set(k, vs[0])
		}
		nonce, ok := new(big.Int).SetString(q.Get("nonce"), 10)
		require.True(t, ok)
		digest, err := sign.AsterPayload(signed.Encode(), q.Get("user"), q.Get("signer"), nonce)
		require.NoError(t, err)

		sigBytes, err := hex.DecodeString(strings.TrimPrefix(q.Get("signature"), "0x"))
		require.NoError(t, err)
		require.Len(t, sigBytes, 65)
		sigBytes[64] -= 27
		prefixed := sign.Keccak256Hash([]byte("\x19Ethereum Signed Message:\n32"), digest)
		pub, err := crypto.SigToPub(prefixed, sigBytes)
		require.NoError(t, err)
		assert.Equal(t, testSignerAddr, strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()))

		w.Write([]byte(`[]`))
	})

	_, err := c.GetWalletBalance(context.Background(), "USDT")
	require.NoError(t, err)
}

func TestGetPositionsFromAccount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v3/account", r.URL.Path)
		w.Write([]byte(`{"positions":[
			{"symbol":"BTCUSDT","positionAmt":"0.25","entryPrice":"50000","unrealizedProfit":"10","leverage":"1","notional":"12500"},
			{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0","unrealizedProfit":"0","leverage":"1","notional":"0"}
		]}`))
	})

	positions, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC", positions[0].Symbol)
	assert.Equal(t, exchange.Buy, positions[0].Side)
	assert.True(t, positions[0].Size.Equal(decimal.RequireFromString("0.25")))
}

func TestPlaceMarketOrderFormBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "BTCUSDT", r.PostForm.Get("symbol"))
		assert.Equal(t, "SELL", r.PostForm.Get("side"))
		assert.Equal(t, "MARKET", r.PostForm.Get("type"))
		assert.Equal(t, "0.1", r.PostForm.Get("quantity"))
		assert.NotEmpty(t, r.PostForm.Get("signature"))
		w.Write([]byte(`{"orderId":55,"clientOrderId":"c","status":"NEW"}`))
	})

	res, err := c.PlaceMarketOrder(context.Background(), "BTC", exchange.Sell, decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	assert.Equal(t, "55", res.OrderID)
	assert.Equal(t, exchange.StatusNew, res.Status)
}

// One position failing to close must not stop the remaining ones.
func TestCloseAllPositionsPartialFailure(t *testing.T) {
	var orderCalls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v3/account":
			w.Write([]byte(`{"positions":[
				{"symbol":"BTCUSDT","positionAmt":"0.25","entryPrice":"50000","unrealizedProfit":"10","leverage":"1","notional":"12500"},
				{"symbol":"ETHUSDT","positionAmt":"-2","entryPrice":"3000","unrealizedProfit":"-5","leverage":"1","notional":"6000"}
			]}`))
		case "/fapi/v1/order":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "true", r.PostForm.Get("reduceOnly"))
			orderCalls++
			if orderCalls == 1 {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
				return
			}
			w.Write([]byte(`{"orderId":66,"clientOrderId":"c","status":"FILLED"}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	results, err := c.CloseAllPositions(context.Background(), "")
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "66", results[0].OrderID)
	assert.Equal(t, 2, orderCalls)
}

func TestAuthErrorKind(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-1022,"msg":"Signature for this request is not valid."}`))
	})
	err := c.TestConnection(context.Background())
	assert.True(t, exchange.IsAuthError(err))
}

func TestGetFundingRatePublicNoSignature(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("signature"))
		w.Write([]byte(`{"lastFundingRate":"-0.0001","nextFundingTime":1700000000000}`))
	})

	fr, err := c.GetFundingRate(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, fr.Rate.Equal(decimal.RequireFromString("-0.0001")))
}

func TestDefaultHTTPTimeout(t *testing.T) {
	c, err := New(exchange.Credentials{APIKey: testUserAddr, APISecret: testSignerKey})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
}
