// Package exchange defines the contract every venue adapter implements and
// the normalized models the trading cycle consumes. Adapters translate their
// venue's payloads into these types at the boundary; nothing above this
// package sees a raw venue response.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Credentials is the decrypted key material an adapter signs with.
// Passphrase is only meaningful for venues that require one (OKX);
// WalletAddress only for wallet-authenticated venues (Aster, Hyperliquid).
type Credentials struct {
	APIKey        string
	APISecret     string
	Passphrase    string
	WalletAddress string
	Testnet       bool
}

// Client is the uniform surface of one authenticated venue connection.
// All blocking calls take a context; adapters honor cancellation by
// threading it into the underlying HTTP request.
type Client interface {
	// Name returns the registry identifier of the venue, e.g. "bybit".
	Name() string

	// TestConnection performs a cheap authenticated call to verify that the
	// credentials are accepted.
	TestConnection(ctx context.Context) error

	// GetWalletBalance returns the wallet state for one coin.
	GetWalletBalance(ctx context.Context, coin string) (*Balance, error)

	// GetPositions returns open positions, optionally filtered by symbol
	// (canonical coin form, empty for all). Zero-size entries are dropped.
	GetPositions(ctx context.Context, symbol string) ([]Position, error)

	// PlaceMarketOrder submits a market order. Qty semantics follow the
	// venue's contract definition; see the adapter's package doc.
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (*OrderResult, error)

	// PlaceLimitOrder submits a GTC limit order.
	PlaceLimitOrder(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal) (*OrderResult, error)

	// CancelOrder cancels one open order by venue order id.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CloseAllPositions market-closes every open position on the symbol
	// filter (empty for all) and returns one result per closing order.
	CloseAllPositions(ctx context.Context, symbol string) ([]OrderResult, error)

	// GetFundingRate returns the current funding rate for the symbol.
	GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error)

	// GetTicker returns the market snapshot for the symbol.
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// SetLeverage sets the position leverage for the symbol. Venues that
	// report "leverage not modified" treat the call as success.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// GetOrderHistory returns up to limit recent orders for the symbol.
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]OrderRecord, error)
}
