package exchange

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the closing direction for a position held on this side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide maps the venue-reported direction strings onto Side.
func ParseSide(raw string) Side {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long", "bid":
		return Buy
	default:
		return Sell
	}
}

// OrderStatus is the normalized order lifecycle state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
	StatusExpired         OrderStatus = "Expired"
	StatusUnknown         OrderStatus = "Unknown"
)

// OrderType distinguishes the two order shapes every adapter supports.
type OrderType string

const (
	Market OrderType = "Market"
	Limit  OrderType = "Limit"
)

// Balance is one coin's wallet state on a venue.
type Balance struct {
	Coin      string
	Equity    decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
	UnrealPnL decimal.Decimal
}

// Position is one open contract position, already converted to the
// canonical coin symbol. Size is always positive, direction lives in Side.
type Position struct {
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	Leverage      decimal.Decimal
	UnrealPnL     decimal.Decimal
	LiqPrice      decimal.Decimal
	PositionValue decimal.Decimal
}

// OrderResult is the acknowledgement a venue returns for a placed order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Status        OrderStatus
	CreatedAt     time.Time
}

// OrderRecord is one historical order as reported by the venue.
type OrderRecord struct {
	OrderID   string
	Symbol    string
	Side      Side
	Type      OrderType
	Qty       decimal.Decimal
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FundingRate is the current or upcoming funding of a perpetual contract.
type FundingRate struct {
	Symbol      string
	Rate        decimal.Decimal
	NextFunding time.Time
}

// Ticker is the market snapshot the sizing logic consumes.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	MarkPrice decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume24h decimal.Decimal
}

// ClosedPosition describes one fully closed position with its realized result.
type ClosedPosition struct {
	Symbol      string
	Side        Side
	Qty         decimal.Decimal
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	ClosedAt    time.Time
}
