package symbol

import "strings"

// BybitConverter targets inverse perpetuals: BTC ↔ BTCUSD.
type BybitConverter struct{}

func (BybitConverter) ToExchange(coin string) string {
	c := Normalize(coin)
	if c == "" {
		return ""
	}
	return c + "USD"
}

func (BybitConverter) FromExchange(instrument string) string {
	return Normalize(instrument)
}

// BinanceConverter targets USDS-M futures: BTC ↔ BTCUSDT.
type BinanceConverter struct{}

func (BinanceConverter) ToExchange(coin string) string {
	c := Normalize(coin)
	if c == "" {
		return ""
	}
	return c + "USDT"
}

func (BinanceConverter) FromExchange(instrument string) string {
	return Normalize(instrument)
}

// OKXConverter targets perpetual swaps: BTC ↔ BTC-USDT-SWAP.
type OKXConverter struct{}

func (OKXConverter) ToExchange(coin string) string {
	c := Normalize(coin)
	if c == "" {
		return ""
	}
	return c + "-USDT-SWAP"
}

func (OKXConverter) FromExchange(instrument string) string {
	return Normalize(instrument)
}

// GateConverter targets USDT-settled contracts: BTC ↔ BTC_USDT.
type GateConverter struct{}

func (GateConverter) ToExchange(coin string) string {
	c := Normalize(coin)
	if c == "" {
		return ""
	}
	return c + "_USDT"
}

func (GateConverter) FromExchange(instrument string) string {
	s := strings.ToUpper(strings.TrimSpace(instrument))
	if idx := strings.Index(s, "_"); idx > 0 {
		return s[:idx]
	}
	return Normalize(s)
}

// AsterConverter follows the Binance-compatible shape: BTC ↔ BTCUSDT.
type AsterConverter struct{}

func (AsterConverter) ToExchange(coin string) string {
	return BinanceConverter{}.ToExchange(coin)
}

func (AsterConverter) FromExchange(instrument string) string {
	return Normalize(instrument)
}

// HyperliquidConverter is the identity: the venue keys instruments by coin.
type HyperliquidConverter struct{}

func (HyperliquidConverter) ToExchange(coin string) string {
	return Normalize(coin)
}

func (HyperliquidConverter) FromExchange(instrument string) string {
	return Normalize(instrument)
}

// EdgeXConverter targets USDC perpetuals: BTC ↔ BTC-USDC-PERP.
type EdgeXConverter struct{}

func (EdgeXConverter) ToExchange(coin string) string {
	c := Normalize(coin)
	if c == "" {
		return ""
	}
	return c + "-USDC-PERP"
}

func (EdgeXConverter) FromExchange(instrument string) string {
	return Normalize(instrument)
}

var (
	Bybit       = BybitConverter{}
	Binance     = BinanceConverter{}
	OKX         = OKXConverter{}
	Gate        = GateConverter{}
	Aster       = AsterConverter{}
	Hyperliquid = HyperliquidConverter{}
	EdgeX       = EdgeXConverter{}
)
