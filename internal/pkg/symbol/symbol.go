// Package symbol maps the canonical bare-coin symbol used by the trading
// cycle onto each venue's native instrument identifier and back. The cycle
// and the factory only ever see the canonical form; instrument shapes like
// BTCUSD, BTC-USDT-SWAP or BTC-USDC-PERP stay inside the owning adapter.
package symbol

import "strings"

// Converter is the bidirectional mapping owned by one adapter.
type Converter interface {
	// ToExchange turns a canonical coin ("BTC") into the venue instrument id.
	ToExchange(coin string) string
	// FromExchange turns a venue instrument id back into the canonical coin.
	FromExchange(instrument string) string
}

var quoteSuffixes = []string{"-USDT-SWAP", "-USDC-PERP", "-USD-SWAP", "_USDT", "USDT", "USDC", "USD", "PERP"}

// Normalize reduces any known instrument shape to the canonical bare coin.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	for _, suffix := range quoteSuffixes {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	return strings.Trim(s, "-_")
}
