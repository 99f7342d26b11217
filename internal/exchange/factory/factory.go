// Package factory builds venue adapters by registry name and publishes
// the capability table the admin surface exposes.
package factory

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"carrybot/internal/credential"
	"carrybot/internal/exchange"
	"carrybot/internal/exchange/aster"
	"carrybot/internal/exchange/binance"
	"carrybot/internal/exchange/bybit"
	"carrybot/internal/exchange/edgex"
	"carrybot/internal/exchange/gateio"
	"carrybot/internal/exchange/hyperliquid"
	"carrybot/internal/exchange/okx"
)

var (
	// ErrUnsupportedExchange reports a name the registry has never heard of.
	ErrUnsupportedExchange = errors.New("不支持的交易所")
	// ErrNotImplemented reports a registered venue without a working adapter.
	ErrNotImplemented = errors.New("交易所适配器未实现")
)

type constructor func(exchange.Credentials) (exchange.Client, error)

// Capability describes one registry venue for the admin capability table.
type Capability struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"display_name"`
	Category           string `json:"category"` // cex | dex
	HasTestnet         bool   `json:"has_testnet"`
	NeedsPassphrase    bool   `json:"needs_passphrase"`
	NeedsWalletAddress bool   `json:"needs_wallet_address"`
	Description        string `json:"description"`
	Implemented        bool   `json:"implemented"`
}

type entry struct {
	cap  Capability
	ctor constructor
}

// registry maps the venue name to its capability row and constructor.
// A nil constructor marks a venue reserved in the table without an adapter.
var registry = map[string]entry{
	"bybit": {
		cap: Capability{ID: "bybit", DisplayName: "Bybit", Category: "cex", HasTestnet: true,
			Description: "Bybit inverse perpetuals (v5 API)"},
		ctor: func(c exchange.Credentials) (exchange.Client, error) { return bybit.New(c) },
	},
	"binance": {
		cap: Capability{ID: "binance", DisplayName: "Binance", Category: "cex", HasTestnet: true,
			Description: "Binance USDS-M futures"},
		ctor: func(c exchange.Credentials) (exchange.Client, error) { return binance.New(c) },
	},
	"okx": {
		cap: Capability{ID: "okx", DisplayName: "OKX", Category: "cex", HasTestnet: true,
			NeedsPassphrase: true, Description: "OKX USDT perpetual swaps"},
		ctor: func(c exchange.Credentials) (exchange.Client, error) { return okx.New(c) },
	},
	"gateio": {
		cap: Capability{ID: "gateio", DisplayName: "Gate.io", Category: "cex", HasTestnet: true,
			Description: "Gate.io USDT futures (v4 API)"},
		ctor: func(c exchange.Credentials) (exchange.Client, error) { return gateio.New(c) },
	},
	"aster": {
		cap: Capability{ID: "aster", DisplayName: "Aster", Category: "dex",
			NeedsWalletAddress: true, Description: "Aster perpetuals, Web3 wallet auth"},
		ctor: func(c exchange.Credentials) (exchange.Client, error) { return aster.New(c) },
	},
	"hyperliquid": {
		cap: Capability{ID: "hyperliquid", DisplayName: "Hyperliquid", Category: "dex",
			HasTestnet: true, NeedsWalletAddress: true,
			Description: "Hyperliquid L1 perpetuals, wallet-signed actions"},
		ctor: func(c exchange.Credentials) (exchange.Client, error) { return hyperliquid.New(c) },
	},
	"edgex": {
		cap: Capability{ID: "edgex", DisplayName: "EdgeX", Category: "dex",
			Description: "EdgeX USDC perpetuals (HMAC API keys)"},
		ctor: func(c exchange.Credentials) (exchange.Client, error) { return edgex.New(c) },
	},
}

// aliases accept the spellings operators actually type.
var aliases = map[string]string{
	"gate":    "gateio",
	"gate.io": "gateio",
}

// Normalize folds a user-supplied exchange name to its registry key.
func Normalize(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		return canonical
	}
	return key
}

// ListSupported returns the capability table sorted by id, optionally
// restricted to venues with a working adapter.
func ListSupported(onlyImplemented bool) []Capability {
	caps := make([]Capability, 0, len(registry))
	for _, e := range registry {
		c := e.cap
		c.Implemented = e.ctor != nil
		if onlyImplemented && !c.Implemented {
			continue
		}
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].ID < caps[j].ID })
	return caps
}

// Supported returns the registry names with working adapters, sorted.
func Supported() []string {
	caps := ListSupported(true)
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.ID
	}
	return names
}

// Capabilities returns the table row for one venue.
func Capabilities(name string) (Capability, bool) {
	e, ok := registry[Normalize(name)]
	if !ok {
		return Capability{}, false
	}
	c := e.cap
	c.Implemented = e.ctor != nil
	return c, true
}

// IsSupported reports whether name resolves to a registry entry.
func IsSupported(name string) bool {
	_, ok := registry[Normalize(name)]
	return ok
}

// IsImplemented reports whether name resolves to a working adapter.
func IsImplemented(name string) bool {
	e, ok := registry[Normalize(name)]
	return ok && e.ctor != nil
}

// New builds an adapter for the named venue. Required credential fields
// are checked against the capability row before the adapter's own
// constructor runs its venue-specific validation.
func New(name string, creds exchange.Credentials) (exchange.Client, error) {
	key := Normalize(name)
	e, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, name)
	}
	if e.ctor == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, key)
	}
	if e.cap.NeedsPassphrase && creds.Passphrase == "" {
		return nil, exchange.NewConfigError(key, "缺少 passphrase")
	}
	if e.cap.NeedsWalletAddress && creds.APISecret == "" {
		return nil, exchange.NewConfigError(key, "缺少钱包私钥")
	}
	return e.ctor(creds)
}

// NewFromRecord builds an adapter from a stored credential record. The
// store hands records back already decrypted, so this is a plain rebind.
func NewFromRecord(rec *credential.Record) (exchange.Client, error) {
	if rec == nil {
		return nil, errors.New("凭证记录为空")
	}
	return New(rec.Exchange, rec.Credentials())
}
