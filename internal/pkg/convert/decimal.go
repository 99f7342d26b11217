// Package convert provides strict numeric ingestion for exchange payloads.
package convert

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Dec parses an exchange-reported numeric string into a decimal.
// Empty strings count as zero (venues routinely omit zero fields), anything
// else must parse or the field is reported as malformed. This replaces the
// usual parse-to-float-and-hope coercion: a garbled number surfaces as an
// error at the ingestion edge instead of propagating NaN into sizing math.
func Dec(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("字段 %s 不是合法数值: %q", field, raw)
	}
	return d, nil
}

// DecOr parses like Dec but falls back to the first non-empty alternative.
// Mirrors the `a || b || '0'` chains exchanges force on response mapping.
func DecOr(field string, candidates ...string) (decimal.Decimal, error) {
	for _, raw := range candidates {
		if strings.TrimSpace(raw) != "" {
			return Dec(field, raw)
		}
	}
	return decimal.Zero, nil
}

// Parser batches Dec calls over one payload and remembers the first failure,
// so response mapping reads as straight-line field assignments with a single
// error check at the end.
type Parser struct {
	err error
}

func (p *Parser) Dec(field, raw string) decimal.Decimal {
	d, err := Dec(field, raw)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}

func (p *Parser) DecOr(field string, candidates ...string) decimal.Decimal {
	d, err := DecOr(field, candidates...)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}

// Err returns the first parse failure, nil if every field parsed.
func (p *Parser) Err() error { return p.err }
