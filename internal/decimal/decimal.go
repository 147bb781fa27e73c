// Package decimal wraps shopspring/decimal as the ledger's arbitrary-precision
// amount type. Unlike a fixed-scale integer unit, it carries as many decimal
// digits as the peer sends, and never rounds on its own.
package decimal

import (
	"github.com/shopspring/decimal"
)

// Amount is an arbitrary-precision signed decimal.
type Amount = decimal.Decimal

// Zero is the additive identity.
var Zero = decimal.Zero

// Parse converts a decimal string to an Amount. It rejects empty strings,
// NaN-shaped input, and anything decimal.NewFromString itself rejects.
// Per spec.md §3, a caller MUST still separately reject non-positive
// amounts where the protocol requires it — Parse only validates shape.
func Parse(s string) (Amount, bool) {
	if s == "" {
		return Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, false
	}
	return d, true
}

// MustParse parses s or panics. Used only for constants in tests/config.
func MustParse(s string) Amount {
	d, ok := Parse(s)
	if !ok {
		panic("decimal: invalid amount " + s)
	}
	return d
}

// Format renders an Amount canonically (shopspring's own normalized String).
func Format(a Amount) string {
	return a.String()
}
