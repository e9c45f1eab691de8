// Package money provides fixed-point decimal arithmetic for ledger amounts.
// All rounding is half-to-even (banker's rounding); float64 never touches
// a stored amount.
package money

import (
	"github.com/shopspring/decimal"
)

// Ledger amounts carry two fractional digits; commission amounts are
// billed in whole currency units.
const (
	LedgerPlaces     = 2
	CommissionPlaces = 0
)

// Zero is the canonical zero amount.
var Zero = decimal.Zero

// FromString parses a decimal amount, e.g. "2915.19".
func FromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// MustFromString parses a decimal amount and panics on malformed input.
// Intended for constants and tests.
func MustFromString(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Round rounds a ledger amount to two places, half to even.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(LedgerPlaces)
}

// RoundWhole rounds a commission amount to whole currency units, half to even.
func RoundWhole(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(CommissionPlaces)
}

// Percent returns amount * pct / 100 without rounding; callers round per
// their own convention.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(decimal.NewFromInt(100))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Equal reports whether two amounts are numerically equal regardless of
// exponent representation.
func Equal(a, b decimal.Decimal) bool {
	return a.Equal(b)
}
