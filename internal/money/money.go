// Package money provides shared amount parsing and formatting utilities.
//
// Ledger amounts use 4 decimal places. All arithmetic is done on big.Int
// values in the smallest unit (1 unit = 10,000 minor units), so percentage
// math rounds exactly once, at the documented 4-decimal boundary.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 4

var (
	// one unit in minor units (10^4)
	unit = big.NewInt(10_000)
	// divisor for percent-of-amount math: rate is itself a 4-decimal
	// minor-unit value, so base*rate must be divided by 100 * 10^4.
	percentDenom = big.NewInt(1_000_000)
)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (15000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 4 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 4 decimal places (e.g. "1.5000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.0000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Percent computes amount * rate / 100, rounded half-up at 4 decimals.
// rate is a decimal percent string (e.g. "5" or "2.5"). Returns
// (nil, false) if either input is invalid.
func Percent(amount *big.Int, rate string) (*big.Int, bool) {
	if amount == nil {
		return nil, false
	}
	r, ok := Parse(rate)
	if !ok {
		return nil, false
	}

	// round(amount * r / percentDenom) half-up
	num := new(big.Int).Mul(amount, r)
	half := new(big.Int).Rsh(percentDenom, 1)
	num.Add(num, half)
	return num.Div(num, percentDenom), true
}

// Tolerance returns max(floor, 5% of expected) in minor units.
// Used when matching an observed transfer against an expected amount.
func Tolerance(expected, floor *big.Int) *big.Int {
	pct, _ := Percent(expected, "5")
	if pct.Cmp(floor) < 0 {
		return new(big.Int).Set(floor)
	}
	return pct
}

// WithinTolerance reports whether observed is within tol of expected.
func WithinTolerance(observed, expected, tol *big.Int) bool {
	diff := new(big.Int).Sub(observed, expected)
	return diff.Abs(diff).Cmp(tol) <= 0
}

// IsPositive reports whether the amount is a valid, strictly positive value.
func IsPositive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// Unit returns one whole unit in minor units.
func Unit() *big.Int {
	return new(big.Int).Set(unit)
}
