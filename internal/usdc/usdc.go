// Package usdc handles USDC amounts as fixed-point integers.
//
// USDC has 6 decimals. Every amount in this service is a *big.Int in
// micro-units (1 USDC = 1,000,000). Floats never touch money.
package usdc

import (
	"math/big"
	"strings"
)

const Decimals = 6

// BasisPoints is the denominator for percentage math expressed in bps.
const BasisPoints = 10_000

var unit = big.NewInt(1_000_000)

// Parse converts a decimal string ("1.50") to micro-units (1500000).
// Negative values, multiple dots and non-digits are rejected. Fractions
// beyond 6 places are truncated.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	return new(big.Int).SetString(whole+frac, 10)
}

// MustParse is Parse for constants and tests. It panics on bad input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("usdc: invalid amount " + s)
	}
	return v
}

// Format renders micro-units with exactly 6 decimals ("1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) < Decimals+1 {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	out := s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
	if neg {
		return "-" + out
	}
	return out
}

// Whole returns amount in whole USDC units, flooring any fraction.
func Whole(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Quo(amount, unit)
}

// FromWhole converts whole USDC to micro-units.
func FromWhole(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

// Bps returns amount * bps / 10000, truncated toward zero.
func Bps(amount *big.Int, bps int64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	v := new(big.Int).Mul(amount, big.NewInt(bps))
	return v.Quo(v, big.NewInt(BasisPoints))
}

// Sum adds all amounts; nil entries count as zero.
func Sum(amounts ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}

// WithinEpsilon reports whether |a-b| < eps.
func WithinEpsilon(a, b, eps *big.Int) bool {
	if a == nil || b == nil {
		return false
	}
	diff := new(big.Int).Sub(a, b)
	return diff.Abs(diff).Cmp(eps) < 0
}
