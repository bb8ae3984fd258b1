// Package units provides fixed-point conversion between human-readable
// entry amounts and the ledger's minimal integer unit.
//
// The entry token uses 6 decimal places (1 token = 1,000,000 minor units).
// Conversions always round up: an entry fee must never be underfunded by
// truncation.
package units

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "0.01") to its minor-unit big.Int
// representation (10000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty strings are rejected (an unspecified fee is not a zero fee)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond the sixth round the result up by one minor unit
func Parse(s string) (*big.Int, bool) {
	if s == "" || strings.HasPrefix(s, "-") {
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
	if whole == "" && frac == "" {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}

	roundUp := false
	if len(frac) > Decimals {
		for _, c := range frac[Decimals:] {
			if c != '0' {
				roundUp = true
				break
			}
		}
		frac = frac[:Decimals]
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if roundUp {
		result.Add(result, big.NewInt(1))
	}
	return result, true
}

// Format converts a minor-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "0.010000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	split := len(s) - Decimals
	result := s[:split] + "." + s[split:]
	if neg {
		result = "-" + result
	}
	return result
}
