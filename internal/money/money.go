// Package money provides shared parsing and formatting for card amounts.
//
// All balances and transaction amounts are carried as int64 minor units
// (1 dollar = 100 units). Issuer webhooks already deliver minor units, so
// conversions here exist for display, config, and test fixtures.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Decimals is the number of fractional digits in a formatted amount.
const Decimals = 2

// Parse converts a decimal string (e.g. "12.50") to minor units (1250).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 places
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
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

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Format converts minor units to a decimal string with exactly two
// fractional digits (e.g. 1250 -> "12.50").
func Format(minor int64) string {
	neg := minor < 0
	if neg {
		minor = -minor
	}
	s := fmt.Sprintf("%d.%02d", minor/100, minor%100)
	if neg {
		s = "-" + s
	}
	return s
}

// Dollars converts a whole-dollar count to minor units. Used for config
// defaults and rule thresholds expressed in dollars.
func Dollars(d int64) int64 {
	return d * 100
}
