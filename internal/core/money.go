// Package core holds the domain model of the receipt engine: the
// category tree, products, tickets and their monetary invariants.
//
// This file contains helpers for parsing monetary amounts from user
// input and for deterministic 2-decimal rounding.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string to a money amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators.
// Signs are rejected; amounts are non-negative by construction and the
// result is rounded half-up on the third decimal place.
//
// Examples:
//
//	ParseAmount("12.34")  -> 12.34, nil
//	ParseAmount("12,34")  -> 12.34, nil
//	ParseAmount("12.345") -> 12.35, nil (rounds up)
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "cannot be empty"}
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		// Only unsigned values allowed
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "must be unsigned"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "invalid format"}
	}
	return RoundMoney(d), nil
}

// RoundMoney rounds to 2 decimal places, half-up. Amounts in this
// system are never negative, so decimal's round-half-away-from-zero is
// exactly half-up here.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Average divides sum by count rounded half-up to 2 decimal places,
// returning zero when count is zero.
func Average(sum decimal.Decimal, count int64) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return sum.DivRound(decimal.NewFromInt(count), 2)
}
