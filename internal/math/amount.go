package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a human decimal ("0.01") into smallest units at the
// given number of decimals. Values with more precision than decimals are rejected.
func ParseAmount(s string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}

	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %q exceeds %d decimals", s, decimals)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q: %w", s, ErrOverflow)
	}

	return scaled.IntPart(), nil
}

// FormatAmount renders smallest units as a fixed decimal string.
func FormatAmount(units int64, decimals int32) string {
	return decimal.New(units, -decimals).StringFixed(decimals)
}
