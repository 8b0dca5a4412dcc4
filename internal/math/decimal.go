package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseScaled converts a human-readable decimal string ("0.0005", "1500")
// into a fixed-point integer at the given scale. Digits beyond the scale's
// precision are rejected rather than rounded.
func ParseScaled(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	scaled := d.Shift(int32(cfg.DecimalPrecision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("parse %q: more than %d decimal places", s, cfg.DecimalPrecision)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("parse %q: out of range", s)
	}
	return scaled.IntPart(), nil
}

// FormatScaled renders a fixed-point integer as a decimal string.
func FormatScaled(v int64, cfg DecimalConfig) string {
	return decimal.New(v, -int32(cfg.DecimalPrecision)).String()
}
