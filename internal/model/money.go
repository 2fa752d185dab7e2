package model

import (
	"fmt"
	"math"
	"strconv"
)

// ParseCents converts decimal string amounts (major units) to minor units.
// Examples: "99.00" → 9900, "1234.56" → 123456, "" → 0.
func ParseCents(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	// math.Round handles both positive and negative numbers correctly
	return int64(math.Round(f * 100))
}

// FormatMinor renders minor units as a decimal string.
// Examples: 9900 → "99.00", -150 → "-1.50".
func FormatMinor(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
