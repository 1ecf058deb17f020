// Package utils provides shared utility functions.
package utils

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatProfit formats a profit amount with an explicit sign and two decimals.
func FormatProfit(amount decimal.Decimal) string {
	formatted := amount.StringFixed(2)
	if amount.IsPositive() {
		return "+" + formatted
	}
	return formatted
}

// FormatDuration renders d rounded for humans (e.g. "2h15m", "45s").
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "-" + FormatDuration(-d)
	}
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return trimZeroSeconds(d.Round(time.Second).String())
	default:
		return trimZeroSeconds(d.Round(time.Minute).String())
	}
}

func trimZeroSeconds(s string) string {
	if strings.HasSuffix(s, "m0s") {
		return strings.TrimSuffix(s, "0s")
	}
	return s
}

// FormatTimeUntil describes how far t is from now ("in 3h20m" or "5m ago").
func FormatTimeUntil(t, now time.Time) string {
	d := t.Sub(now)
	if d >= 0 {
		return "in " + FormatDuration(d)
	}
	return FormatDuration(-d) + " ago"
}

// Truncate shortens s to max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
