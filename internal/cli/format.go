package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// FormatTimestamp formats t in local time.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

// FormatOptionalTime formats t, or "-" when unset.
func FormatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return FormatTimestamp(*t)
}

// FormatConfigValue renders a raw JSON config value on one line.
func FormatConfigValue(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// FormatBool renders a boolean as yes/no.
func FormatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// PadRight pads a string to the right, counting visible runes.
func PadRight(s string, length int) string {
	n := visibleLen(s)
	if n >= length {
		return s
	}
	return s + strings.Repeat(" ", length-n)
}

// PadLeft pads a string to the left, counting visible runes.
func PadLeft(s string, length int) string {
	n := visibleLen(s)
	if n >= length {
		return s
	}
	return strings.Repeat(" ", length-n) + s
}
