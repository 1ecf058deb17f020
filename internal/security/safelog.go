package security

import (
	"regexp"
	"strings"
)

// sensitiveFields contains field names that should be masked in output.
var sensitiveFields = map[string]bool{
	"api_key":    true,
	"api_token":  true,
	"apikey":     true,
	"secret":     true,
	"password":   true,
	"token":      true,
	"bot_token":  true,
	"credential": true,
}

// sensitivePatterns contains regex patterns for sensitive data.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?token|secret[_-]?key|access[_-]?token|auth[_-]?token|bearer|password)([=:\s]+["']?)([^\s"']+)`),
	regexp.MustCompile(`(sk-[A-Za-z0-9_\-]{20,})`), // OpenAI keys
}

// IsSensitiveField reports whether a field name holds a secret.
func IsSensitiveField(field string) bool {
	return sensitiveFields[strings.ToLower(field)]
}

// MaskSensitive masks credentials embedded in free text, such as an
// advisory response echoed into a log line.
func MaskSensitive(input string) string {
	result := sensitivePatterns[0].ReplaceAllStringFunc(input, func(match string) string {
		parts := sensitivePatterns[0].FindStringSubmatch(match)
		return parts[1] + parts[2] + MaskCredential(parts[3])
	})
	return sensitivePatterns[1].ReplaceAllStringFunc(result, MaskCredential)
}

// MaskCredential masks a credential value for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskFields returns a copy of data with sensitive fields masked.
func MaskFields(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch {
		case IsSensitiveField(k):
			if s, ok := v.(string); ok {
				out[k] = MaskCredential(s)
			} else {
				out[k] = "****"
			}
		default:
			if nested, ok := v.(map[string]interface{}); ok {
				out[k] = MaskFields(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}
