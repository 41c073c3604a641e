package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive string values in log output.
const RedactedValue = "[REDACTED]"

// Exact keys masked by the handler. Keys ending in one of sensitiveSuffixes
// (hmac_secret, bearer_token, ...) are masked as well.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"bearer":        {},
	"jwt":           {},
	"passphrase":    {},
	"password":      {},
	"apikey":        {},
}

var sensitiveSuffixes = []string{"secret", "token", "api_key"}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	if _, ok := sensitiveKeys[normalized]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if normalized == suffix || strings.HasSuffix(normalized, "_"+suffix) {
			return true
		}
	}
	return false
}

// SensitiveKeys lists the exact keys that are masked, sorted.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys)+len(sensitiveSuffixes))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	keys = append(keys, sensitiveSuffixes...)
	sort.Strings(keys)
	return keys
}

// MaskValue redacts non-empty values; blank values pass through.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a redacted string attribute for key.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
