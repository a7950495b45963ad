package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys emitted verbatim.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"campaign":  {},
	"code":      {},
	"amount":    {},
	"leg":       {},
	"route":     {},
}

// Keys carrying ledger addresses. Their values keep a short prefix and suffix
// so operators can correlate entries without logging the full address.
var addressKeys = map[string]struct{}{
	"investor":    {},
	"party":       {},
	"sender":      {},
	"treasury":    {},
	"destination": {},
}

const addressVisible = 4

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether key is logged without redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[normalizeKey(key)]
	return ok
}

// RedactionAllowlist returns the allowlisted keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns RedactedValue for any non-blank value.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskAddress keeps the first and last few characters of an address. Values
// too short to abbreviate are fully redacted.
func MaskAddress(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	if len(trimmed) <= 2*addressVisible {
		return RedactedValue
	}
	return trimmed[:addressVisible] + "..." + trimmed[len(trimmed)-addressVisible:]
}

// MaskField builds a slog attribute for key. Allowlisted keys pass through,
// address keys are abbreviated and everything else is redacted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	if _, ok := addressKeys[normalizeKey(key)]; ok {
		return slog.String(key, MaskAddress(value))
	}
	return slog.String(key, RedactedValue)
}
