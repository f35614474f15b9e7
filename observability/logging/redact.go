package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder written in place of sensitive values.
const RedactedValue = "[REDACTED]"

// Keys that never carry credentials and may always be logged verbatim.
var plainKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"component": {},
	"error":     {},
	"asset":     {},
	"op":        {},
	"outcome":   {},
	"route":     {},
	"status":    {},
	"owner":     {},
}

// Fragments that mark a key as credential material wherever it appears.
var sensitiveFragments = []string{
	"secret",
	"token",
	"passphrase",
	"password",
	"signature",
	"authorization",
	"private",
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func isPlain(key string) bool {
	_, ok := plainKeys[normalizeKey(key)]
	return ok
}

func isSensitive(key string) bool {
	key = normalizeKey(key)
	if _, ok := plainKeys[key]; ok {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

// redactAttr masks string values logged under sensitive keys. The handler
// applies it to every attribute so a stray secret never reaches the sink.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || attr.Value.String() == "" || !isSensitive(attr.Key) {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

// MaskField returns an attribute that hides value unless key is one of the
// plain keys. Use it for values whose key does not look sensitive.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || isPlain(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
