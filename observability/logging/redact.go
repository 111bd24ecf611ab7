package logging

import (
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Plaintext amounts and key material must never appear in log output, even
// accidentally through a structured attribute. Addresses and transaction
// signatures carry no plaintext amounts and stay visible.
var redactedKeys = map[string]struct{}{
	"amount":     {},
	"plaintext":  {},
	"privatekey": {},
	"seed":       {},
	"value":      {},
}

// ShouldRedact reports whether the provided attribute key must be redacted.
func ShouldRedact(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactedKeys[normalized]
	return ok
}

// Redact replaces sensitive values, passing everything else through.
func Redact(key, value string) string {
	if ShouldRedact(key) {
		return RedactedValue
	}
	return value
}
