package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder emitted in place of secret material. The
// custodial signing key, the API bearer token, and the webhook secret must
// never reach the logs in any form.
const RedactedValue = "[REDACTED]"

// Secret returns an attr whose value is always masked. Empty values pass
// through unchanged so missing configuration stays visible.
func Secret(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Fingerprint returns a short, stable identifier for a secret: the first four
// bytes of its SHA-256. Operators can match a running instance against a
// config without the logs ever carrying the secret itself.
func Fingerprint(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:4])
}
