package config

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns a short stable digest of a secret, safe to log in place
// of the value. Tokens and API keys must never be logged directly at any
// level; log this instead when a secret needs to be correlated.
func Fingerprint(secret string) string {
	if secret == "" {
		return "empty"
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}
