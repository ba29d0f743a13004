// Package secrets generates and redacts the shared secrets used to sign
// webhook deliveries.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// DefaultLength is the number of random bytes in a generated secret.
const DefaultLength = 32

// Generate returns a hex-encoded secret built from n cryptographically random bytes.
func Generate(n int) (string, error) {
	if n <= 0 {
		n = DefaultLength
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Redact keeps the first four characters of s for correlating log lines.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
