// ABOUTME: Process token generation and constant-time verification
// ABOUTME: The token is minted once per gateway run and gates every request

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

// generateToken generates a URL-safe base64 token from n random bytes.
func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// tokenEqual compares two tokens in constant time.
func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
