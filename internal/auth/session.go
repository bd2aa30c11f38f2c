// ABOUTME: Session token issuance and verification using HS256 JWTs
// ABOUTME: Signed with a per-process random secret so sessions die with the gateway

package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidSession indicates a session token that was not issued by this process.
var ErrInvalidSession = errors.New("invalid session token")

// sessionSigner issues and verifies session tokens. The signing secret is
// generated at construction and never leaves the process, so a restart
// revokes every outstanding session. Sessions carry no expiry beyond that:
// process restart is the sole revocation mechanism.
type sessionSigner struct {
	secret []byte
}

func newSessionSigner() (*sessionSigner, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating session secret: %w", err)
	}
	return &sessionSigner{secret: secret}, nil
}

// Issue creates a session token for a freshly authenticated source.
func (s *sessionSigner) Issue(sourceID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": uuid.New().String(),
		"src": sourceID,
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks the signature and extracts the session id.
func (s *sessionSigner) Verify(tokenString string) (sessionID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if !token.Valid {
		return "", ErrInvalidSession
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidSession
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrInvalidSession
	}
	return sub, nil
}
