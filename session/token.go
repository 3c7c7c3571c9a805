package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// The signature is not checked; the remote service remains the authority on
// validity. Opaque tokens and tokens without exp never expire locally.
func tokenExpired(token string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.Time.After(now)
}
