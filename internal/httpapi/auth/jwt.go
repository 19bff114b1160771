// Package auth issues short-lived JWTs in exchange for the shared API
// key, so a caller can avoid resending the long-lived secret on every
// request. It is an optional convenience on top of the mandatory shared
// key (§1 non-goals: no user authentication beyond the shared key).
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for a token that fails parsing or
// signature verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenIssuer mints and validates bearer tokens signed with the shared
// API key. It does not model distinct users or scopes; holding a valid
// token is equivalent to holding the key.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer signing with secret. Tokens are
// valid for ttl (defaults to 1 hour).
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a new token.
func (t *TokenIssuer) Issue() (string, time.Time, error) {
	expires := time.Now().Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    "battery-hawk",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	return signed, expires, err
}

// Validate reports whether raw is a token this issuer minted and that
// has not expired.
func (t *TokenIssuer) Validate(raw string) bool {
	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	})
	return err == nil && parsed.Valid
}
