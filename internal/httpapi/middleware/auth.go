// Package middleware holds the HTTP middleware the REST server wraps
// its router in.
package middleware

import "net/http"

// TokenValidator checks a bearer token minted by internal/httpapi/auth.
type TokenValidator interface {
	Validate(raw string) bool
}

// SharedKeyAuth checks every request (other than the exempt paths) for
// either the shared API key itself, in the X-API-Key header or as a
// bearer token, or a JWT previously exchanged for that key. There is no
// per-user identity: a single shared key is the full extent of
// authentication this surface offers (§1 non-goals).
type SharedKeyAuth struct {
	key       string
	validator TokenValidator
}

// NewSharedKeyAuth creates a SharedKeyAuth validating against key, with
// an optional validator accepting exchanged JWTs in place of the raw
// key. If key is empty, the returned middleware allows every request.
func NewSharedKeyAuth(key string, validator TokenValidator) *SharedKeyAuth {
	return &SharedKeyAuth{key: key, validator: validator}
}

var exemptPaths = map[string]bool{
	"/health":            true,
	"/metrics":           true,
	"/api/v1/auth/token": true,
}

// Handler returns the middleware handler.
func (a *SharedKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.key == "" || exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		presented := extractKey(r)
		if presented == a.key {
			next.ServeHTTP(w, r)
			return
		}
		if presented != "" && a.validator != nil && a.validator.Validate(presented) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, `{"errors":[{"status":"401","title":"unauthorized"}]}`, http.StatusUnauthorized)
	})
}

func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
