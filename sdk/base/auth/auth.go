package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware is the standard net/http middleware shape.
type Middleware = func(http.Handler) http.Handler

// SecretFunc returns the currently configured secret. An empty secret
// disables the check.
type SecretFunc func() string

// Static wraps a fixed secret.
func Static(secret string) SecretFunc { return func() string { return secret } }

// BearerSecretMiddleware rejects requests whose bearer token does not match
// the secret returned by fn.
func BearerSecretMiddleware(fn SecretFunc) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := fn()
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			tok := ExtractBearer(r)
			if tok == "" || !Equal(tok, secret) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearer returns the token of an "Authorization: Bearer" header.
func ExtractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// CheckSecret reports whether token is acceptable for expected. An empty
// expected value accepts anything.
func CheckSecret(token, expected string) bool { return expected == "" || Equal(token, expected) }

// Equal compares two secrets in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
