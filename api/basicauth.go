package api

import (
	"crypto/subtle"
	"net/http"
)

// BasicAuth gates the metrics endpoint with a single credential pair.
// Comparison is constant-time. Empty credentials deny every request, like
// the empty allowlist.
type BasicAuth struct {
	username string
	password string
}

// NewBasicAuth creates the gate.
func NewBasicAuth(username, password string) *BasicAuth {
	return &BasicAuth{username: username, password: password}
}

// Middleware wraps a handler, answering 401 for missing or wrong
// credentials.
func (b *BasicAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || b.username == "" ||
			subtle.ConstantTimeCompare([]byte(user), []byte(b.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="balanced metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
