package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuth guards routes with a static bearer token. An empty token
// disables the check.
type TokenAuth struct {
	token string
}

// NewTokenAuth creates a token checker.
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: token}
}

// Enabled reports whether a token is configured.
func (a *TokenAuth) Enabled() bool {
	return a.token != ""
}

// Verify compares presented against the configured token in constant time.
func (a *TokenAuth) Verify(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(presented)) == 1
}

// tokenFromRequest reads the bearer token, falling back to the token query
// parameter for websocket clients that cannot set headers.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without the configured token.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Verify(tokenFromRequest(r)) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
