package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// principalKey is the context key type for the authenticated principal.
type principalKey struct{}

// AuthMiddleware maps bearer tokens or X-API-Key values to principals.
// With no tokens configured every protected route is refused.
type AuthMiddleware struct {
	tokens map[string]string
	open   map[string]bool
}

// NewAuthMiddleware creates an auth middleware from a token -> principal map.
func NewAuthMiddleware(tokens map[string]string) *AuthMiddleware {
	am := &AuthMiddleware{
		tokens: make(map[string]string, len(tokens)),
		open:   map[string]bool{"/healthz": true, "/.well-known/agent.json": true},
	}
	for token, principal := range tokens {
		token, principal = strings.TrimSpace(token), strings.TrimSpace(principal)
		if token != "" && principal != "" {
			am.tokens[token] = principal
		}
	}
	return am
}

// Wrap wraps an http.Handler with API key authentication checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if am.open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		principal, ok := am.lookup(key)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key
// query param. The query form exists for browser WebSocket clients.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookup uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookup(candidate string) (string, bool) {
	var found string
	for token, principal := range am.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found = principal
		}
	}
	return found, found != ""
}

// PrincipalFromContext returns the authenticated principal, or "".
func PrincipalFromContext(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
