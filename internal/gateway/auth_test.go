package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/mission-control/internal/gateway"
)

func principalEcho(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Principal", gateway.PrincipalFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_ValidKey(t *testing.T) {
	am := gateway.NewAuthMiddleware(map[string]string{"test-key-123": "operator"})
	handler := am.Wrap(principalEcho(t))

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer test-key-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Principal"); got != "operator" {
		t.Fatalf("principal = %q, want operator", got)
	}
}

func TestAuthMiddleware_InvalidKey(t *testing.T) {
	am := gateway.NewAuthMiddleware(map[string]string{"test-key-123": "operator"})
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for invalid key")
	}))

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAuthMiddleware_MissingKey(t *testing.T) {
	am := gateway.NewAuthMiddleware(map[string]string{"test-key-123": "operator"})
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called without key")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_NoTokensRefusesProtectedRoutes(t *testing.T) {
	am := gateway.NewAuthMiddleware(nil)
	handler := am.Wrap(principalEcho(t))

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-API-Key", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAuthMiddleware_OpenPaths(t *testing.T) {
	am := gateway.NewAuthMiddleware(map[string]string{"k": "operator"})
	handler := am.Wrap(principalEcho(t))

	for _, path := range []string{"/healthz", "/.well-known/agent.json"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestAuthMiddleware_MultiplePrincipals(t *testing.T) {
	am := gateway.NewAuthMiddleware(map[string]string{
		"key-a": "operator",
		"key-b": "risk-officer",
		" ":     "blank",
	})
	handler := am.Wrap(principalEcho(t))

	for key, want := range map[string]string{"key-a": "operator", "key-b": "risk-officer"} {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", key, rec.Code)
		}
		if got := rec.Header().Get("X-Principal"); got != want {
			t.Fatalf("%s: principal = %q, want %q", key, got, want)
		}
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		query  string
		want   string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "", "abc"},
		{"x-api-key", map[string]string{"X-API-Key": "def"}, "", "def"},
		{"query", nil, "api_key=ghi", "ghi"},
		{"bearer wins", map[string]string{"Authorization": "Bearer abc", "X-API-Key": "def"}, "api_key=ghi", "abc"},
		{"basic ignored", map[string]string{"Authorization": "Basic abc"}, "", ""},
		{"none", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/ws"
			if tt.query != "" {
				target += "?" + tt.query
			}
			req := httptest.NewRequest("GET", target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := gateway.ExtractAPIKey(req); got != tt.want {
				t.Fatalf("ExtractAPIKey = %q, want %q", got, tt.want)
			}
		})
	}
}
