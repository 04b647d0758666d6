package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/mission-control/internal/gateway"
)

func TestTokenBucket_AllowsBurstThenRefuses(t *testing.T) {
	tb := gateway.NewTokenBucket(0.001, 3)
	for i := range 3 {
		if !tb.Allow() {
			t.Fatalf("request %d refused within burst", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request beyond burst allowed")
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	tb := gateway.NewTokenBucket(1000, 1)
	if !tb.Allow() {
		t.Fatal("first request refused")
	}
	time.Sleep(10 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("request after refill refused")
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(0, 1)
	handler := rl.Wrap(okHandler())
	for range 10 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 with limiter disabled, got %d", rec.Code)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatalf("disabled limiter tracked %d buckets", rl.BucketCount())
	}
}

func TestRateLimitMiddleware_PerPrincipal(t *testing.T) {
	am := gateway.NewAuthMiddleware(map[string]string{"key-a": "alice", "key-b": "bob"})
	rl := gateway.NewRateLimitMiddleware(0.001, 2)
	handler := am.Wrap(rl.Wrap(okHandler()))

	do := func(key string) int {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := range 2 {
		if code := do("key-a"); code != http.StatusOK {
			t.Fatalf("alice request %d: got %d", i, code)
		}
	}
	if code := do("key-a"); code != http.StatusTooManyRequests {
		t.Fatalf("alice over limit: got %d, want 429", code)
	}
	if code := do("key-b"); code != http.StatusOK {
		t.Fatalf("bob shares alice's bucket: got %d", code)
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("BucketCount = %d, want 2", rl.BucketCount())
	}
}

func TestRateLimitMiddleware_RetryAfterHeader(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 1, want: "1"},
		{rate: 0.1, want: "10"},
	}
	for _, tt := range tests {
		rl := gateway.NewRateLimitMiddleware(tt.rate, 1)
		handler := rl.Wrap(okHandler())

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/status", nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("rate %v: expected 429, got %d", tt.rate, rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != tt.want {
			t.Fatalf("rate %v: Retry-After = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestRateLimitMiddleware_ExemptPaths(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(0.001, 1)
	handler := rl.Wrap(okHandler())
	for _, req := range []*http.Request{
		httptest.NewRequest("GET", "/healthz", nil),
		httptest.NewRequest("POST", "/api/emergency-stop", nil),
		httptest.NewRequest("DELETE", "/api/emergency-stop", nil),
	} {
		for range 5 {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("%s %s limited: %d", req.Method, req.URL.Path, rec.Code)
			}
		}
	}
}

func TestTokenBucket_TakeReportsWait(t *testing.T) {
	tb := gateway.NewTokenBucket(2, 1)
	now := time.Now()
	if ok, _ := tb.Take(now); !ok {
		t.Fatal("first take refused")
	}
	ok, wait := tb.Take(now)
	if ok {
		t.Fatal("second take allowed with an empty bucket")
	}
	if wait <= 0 || wait > 500*time.Millisecond {
		t.Fatalf("wait = %v, want (0, 500ms]", wait)
	}
	if ok, _ := tb.Take(now.Add(wait + time.Millisecond)); !ok {
		t.Fatal("take after the reported wait refused")
	}
}

func TestRateLimitMiddleware_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(10, 5)
	handler := rl.Wrap(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/status", nil))
	if rl.BucketCount() != 1 {
		t.Fatalf("BucketCount = %d, want 1", rl.BucketCount())
	}

	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 1 {
		t.Fatal("fresh bucket evicted")
	}
	time.Sleep(5 * time.Millisecond)
	rl.EvictStale(time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Fatalf("stale bucket kept: %d", rl.BucketCount())
	}
}

func TestRateLimitMiddleware_StartEviction(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(10, 5)
	rl.Wrap(okHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/status", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl.StartEviction(ctx, 5*time.Millisecond, time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for rl.BucketCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("eviction loop never removed the bucket")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
