package gateway

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// unlimitedPaths are never throttled: liveness probes, and the emergency
// stop, which must stay reachable while a runaway client floods the API.
var unlimitedPaths = map[string]bool{
	"/healthz":            true,
	"/api/emergency-stop": true,
}

// TokenBucket is a refilling token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func NewTokenBucket(perSecond float64, burstSize int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: perSecond,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	ok, _ := tb.Take(time.Now())
	return ok
}

// Take consumes a token at now. When none is available it reports how long
// until the next one.
func (tb *TokenBucket) Take(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens = math.Min(tb.maxTokens, tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}
	tb.lastAccess = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	if tb.refillRate <= 0 {
		return false, time.Hour
	}
	return false, time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimitMiddleware keeps one bucket per principal. Callers without a
// principal share buckets by remote address.
type RateLimitMiddleware struct {
	mu        sync.RWMutex
	buckets   map[string]*TokenBucket
	perSecond float64
	burst     int
}

// NewRateLimitMiddleware creates a limiter; perSecond <= 0 disables it.
func NewRateLimitMiddleware(perSecond float64, burst int) *RateLimitMiddleware {
	if burst <= 0 {
		burst = max(1, int(math.Ceil(perSecond)))
	}
	return &RateLimitMiddleware{
		buckets:   make(map[string]*TokenBucket),
		perSecond: perSecond,
		burst:     burst,
	}
}

// StartEviction drops idle buckets every interval until ctx ends.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets unused for maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Wrap must sit inside the auth middleware so the principal is known.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if rl.perSecond <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unlimitedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		key := PrincipalFromContext(r.Context())
		if key == "" {
			key = "addr:" + r.RemoteAddr
		}
		ok, wait := rl.bucket(key).Take(time.Now())
		if !ok {
			secs := max(1, int(math.Ceil(wait.Seconds())))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) bucket(key string) *TokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(rl.perSecond, rl.burst)
	rl.buckets[key] = b
	return b
}
