package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter is an in-memory token bucket per client address.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	limit   int
	window  time.Duration
	now     func() time.Time
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		buckets: make(map[string]*tokenBucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if a request from key is permitted.
func (rl *rateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &tokenBucket{tokens: rl.limit - 1, lastRefill: now}
		rl.prune(now)
		return true
	}

	// Refill tokens based on elapsed windows.
	if elapsed := now.Sub(bucket.lastRefill); elapsed >= rl.window {
		bucket.tokens = min(bucket.tokens+int(elapsed/rl.window)*rl.limit, rl.limit)
		bucket.lastRefill = now
	}

	if bucket.tokens <= 0 {
		return false
	}
	bucket.tokens--
	return true
}

// prune forgets clients that have been idle long enough to be full
// again. Called with mu held.
func (rl *rateLimiter) prune(now time.Time) {
	if len(rl.buckets) < 1024 {
		return
	}
	for key, b := range rl.buckets {
		if now.Sub(b.lastRefill) >= rl.window {
			delete(rl.buckets, key)
		}
	}
}

// newRateLimitHandler rejects clients that exceed limit requests per
// minute with 429. A limit of zero returns h unchanged.
func newRateLimitHandler(h http.Handler, limit int) http.Handler {
	if limit <= 0 {
		return h
	}
	rl := newRateLimiter(limit, time.Minute)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			http.Error(w, "429 Too Many Requests", http.StatusTooManyRequests)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// clientAddr is the remote host of r without its port.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
