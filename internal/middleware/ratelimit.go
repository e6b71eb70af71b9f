package middleware

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tracktags/tracktags/internal/infra"
)

// RateLimiter enforces per-principal request caps on the API surface.
//
// Sliding one-minute windows track request counts per key. With a Redis
// counter the window is shared across nodes; without one it falls back
// to local windows that are garbage-collected periodically.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	counter  infra.Counter // nil for local-only
	defaults RateLimitConfig
	logger   *log.Logger
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int // temporary bursts above the limit
}

type rateLimitWindow struct {
	count       atomic.Int64
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter. counter may be nil.
func NewRateLimiter(cfg RateLimitConfig, counter infra.Counter) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 300
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		counter:  counter,
		defaults: cfg,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow checks whether a request under the given key is within limits.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.counter != nil {
		count, err := rl.counter.Incr(ctx, "rl:"+key, time.Minute)
		if err == nil {
			if count > int64(rl.defaults.BurstSize) {
				rl.logger.Printf("🚫 rate limit exceeded (burst): key=%s count=%d", key, count)
				return false
			}
			return count <= int64(rl.defaults.MaxCallsPerMinute)
		}
		// Redis hiccup: fall through to the local window rather than
		// failing open with no limit at all.
	}

	now := time.Now()

	// Fast path: the read lock covers the map; the counter itself is
	// atomic, so concurrent requests in one window stay race-free.
	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		count := int(window.count.Add(1))
		rl.mu.RUnlock()

		if count > rl.defaults.BurstSize {
			rl.logger.Printf("🚫 rate limit exceeded (burst): key=%s count=%d limit=%d",
				key, count, rl.defaults.BurstSize)
			return false
		}
		return count <= rl.defaults.MaxCallsPerMinute
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		return int(window.count.Add(1)) <= rl.defaults.BurstSize
	}

	window = &rateLimitWindow{windowStart: now}
	window.count.Store(1)
	rl.windows[key] = window
	return true
}

// Middleware limits by authenticated principal, falling back to the
// caller's address before auth ran.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.Allow(r.Context(), key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		if p.CustomerID != "" {
			return p.BusinessID + ":" + p.CustomerID
		}
		if p.BusinessID != "" {
			return p.BusinessID
		}
		if p.Admin {
			return "admin"
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup removes expired local windows to bound memory.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats reports the limiter's current shape for the health endpoint.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
		"distributed":       rl.counter != nil,
	}
}
