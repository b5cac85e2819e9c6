package trade

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter holds one token bucket per user.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*userLimiter
	rps      rate.Limit
	burst    int
	idle     time.Duration
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second per user with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*userLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.RLock()
	ul, ok := rl.limiters[key]
	rl.mu.RUnlock()
	if ok {
		rl.mu.Lock()
		ul.lastSeen = time.Now()
		rl.mu.Unlock()
		return ul.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if ul, ok = rl.limiters[key]; ok {
		ul.lastSeen = time.Now()
		return ul.limiter
	}
	ul = &userLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst), lastSeen: time.Now()}
	rl.limiters[key] = ul
	return ul.limiter
}

// Allow reports whether key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

// Cleanup drops limiters idle for longer than the idle window.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.idle)
	removed := 0
	for key, ul := range rl.limiters {
		if ul.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Run cleans up idle limiters every minute until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

// Middleware rejects requests over the caller's budget with 429. It keys on
// the user set by RequireUser, falling back to the remote address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := userID(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.Allow(key) {
			writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
