package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimiter enforces the per-tenant soft QPS cap with a sliding one-second
// window per tenant. Expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[int64]*rateWindow
	limit   int
	done    chan struct{}
	once    sync.Once
}

type rateWindow struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter. limit 0 disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[int64]*rateWindow),
		limit:   limit,
		done:    make(chan struct{}),
	}
	if limit > 0 {
		go rl.cleanup(time.Minute)
	}
	return rl
}

// Close stops the background window sweeper. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}

// Allow reports whether another request from the tenant fits the window.
func (rl *RateLimiter) Allow(tenantID int64) bool {
	if rl.limit <= 0 {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[tenantID]
	if !ok || now.Sub(w.start) > time.Second {
		rl.windows[tenantID] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

// Handler returns middleware rejecting over-quota tenants with 429.
// Anonymous requests are not limited; they only reach public paths.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r.Context())
		if p == nil || rl.Allow(p.TenantID) {
			next.ServeHTTP(w, r)
			return
		}
		log.Warn().Int64("tenant", p.TenantID).Int("limit", rl.limit).Msg("tenant over rate limit")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(1))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "per-tenant request quota exceeded",
			"code":  "rate_limited",
		})
	})
}

func (rl *RateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.sweep(time.Now().Add(-interval))
		}
	}
}

func (rl *RateLimiter) sweep(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, w := range rl.windows {
		if w.start.Before(cutoff) {
			delete(rl.windows, id)
		}
	}
}
