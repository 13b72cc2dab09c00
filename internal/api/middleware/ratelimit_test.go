package middleware

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Close()

	if !rl.Allow(1) || !rl.Allow(1) {
		t.Fatal("requests within the limit were denied")
	}
	if rl.Allow(1) {
		t.Fatal("third request in the window was allowed")
	}
	// Other tenants have their own windows.
	if !rl.Allow(2) {
		t.Fatal("separate tenant was throttled")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0)
	defer rl.Close()
	for i := 0; i < 100; i++ {
		if !rl.Allow(1) {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestRateLimiterSweepDropsExpiredWindows(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Close()

	rl.Allow(1)
	if rl.Allow(1) {
		t.Fatal("second request in the window was allowed")
	}

	rl.sweep(time.Now().Add(time.Second))

	rl.mu.Lock()
	n := len(rl.windows)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d windows survive a sweep past their start", n)
	}
	if !rl.Allow(1) {
		t.Fatal("request after sweep was denied")
	}
}

func TestRateLimiterCloseIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(5)
	rl.Close()
	rl.Close()
}
