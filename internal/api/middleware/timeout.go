package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout caps every request context at d so long-running work observes a
// deadline and can answer cancelled_by_deadline instead of holding the
// connection. d <= 0 disables the cap.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
