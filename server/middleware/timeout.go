package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the whole request with a context deadline. Handlers that
// stream observe the deadline through the context; nothing is written here,
// since a streamed response may already be under way when it expires.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
