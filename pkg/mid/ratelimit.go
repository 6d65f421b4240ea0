package mid

import (
	"net/http"

	"github.com/shopmind/reco-engine/pkg/resilience"
)

// RateLimit returns middleware that rejects requests with 429 when the
// limiter's bucket is empty.
func RateLimit(l *resilience.Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
