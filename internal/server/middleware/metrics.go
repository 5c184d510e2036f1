package middleware

import (
	"net/http"
	"time"

	"github.com/faucetdb/keysmith/internal/telemetry"
)

// Metrics records request latency by route pattern, method and status.
// A nil m disables recording.
func Metrics(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := wrap(w)
			next.ServeHTTP(ww, r)
			m.ObserveHTTP(routePattern(r), r.Method, ww.status, time.Since(start))
		})
	}
}
