package middleware

import (
	"net/http"
	"time"

	"github.com/sakif/certs-view/internal/metrics"
)

// Metrics records every request's latency in the
// certsview_http_request_duration_seconds histogram, labelled by the chi
// route pattern rather than the raw path so "/api/certs/12345678" and
// "/api/certs/87654321" share one series.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newStatusRecorder(w)

			next.ServeHTTP(wrapped, r)

			m.ObserveRequest(r.Method, routePattern(r), wrapped.statusCode, time.Since(start))
		})
	}
}
