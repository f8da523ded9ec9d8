package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler partitions HTTP metrics by route pattern rather than raw path.
const labelHandler = "handler"

// serverMetrics holds the Prometheus collectors owned by the HTTP server.
// They are registered against Config.MetricsRegistry so tests can pass a
// fresh registry.
type serverMetrics struct {
	// httpRequestsTotal counts requests by method, route pattern and status.
	httpRequestsTotal *prometheus.CounterVec
	// httpDurationSeconds records request latency by method and route pattern.
	httpDurationSeconds *prometheus.HistogramVec
	// ingestTotal counts POST /api/ingest calls by outcome: ok, skipped,
	// partial or error.
	ingestTotal *prometheus.CounterVec
	// contextTotal counts POST /api/context calls by outcome: context,
	// no_context or degraded.
	contextTotal *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled, partitioned by method, handler and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragcore",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcore",
			Subsystem: "api",
			Name:      "ingest_requests_total",
			Help:      "POST /api/ingest requests, partitioned by outcome.",
		}, []string{"outcome"}),

		contextTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcore",
			Subsystem: "api",
			Name:      "context_requests_total",
			Help:      "POST /api/context requests, partitioned by outcome.",
		}, []string{"outcome"}),
	}
}

// instrument records request count and latency for every request served by
// next. The handler label is the matched mux pattern, or "unmatched".
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.status)).Inc()
		s.metrics.httpDurationSeconds.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
