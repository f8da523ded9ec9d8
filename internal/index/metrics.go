package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the collectors owned by an Index.
type metrics struct {
	// queries counts queries by scoring mode ("hybrid", "semantic") and
	// outcome ("ok", "timeout", "error").
	queries *prometheus.CounterVec

	// duration records query latency by scoring mode.
	duration *prometheus.HistogramVec

	// entries is the number of indexed entries.
	entries prometheus.Gauge

	// rejected counts refused adds by reason ("budget", "dimension").
	rejected *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcore",
			Subsystem: "index",
			Name:      "queries_total",
			Help:      "Index queries, partitioned by scoring mode and outcome.",
		}, []string{"mode", "outcome"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragcore",
			Subsystem: "index",
			Name:      "query_duration_seconds",
			Help:      "Latency of index queries.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"mode"}),

		entries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragcore",
			Subsystem: "index",
			Name:      "entries",
			Help:      "Number of entries in the index.",
		}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcore",
			Subsystem: "index",
			Name:      "rejected_total",
			Help:      "Adds refused by the index, partitioned by reason.",
		}, []string{"reason"}),
	}
}
