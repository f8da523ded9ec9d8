package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the collectors owned by a Service.
type metrics struct {
	// documents counts ingested documents by outcome ("indexed", "partial",
	// "failed", "skipped").
	documents *prometheus.CounterVec

	// chunks counts committed chunks.
	chunks prometheus.Counter

	// duration records per-document ingest latency.
	duration prometheus.Histogram

	// degraded counts context requests answered with no context because
	// retrieval failed.
	degraded prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		documents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcore",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Documents processed by ingestion, partitioned by outcome.",
		}, []string{"outcome"}),

		chunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragcore",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks committed to the index by ingestion.",
		}),

		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragcore",
			Subsystem: "ingest",
			Name:      "document_duration_seconds",
			Help:      "Time to chunk, embed and index one document.",
			Buckets:   prometheus.DefBuckets,
		}),

		degraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragcore",
			Subsystem: "retrieval",
			Name:      "degraded_total",
			Help:      "Context requests that degraded to no context after a retrieval failure.",
		}),
	}
}
