package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/ragcore/internal/rag"
)

// metrics holds the gauges owned by a Monitor. promauto.With(nil) builds
// unregistered collectors, so a nil Registerer is valid.
type metrics struct {
	used   prometheus.Gauge
	budget prometheus.Gauge
	// level is 0 healthy, 1 warning, 2 critical.
	level prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		used: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragcore",
			Subsystem: "memory",
			Name:      "used_bytes",
			Help:      "Estimated resident bytes of indexed entries.",
		}),
		budget: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragcore",
			Subsystem: "memory",
			Name:      "budget_bytes",
			Help:      "Configured memory budget for indexed entries.",
		}),
		level: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragcore",
			Subsystem: "memory",
			Name:      "level",
			Help:      "Memory pressure level: 0 healthy, 1 warning, 2 critical.",
		}),
	}
}

func (m *metrics) observe(used int64, level rag.MemoryLevel) {
	m.used.Set(float64(used))
	switch level {
	case rag.MemoryWarning:
		m.level.Set(1)
	case rag.MemoryCritical:
		m.level.Set(2)
	default:
		m.level.Set(0)
	}
}
