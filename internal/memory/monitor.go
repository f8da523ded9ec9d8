// Package memory implements admission control for the vector index: a
// deterministic per-entry size estimate, a running total guarded by a mutex,
// and warning/critical thresholds over a fixed byte budget.
package memory

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragcore/internal/rag"
)

// Default thresholds as fractions of the budget.
const (
	DefaultWarningRatio  = 0.80
	DefaultCriticalRatio = 0.95
)

// entryOverhead approximates the fixed cost of one resident entry: slice and
// string headers, the map slot keyed by chunk id and the term-stat header.
const entryOverhead = 48

// lineRangeBytes is charged when a chunk carries a line range.
const lineRangeBytes = 16

// Config configures a Monitor.
type Config struct {
	// BudgetBytes is the hard ceiling on estimated resident bytes. Required.
	BudgetBytes int64
	// WarningRatio defaults to 0.80.
	WarningRatio float64
	// CriticalRatio is the admission limit. Defaults to 0.95.
	CriticalRatio float64
	// Registerer receives the memory gauges. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Monitor tracks estimated memory of indexed entries against a budget. All
// methods are safe for concurrent use; mutation is expected to come from the
// index's single writer.
type Monitor struct {
	budget  int64
	warnAt  int64
	critAt  int64
	log     *slog.Logger
	metrics *metrics

	mu    sync.Mutex
	used  int64
	level rag.MemoryLevel
}

// New constructs a Monitor with nothing recorded.
func New(cfg Config) (*Monitor, error) {
	if cfg.BudgetBytes <= 0 {
		return nil, fmt.Errorf("memory: budget must be positive, got %d", cfg.BudgetBytes)
	}
	if cfg.WarningRatio <= 0 {
		cfg.WarningRatio = DefaultWarningRatio
	}
	if cfg.CriticalRatio <= 0 {
		cfg.CriticalRatio = DefaultCriticalRatio
	}
	if cfg.WarningRatio > cfg.CriticalRatio || cfg.CriticalRatio > 1 {
		return nil, fmt.Errorf("memory: thresholds must satisfy warning <= critical <= 1, got %.2f/%.2f",
			cfg.WarningRatio, cfg.CriticalRatio)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Monitor{
		budget:  cfg.BudgetBytes,
		warnAt:  int64(math.Round(float64(cfg.BudgetBytes) * cfg.WarningRatio)),
		critAt:  int64(math.Round(float64(cfg.BudgetBytes) * cfg.CriticalRatio)),
		log:     log,
		metrics: newMetrics(cfg.Registerer),
		level:   rag.MemoryHealthy,
	}
	m.metrics.budget.Set(float64(m.budget))
	m.metrics.observe(0, rag.MemoryHealthy)
	return m, nil
}

// EstimateBytes returns the deterministic size charged for e: four bytes per
// vector component, the byte length of every string the entry keeps resident
// and a fixed per-entry overhead. It never depends on allocator behaviour.
func EstimateBytes(e rag.IndexEntry) int64 {
	c := e.Chunk
	n := int64(entryOverhead) + 4*int64(len(e.Embedding))
	n += int64(len(c.ID) + len(c.DocumentID) + len(c.SourcePath) + len(c.ContentType) + len(c.Text))
	for k, v := range c.Attributes {
		n += int64(len(k) + len(v))
	}
	if c.Lines != nil {
		n += lineRangeBytes
	}
	return n
}

// EstimateBytes is the package function, exposed on the monitor for callers
// that only hold a *Monitor.
func (m *Monitor) EstimateBytes(e rag.IndexEntry) int64 { return EstimateBytes(e) }

// size returns the entry's recorded estimate, computing it when unset.
func size(e rag.IndexEntry) int64 {
	if e.EstimatedBytes > 0 {
		return e.EstimatedBytes
	}
	return EstimateBytes(e)
}

// CanAdd reports whether e fits under the critical threshold without changing
// any state. The returned status is the usage before the add.
func (m *Monitor) CanAdd(e rag.IndexEntry) (bool, rag.MemoryStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used+size(e) <= m.critAt, m.statusLocked()
}

// Record charges e against the budget. Call it only after CanAdd allowed e
// and the entry has been committed.
func (m *Monitor) Record(e rag.IndexEntry) {
	m.adjust(size(e))
}

// Release returns e's bytes to the budget after the entry was removed.
func (m *Monitor) Release(e rag.IndexEntry) {
	m.adjust(-size(e))
}

// Reset drops all recorded usage. The index calls it when it is cleared.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.used = 0
	prev := m.level
	m.level = rag.MemoryHealthy
	m.mu.Unlock()
	m.metrics.observe(0, rag.MemoryHealthy)
	if prev != rag.MemoryHealthy {
		m.log.Info("memory: usage reset", slog.String("previous_level", string(prev)))
	}
}

// Status returns the current usage.
func (m *Monitor) Status() rag.MemoryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) adjust(delta int64) {
	m.mu.Lock()
	m.used += delta
	if m.used < 0 {
		m.used = 0
	}
	st := m.statusLocked()
	prev := m.level
	m.level = st.Level
	m.mu.Unlock()

	m.metrics.observe(st.UsedBytes, st.Level)
	if st.Level != prev {
		attrs := []any{
			slog.String("from", string(prev)),
			slog.String("to", string(st.Level)),
			slog.Int64("used_bytes", st.UsedBytes),
			slog.Int64("budget_bytes", st.BudgetBytes),
			slog.Float64("percent_used", st.PercentUsed),
		}
		if st.Level == rag.MemoryHealthy {
			m.log.Info("memory: level changed", attrs...)
		} else {
			m.log.Warn("memory: level changed", attrs...)
		}
	}
}

func (m *Monitor) statusLocked() rag.MemoryStatus {
	level := rag.MemoryHealthy
	switch {
	case m.used >= m.critAt:
		level = rag.MemoryCritical
	case m.used >= m.warnAt:
		level = rag.MemoryWarning
	}
	return rag.MemoryStatus{
		UsedBytes:   m.used,
		BudgetBytes: m.budget,
		PercentUsed: float64(m.used) * 100 / float64(m.budget),
		Level:       level,
	}
}
