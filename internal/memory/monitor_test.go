package memory

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragcore/internal/rag"
)

// sizedEntry returns an entry with a 2-dim embedding whose estimate is
// exactly want bytes.
func sizedEntry(t *testing.T, id string, want int64) rag.IndexEntry {
	t.Helper()
	e := rag.IndexEntry{Chunk: rag.Chunk{ID: id}, Embedding: []float32{1, 0}}
	base := EstimateBytes(e)
	if base > want {
		t.Fatalf("entry base size %d exceeds wanted %d", base, want)
	}
	e.Chunk.Text = strings.Repeat("x", int(want-base))
	e.EstimatedBytes = EstimateBytes(e)
	return e
}

func newTestMonitor(t *testing.T, budget int64) *Monitor {
	t.Helper()
	m, err := New(Config{BudgetBytes: budget, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestEstimateBytes_Deterministic(t *testing.T) {
	t.Parallel()

	e := rag.IndexEntry{
		Chunk: rag.Chunk{
			ID:          "abcd",
			DocumentID:  "doc",
			SourcePath:  "a.go",
			ContentType: "text/x-go",
			Text:        "package a",
			Lines:       &rag.LineRange{Start: 1, End: 1},
			Attributes:  map[string]string{"heading": "# A"},
		},
		Embedding: make([]float32, 384),
	}
	want := int64(entryOverhead + 4*384 + 4 + 3 + 4 + 9 + 9 + lineRangeBytes + len("heading") + 3)
	if got := EstimateBytes(e); got != want {
		t.Errorf("want %d, got %d", want, got)
	}
	if EstimateBytes(e) != EstimateBytes(e) {
		t.Error("estimate is not deterministic")
	}
}

// Scenario: a 1000-byte budget warns at 820 bytes and rejects the add that
// would take usage past 950 without changing usedBytes.
func TestMonitor_WarningThenRejection(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, 1000)
	const entrySize = 82

	for i := range 10 {
		e := sizedEntry(t, fmt.Sprintf("c%02d", i), entrySize)
		ok, _ := m.CanAdd(e)
		if !ok {
			t.Fatalf("entry %d unexpectedly rejected", i)
		}
		m.Record(e)
	}
	st := m.Status()
	if st.UsedBytes != 820 || st.Level != rag.MemoryWarning {
		t.Fatalf("want 820 bytes at warning, got %d at %s", st.UsedBytes, st.Level)
	}

	e := sizedEntry(t, "c10", entrySize)
	if ok, _ := m.CanAdd(e); !ok {
		t.Fatal("entry taking usage to 902 should be admitted")
	}
	m.Record(e)

	over := sizedEntry(t, "c11", entrySize)
	ok, before := m.CanAdd(over)
	if ok {
		t.Fatal("entry taking usage to 984 must be rejected")
	}
	if before.UsedBytes != 902 {
		t.Errorf("want reported usage 902, got %d", before.UsedBytes)
	}
	if got := m.Status().UsedBytes; got != 902 {
		t.Errorf("rejected CanAdd changed usedBytes: want 902, got %d", got)
	}
}

func TestMonitor_AdmitsExactlyAtLimit(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, 1000)
	e := sizedEntry(t, "a", 950)
	if ok, _ := m.CanAdd(e); !ok {
		t.Fatal("entry landing exactly on the critical limit should be admitted")
	}
	m.Record(e)
	if got := m.Status().Level; got != rag.MemoryCritical {
		t.Errorf("want critical, got %s", got)
	}
	if ok, _ := m.CanAdd(sizedEntry(t, "b", 60)); ok {
		t.Error("no add may be admitted once critical")
	}
}

func TestMonitor_ReleaseRestoresAdmission(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, 1000)
	big := sizedEntry(t, "big", 900)
	m.Record(big)
	next := sizedEntry(t, "next", 100)
	if ok, _ := m.CanAdd(next); ok {
		t.Fatal("want rejection at 900+100")
	}
	m.Release(big)
	if ok, _ := m.CanAdd(next); !ok {
		t.Error("want admission after release")
	}
	if got := m.Status(); got.UsedBytes != 0 || got.Level != rag.MemoryHealthy {
		t.Errorf("want 0 bytes healthy, got %+v", got)
	}
}

func TestMonitor_ReleaseNeverGoesNegative(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, 1000)
	m.Release(sizedEntry(t, "ghost", 100))
	if got := m.Status().UsedBytes; got != 0 {
		t.Errorf("want 0, got %d", got)
	}
}

func TestMonitor_Reset(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, 1000)
	m.Record(sizedEntry(t, "a", 900))
	m.Reset()
	if got := m.Status(); got.UsedBytes != 0 || got.Level != rag.MemoryHealthy {
		t.Errorf("want empty healthy after reset, got %+v", got)
	}
}

func TestMonitor_LevelChangeLogged(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m, err := New(Config{BudgetBytes: 1000, Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Record(sizedEntry(t, "a", 850))
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "to=warning") {
		t.Errorf("want warning transition logged, got %q", out)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero budget", Config{}},
		{"warning above critical", Config{BudgetBytes: 10, WarningRatio: 0.9, CriticalRatio: 0.5}},
		{"critical above one", Config{BudgetBytes: 10, CriticalRatio: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}

func TestMonitor_Gauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(Config{BudgetBytes: 1000, Registerer: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Record(sizedEntry(t, "a", 820))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]float64{
		"ragcore_memory_used_bytes":   820,
		"ragcore_memory_budget_bytes": 1000,
		"ragcore_memory_level":        1,
	}
	for _, mf := range mfs {
		w, ok := want[mf.GetName()]
		if !ok {
			continue
		}
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != w {
			t.Errorf("%s: want %v, got %v", mf.GetName(), w, got)
		}
		delete(want, mf.GetName())
	}
	for name := range want {
		t.Errorf("%s not found in gathered metrics", name)
	}
}
