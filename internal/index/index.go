// Package index is the in-memory hybrid vector index. It scores chunks by a
// weighted sum of cosine similarity and normalised BM25, enforces the memory
// budget on every add, and serves queries from an immutable state published
// through an atomic pointer, so readers never block on the single writer and
// never see a half-applied mutation.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragcore/internal/memory"
	"github.com/54b3r/ragcore/internal/persist"
	"github.com/54b3r/ragcore/internal/rag"
)

// Defaults applied by New.
const (
	DefaultSemanticWeight   = 0.7
	DefaultLexicalWeight    = 0.3
	DefaultMinLexicalCorpus = 5
	DefaultTopK             = 5
)

// ctxCheckInterval is how many candidates are scored between context checks.
const ctxCheckInterval = 256

// Config configures an Index.
type Config struct {
	// Dimension is the fixed embedding length. Required.
	Dimension int

	// Monitor enforces the memory budget. Required.
	Monitor *memory.Monitor

	// SemanticWeight and LexicalWeight combine the two scores. When both are
	// zero they default to 0.7 and 0.3.
	SemanticWeight float64
	LexicalWeight  float64

	// MinLexicalCorpus is the number of indexed entries below which lexical
	// scoring is skipped and results are ranked by cosine similarity alone.
	// Zero means DefaultMinLexicalCorpus.
	MinLexicalCorpus int

	// DefaultTopK is used when a query leaves TopK unset. Zero means 5.
	DefaultTopK int

	// Registerer receives the index metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// record is an immutable indexed entry with its precomputed scoring data.
type record struct {
	entry rag.IndexEntry
	seq   uint64
	norm  float64
	stats termStats
}

// state is an immutable view of the index. Mutations build a new state and
// publish it; records are shared between states.
type state struct {
	byID     map[string]*record
	order    []*record // ascending seq
	bySource map[string][]string
	df       map[string]int
	totalLen int
}

func emptyState() *state {
	return &state{
		byID:     map[string]*record{},
		bySource: map[string][]string{},
		df:       map[string]int{},
	}
}

func (s *state) clone() *state {
	return &state{
		byID:     maps.Clone(s.byID),
		order:    slices.Clone(s.order),
		bySource: maps.Clone(s.bySource),
		df:       maps.Clone(s.df),
		totalLen: s.totalLen,
	}
}

func (s *state) insert(r *record) {
	s.byID[r.entry.ID()] = r
	s.order = append(s.order, r)
	src := r.entry.Chunk.SourcePath
	// Clip so the append never writes into a backing array an older state
	// can still see.
	s.bySource[src] = append(slices.Clip(s.bySource[src]), r.entry.ID())
	for t := range r.stats.tf {
		s.df[t]++
	}
	s.totalLen += r.stats.length
}

// delete removes ids from s. order is filtered in one pass.
func (s *state) delete(ids map[string]struct{}) {
	for id := range ids {
		r := s.byID[id]
		delete(s.byID, id)
		src := r.entry.Chunk.SourcePath
		rest := slices.DeleteFunc(slices.Clone(s.bySource[src]), func(x string) bool { return x == id })
		if len(rest) == 0 {
			delete(s.bySource, src)
		} else {
			s.bySource[src] = rest
		}
		for t := range r.stats.tf {
			if s.df[t]--; s.df[t] <= 0 {
				delete(s.df, t)
			}
		}
		s.totalLen -= r.stats.length
	}
	s.order = slices.DeleteFunc(s.order, func(r *record) bool {
		_, gone := ids[r.entry.ID()]
		return gone
	})
}

// Index is a hybrid vector index bound to one memory monitor.
type Index struct {
	dim     int
	monitor *memory.Monitor
	wSem    float64
	wLex    float64
	minLex  int
	topK    int
	log     *slog.Logger
	metrics *metrics

	mu      sync.Mutex // serialises writers
	nextSeq uint64
	cur     atomic.Pointer[state]
}

// New constructs an empty index.
func New(cfg Config) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("index: dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("index: memory monitor is required")
	}
	if cfg.SemanticWeight < 0 || cfg.LexicalWeight < 0 {
		return nil, fmt.Errorf("index: weights must not be negative, got %.2f/%.2f", cfg.SemanticWeight, cfg.LexicalWeight)
	}
	if cfg.SemanticWeight == 0 && cfg.LexicalWeight == 0 {
		cfg.SemanticWeight, cfg.LexicalWeight = DefaultSemanticWeight, DefaultLexicalWeight
	}
	if cfg.MinLexicalCorpus <= 0 {
		cfg.MinLexicalCorpus = DefaultMinLexicalCorpus
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultTopK
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ix := &Index{
		dim:     cfg.Dimension,
		monitor: cfg.Monitor,
		wSem:    cfg.SemanticWeight,
		wLex:    cfg.LexicalWeight,
		minLex:  cfg.MinLexicalCorpus,
		topK:    cfg.DefaultTopK,
		log:     log,
		metrics: newMetrics(cfg.Registerer),
	}
	ix.cur.Store(emptyState())
	return ix, nil
}

// Dimension returns the embedding length the index accepts.
func (ix *Index) Dimension() int { return ix.dim }

// Len returns the number of entries.
func (ix *Index) Len() int { return len(ix.cur.Load().order) }

// Get returns the entry stored under id.
func (ix *Index) Get(id string) (rag.IndexEntry, bool) {
	r, ok := ix.cur.Load().byID[id]
	if !ok {
		return rag.IndexEntry{}, false
	}
	return r.entry, true
}

// ChunkIDs returns the ids of the chunks indexed for sourcePath, in chunk
// insertion order.
func (ix *Index) ChunkIDs(sourcePath string) []string {
	return slices.Clone(ix.cur.Load().bySource[sourcePath])
}

// Entries returns every entry in insertion order.
func (ix *Index) Entries() []rag.IndexEntry {
	st := ix.cur.Load()
	out := make([]rag.IndexEntry, len(st.order))
	for i, r := range st.order {
		out[i] = r.entry
	}
	return out
}

// Snapshot returns the persistable state of the index. It reads one published
// state and never blocks writers.
func (ix *Index) Snapshot() *persist.Snapshot {
	return &persist.Snapshot{Dimension: ix.dim, Entries: ix.Entries()}
}

// MemoryStatus returns the monitor's current usage.
func (ix *Index) MemoryStatus() rag.MemoryStatus { return ix.monitor.Status() }

// Add indexes chunk with its embedding. It fails with a *rag.DimensionError
// or a *rag.BudgetError and leaves the index unchanged on failure. Adding an
// id that is already present replaces the old entry.
func (ix *Index) Add(chunk rag.Chunk, embedding []float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	next := ix.cur.Load().clone()
	if err := ix.addLocked(next, rag.IndexEntry{Chunk: chunk, Embedding: embedding}); err != nil {
		return err
	}
	ix.publish(next)
	return nil
}

// Rejection is an entry BatchAdd did not commit.
type Rejection struct {
	ChunkID string
	Err     error
}

// BatchResult reports the outcome of BatchAdd.
type BatchResult struct {
	// Committed lists the ids added, in input order.
	Committed []string
	// Rejected lists the entries refused by admission or dimension checks.
	Rejected []Rejection
}

// BatchAdd adds entries in order, each independently admission-controlled: a
// rejected entry does not undo earlier commits and later entries are still
// tried. ctx is checked between entries; on cancellation the entries
// committed so far stay and the context error is returned. All commits become
// visible to queries at once.
func (ix *Index) BatchAdd(ctx context.Context, entries []rag.IndexEntry) (BatchResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	next := ix.cur.Load().clone()
	res, err := ix.addAllLocked(ctx, next, entries)
	if len(res.Committed) > 0 {
		ix.publish(next)
	}
	return res, err
}

// ReplaceResult reports the outcome of ReplaceDocument.
type ReplaceResult struct {
	BatchResult
	// Removed lists the ids of the chunks previously indexed for the source.
	Removed []string
}

// ReplaceDocument removes every chunk indexed for sourcePath and adds entries
// in their place as one published state, so a concurrent query sees either
// the previous chunks or the new ones. The previous chunks' memory is
// released before the new entries are admitted, each as in BatchAdd. When
// entries is non-empty and none of them commits, the index is left unchanged
// and Removed is empty.
func (ix *Index) ReplaceDocument(ctx context.Context, sourcePath string, entries []rag.IndexEntry) (ReplaceResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.cur.Load()
	old := slices.Clone(cur.bySource[sourcePath])
	next := cur.clone()
	if len(old) > 0 {
		gone := make(map[string]struct{}, len(old))
		for _, id := range old {
			gone[id] = struct{}{}
			ix.monitor.Release(cur.byID[id].entry)
		}
		next.delete(gone)
	}

	res, err := ix.addAllLocked(ctx, next, entries)
	if len(entries) > 0 && len(res.Committed) == 0 {
		for _, id := range old {
			ix.monitor.Record(cur.byID[id].entry)
		}
		return ReplaceResult{BatchResult: res}, err
	}
	if len(old) > 0 || len(res.Committed) > 0 {
		ix.publish(next)
	}
	return ReplaceResult{BatchResult: res, Removed: old}, err
}

// addAllLocked runs addLocked over entries until ctx is done. Caller holds
// ix.mu and publishes next.
func (ix *Index) addAllLocked(ctx context.Context, next *state, entries []rag.IndexEntry) (BatchResult, error) {
	var res BatchResult
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := ix.addLocked(next, e); err != nil {
			res.Rejected = append(res.Rejected, Rejection{ChunkID: e.ID(), Err: err})
			continue
		}
		res.Committed = append(res.Committed, e.ID())
	}
	return res, nil
}

// addLocked validates and inserts e into next, charging the monitor. Caller
// holds ix.mu.
func (ix *Index) addLocked(next *state, e rag.IndexEntry) error {
	if len(e.Embedding) != ix.dim {
		ix.metrics.rejected.WithLabelValues("dimension").Inc()
		return fmt.Errorf("index: chunk %s: %w", e.ID(), &rag.DimensionError{Want: ix.dim, Got: len(e.Embedding)})
	}
	if e.ID() == "" {
		return fmt.Errorf("index: chunk id must not be empty")
	}
	e.Embedding = slices.Clone(e.Embedding)
	e.EstimatedBytes = memory.EstimateBytes(e)

	old, replacing := next.byID[e.ID()]
	if replacing {
		ix.monitor.Release(old.entry)
	}
	ok, status := ix.monitor.CanAdd(e)
	if !ok {
		if replacing {
			ix.monitor.Record(old.entry)
			status = ix.monitor.Status()
		}
		ix.metrics.rejected.WithLabelValues("budget").Inc()
		ix.log.Warn("index: add rejected by memory budget",
			slog.String("chunk_id", e.ID()),
			slog.String("source_path", e.Chunk.SourcePath),
			slog.Int64("requested_bytes", e.EstimatedBytes),
			slog.Int64("used_bytes", status.UsedBytes),
			slog.Int64("budget_bytes", status.BudgetBytes),
			slog.Float64("percent_used", status.PercentUsed),
		)
		return fmt.Errorf("index: %w", &rag.BudgetError{ChunkID: e.ID(), Requested: e.EstimatedBytes, Status: status})
	}
	if replacing {
		next.delete(map[string]struct{}{e.ID(): {}})
	}

	ix.nextSeq++
	next.insert(&record{
		entry: e,
		seq:   ix.nextSeq,
		norm:  norm(e.Embedding),
		stats: analyze(e.Chunk),
	})
	ix.monitor.Record(e)
	return nil
}

// Remove deletes the entry with id and releases its memory. It reports
// whether anything was removed; removing an absent id is a no-op.
func (ix *Index) Remove(id string) bool {
	return len(ix.remove([]string{id})) == 1
}

// RemoveDocument deletes every chunk indexed for sourcePath and returns the
// removed ids.
func (ix *Index) RemoveDocument(sourcePath string) []string {
	return ix.remove(ix.ChunkIDs(sourcePath))
}

func (ix *Index) remove(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.cur.Load()
	gone := make(map[string]struct{}, len(ids))
	var removed []string
	for _, id := range ids {
		r, ok := cur.byID[id]
		if !ok {
			continue
		}
		if _, dup := gone[id]; dup {
			continue
		}
		gone[id] = struct{}{}
		removed = append(removed, id)
		ix.monitor.Release(r.entry)
	}
	if len(removed) == 0 {
		return nil
	}
	next := cur.clone()
	next.delete(gone)
	ix.publish(next)
	return removed
}

// Clear removes every entry and resets the memory accounting. The monitor is
// owned by this index, so its usage drops to zero.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.monitor.Reset()
	ix.publish(emptyState())
}

// RestoreResult reports the outcome of Restore.
type RestoreResult struct {
	Loaded   int
	Rejected int
}

// Restore adds the entries of snap in their saved order, so tie-break order
// survives a reload. Entries go through admission control like any add; a
// shrunken budget leaves the overflow out and counts it in Rejected.
func (ix *Index) Restore(ctx context.Context, snap *persist.Snapshot) (RestoreResult, error) {
	if snap.Dimension != ix.dim {
		return RestoreResult{}, fmt.Errorf("index: restore: %w", &rag.DimensionError{Want: ix.dim, Got: snap.Dimension})
	}
	res, err := ix.BatchAdd(ctx, snap.Entries)
	out := RestoreResult{Loaded: len(res.Committed), Rejected: len(res.Rejected)}
	if out.Rejected > 0 {
		ix.log.Warn("index: snapshot entries skipped on restore",
			slog.Int("loaded", out.Loaded),
			slog.Int("rejected", out.Rejected),
			slog.String("hint", "raise the memory budget or rebuild"),
		)
	}
	return out, err
}

func (ix *Index) publish(next *state) {
	ix.cur.Store(next)
	ix.metrics.entries.Set(float64(len(next.order)))
}

// Stats is a point-in-time summary of the index.
type Stats struct {
	Entries        int              `json:"entries"`
	Documents      int              `json:"documents"`
	Vocabulary     int              `json:"vocabulary"`
	AvgChunkTokens float64          `json:"avgChunkTokens"`
	Dimension      int              `json:"dimension"`
	LexicalActive  bool             `json:"lexicalActive"`
	Memory         rag.MemoryStatus `json:"memory"`
}

// Stats summarises the current state.
func (ix *Index) Stats() Stats {
	st := ix.cur.Load()
	s := Stats{
		Entries:       len(st.order),
		Documents:     len(st.bySource),
		Vocabulary:    len(st.df),
		Dimension:     ix.dim,
		LexicalActive: len(st.order) >= ix.minLex && ix.wLex > 0,
		Memory:        ix.monitor.Status(),
	}
	if len(st.order) > 0 {
		var tokens int
		for _, r := range st.order {
			tokens += r.entry.Chunk.TokenCount
		}
		s.AvgChunkTokens = float64(tokens) / float64(len(st.order))
	}
	return s
}

// Query describes one search.
type Query struct {
	// Embedding is the query vector. Its length must equal the index dimension.
	Embedding []float32
	// Text drives lexical scoring when UseHybrid is set.
	Text string
	// TopK caps the number of results. Zero uses the index default.
	TopK int
	// MinScore drops results whose combined score is below it.
	MinScore float64
	// Filter restricts candidates before scoring and top-K selection.
	Filter Filter
	// UseHybrid enables lexical scoring. Without it the combined score is the
	// cosine similarity.
	UseHybrid bool
	// Timeout bounds the query. Zero means only ctx bounds it.
	Timeout time.Duration
}

// Query returns up to TopK results ordered by descending combined score, ties
// broken by insertion order. It fails with rag.ErrSearchTimeout when the
// deadline passes and never modifies the index.
func (ix *Index) Query(ctx context.Context, q Query) ([]rag.SearchResult, error) {
	start := time.Now()
	results, mode, err := ix.query(ctx, q)
	outcome := "ok"
	switch {
	case errors.Is(err, rag.ErrSearchTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	ix.metrics.queries.WithLabelValues(mode, outcome).Inc()
	ix.metrics.duration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	return results, err
}

type scored struct {
	r        *record
	semantic float64
	lexical  float64
	combined float64
}

func (ix *Index) query(ctx context.Context, q Query) ([]rag.SearchResult, string, error) {
	mode := "semantic"
	if len(q.Embedding) != ix.dim {
		return nil, mode, fmt.Errorf("index: query: %w", &rag.DimensionError{Want: ix.dim, Got: len(q.Embedding)})
	}
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}
	topK := q.TopK
	if topK <= 0 {
		topK = ix.topK
	}

	st := ix.cur.Load()
	var terms []string
	lexical := q.UseHybrid && ix.wLex > 0 && len(st.order) >= ix.minLex
	if lexical {
		terms = queryTerms(q.Text)
		lexical = len(terms) > 0
	}
	if lexical {
		mode = "hybrid"
	}

	qnorm := norm(q.Embedding)
	cands := make([]scored, 0, min(len(st.order), 1024))
	var maxLex float64
	for i, r := range st.order {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, mode, ix.ctxError(err)
			}
		}
		if !q.Filter.Match(r.entry.Chunk) {
			continue
		}
		c := scored{r: r, semantic: cosine(q.Embedding, r.entry.Embedding, qnorm, r.norm)}
		if lexical {
			c.lexical = st.bm25(r, terms)
			maxLex = max(maxLex, c.lexical)
		}
		cands = append(cands, c)
	}
	if err := ctx.Err(); err != nil {
		return nil, mode, ix.ctxError(err)
	}

	kept := cands[:0]
	for _, c := range cands {
		if lexical {
			if maxLex > 0 {
				c.lexical /= maxLex
			}
			c.combined = ix.wSem*c.semantic + ix.wLex*c.lexical
		} else {
			c.combined = c.semantic
		}
		if c.combined < q.MinScore {
			continue
		}
		kept = append(kept, c)
	}

	// cands is in seq order, so a stable sort breaks ties by insertion order.
	slices.SortStableFunc(kept, func(a, b scored) int {
		switch {
		case a.combined > b.combined:
			return -1
		case a.combined < b.combined:
			return 1
		default:
			return 0
		}
	})
	if len(kept) > topK {
		kept = kept[:topK]
	}

	out := make([]rag.SearchResult, len(kept))
	for i, c := range kept {
		ch := c.r.entry.Chunk
		out[i] = rag.SearchResult{
			ChunkID:       ch.ID,
			DocumentID:    ch.DocumentID,
			SourcePath:    ch.SourcePath,
			Text:          ch.Text,
			TokenCount:    ch.TokenCount,
			Lines:         ch.Lines,
			SemanticScore: c.semantic,
			LexicalScore:  c.lexical,
			CombinedScore: c.combined,
		}
	}
	return out, mode, nil
}

func (ix *Index) ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("index: %w: %w", rag.ErrSearchTimeout, err)
	}
	return fmt.Errorf("index: query cancelled: %w", err)
}
