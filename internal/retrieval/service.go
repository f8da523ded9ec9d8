// Package retrieval is the caller-facing retrieval engine. A Service owns one
// index handle and drives the chunk -> embed -> index pipeline for ingestion,
// embeds queries for search, and assembles token-bounded context blocks.
//
// Ingestion and removal are serialized per Service (single writer). Queries
// run concurrently with each other and with an in-progress ingest; they see
// either the state before or after each committed batch.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragcore/internal/budget"
	"github.com/54b3r/ragcore/internal/catalog"
	"github.com/54b3r/ragcore/internal/chunker"
	"github.com/54b3r/ragcore/internal/embedder"
	"github.com/54b3r/ragcore/internal/index"
	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/persist"
	"github.com/54b3r/ragcore/internal/rag"
)

const (
	// DefaultQueryTimeout bounds query embedding plus index search.
	DefaultQueryTimeout = 5 * time.Second
	// DefaultIngestBatch is the number of chunks embedded and committed
	// together during ingestion.
	DefaultIngestBatch = 32
)

// Embedder is the embedding surface the service needs. *embedder.Provider
// satisfies it.
type Embedder interface {
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Catalog records document versions. *catalog.Catalog satisfies it.
type Catalog interface {
	NextVersion(ctx context.Context, sourcePath string) (int, error)
	Latest(ctx context.Context, sourcePath string) (catalog.Record, bool, error)
	Put(ctx context.Context, rec catalog.Record) error
	MarkRemoved(ctx context.Context, sourcePath string) error
}

var (
	_ Embedder      = (*embedder.Provider)(nil)
	_ Catalog       = (*catalog.Catalog)(nil)
	_ rag.Retriever = (*Service)(nil)
)

// Config configures a Service.
type Config struct {
	// Index is the index handle the service owns. Required.
	Index *index.Index
	// Embedder produces chunk and query vectors. Required; its dimension
	// must equal the index dimension.
	Embedder Embedder
	// Chunker defaults to chunker.New with markdown headings enabled.
	Chunker *chunker.Chunker
	// Catalog, if set, receives one record per ingested document version.
	Catalog Catalog

	// SnapshotPath is where the index is persisted after every mutation.
	// Empty disables persistence.
	SnapshotPath string

	// TopK and MinScore are the retrieval defaults. Zero TopK uses the
	// index default.
	TopK     int
	MinScore float64
	// QueryTimeout defaults to DefaultQueryTimeout.
	QueryTimeout time.Duration
	// MaxContextTokens is the assembly budget used when a caller passes zero.
	// Defaults to budget.DefaultMaxContextTokens.
	MaxContextTokens int
	// SemanticOnly disables lexical scoring for every query.
	SemanticOnly bool

	// IngestBatch defaults to DefaultIngestBatch.
	IngestBatch int
	// SkipUnchanged skips documents whose content hash matches the latest
	// catalogued version that is still indexed. Requires Catalog.
	SkipUnchanged bool

	// Registerer receives the service metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service is the retrieval engine facade.
type Service struct {
	cfg     Config
	ix      *index.Index
	emb     Embedder
	chunker *chunker.Chunker
	log     *slog.Logger
	metrics *metrics

	// writeMu serializes ingestion and removal.
	writeMu  sync.Mutex
	versions map[string]int // used when no catalog is configured

	// saveMu orders snapshot writes.
	saveMu sync.Mutex
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("retrieval: index must not be nil")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("retrieval: embedder must not be nil")
	}
	if d := cfg.Embedder.Dimension(); d != cfg.Index.Dimension() {
		return nil, fmt.Errorf("retrieval: %w", &rag.DimensionError{Want: cfg.Index.Dimension(), Got: d})
	}
	if cfg.SkipUnchanged && cfg.Catalog == nil {
		return nil, fmt.Errorf("retrieval: SkipUnchanged requires a catalog")
	}
	if cfg.Chunker == nil {
		cfg.Chunker = chunker.New(chunker.Config{Headings: true})
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	if cfg.IngestBatch <= 0 {
		cfg.IngestBatch = DefaultIngestBatch
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		ix:       cfg.Index,
		emb:      cfg.Embedder,
		chunker:  cfg.Chunker,
		log:      log,
		metrics:  newMetrics(cfg.Registerer),
		versions: make(map[string]int),
	}, nil
}

// Index returns the index handle.
func (s *Service) Index() *index.Index { return s.ix }

// IngestReport summarises one document ingestion.
type IngestReport struct {
	DocumentID string        `json:"documentId"`
	SourcePath string        `json:"sourcePath"`
	Version    int           `json:"version"`
	Chunks     int           `json:"chunks"`
	Tokens     int           `json:"tokens"`
	Replaced   int           `json:"replaced"`
	Skipped    bool          `json:"skipped,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Ingest chunks, embeds and indexes doc, replacing every chunk previously
// indexed under doc.SourcePath. The previous chunks leave the index in the
// same step that commits the first batch of the new version, so queries never
// see the document missing, and a failure before that first commit keeps the
// previous version. ID, Version and Timestamp are assigned when zero.
//
// On failure the returned error is a *rag.IngestError naming the stage and
// the chunk ids already committed; those chunks stay searchable. ctx is
// checked between chunks. The snapshot is saved after the document.
func (s *Service) Ingest(ctx context.Context, doc rag.Document) (IngestReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rep, err := s.ingest(ctx, doc)
	if rep.Skipped || (rep.Chunks == 0 && rep.Replaced == 0) {
		return rep, err
	}
	if saveErr := s.Save(ctx); saveErr != nil {
		var ie *rag.IngestError
		if errors.As(err, &ie) {
			return rep, errors.Join(err, saveErr)
		}
		return rep, &rag.IngestError{SourcePath: doc.SourcePath, Stage: rag.StagePersist, Err: saveErr}
	}
	return rep, err
}

// IngestAll ingests docs in order. A failed document does not stop the
// others; cancellation does. The snapshot is saved once at the end. The
// returned error joins every per-document error.
func (s *Service) IngestAll(ctx context.Context, docs []rag.Document) ([]IngestReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		reports []IngestReport
		errs    []error
		dirty   bool
	)
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("retrieval: ingest cancelled: %w", err))
			break
		}
		rep, err := s.ingest(ctx, doc)
		reports = append(reports, rep)
		dirty = dirty || rep.Chunks > 0 || rep.Replaced > 0
		if err != nil {
			errs = append(errs, err)
			var ie *rag.IngestError
			if errors.As(err, &ie) && ie.Stage == rag.StageCancel {
				break
			}
		}
	}
	if dirty {
		if err := s.Save(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// ingest runs the pipeline for one document. Caller holds writeMu.
func (s *Service) ingest(ctx context.Context, doc rag.Document) (IngestReport, error) {
	start := time.Now()
	log := logging.FromContextOr(ctx, s.log)

	if strings.TrimSpace(doc.SourcePath) == "" {
		return IngestReport{}, &rag.IngestError{Stage: rag.StageChunk, Err: errors.New("source path must not be empty")}
	}
	rep := IngestReport{SourcePath: doc.SourcePath}
	hash := catalog.HashContent(doc.Content)

	if s.cfg.SkipUnchanged {
		latest, ok, err := s.cfg.Catalog.Latest(ctx, doc.SourcePath)
		if err != nil {
			log.Warn("retrieval: catalog lookup failed", slog.String("source", doc.SourcePath), slog.Any("error", err))
		} else if ok && latest.Status == catalog.StatusIndexed && latest.ContentHash == hash &&
			len(s.ix.ChunkIDs(doc.SourcePath)) == latest.ChunkCount {
			rep.DocumentID = latest.ID
			rep.Version = latest.Version
			rep.Chunks = latest.ChunkCount
			rep.Tokens = latest.Tokens
			rep.Skipped = true
			rep.Duration = time.Since(start)
			s.metrics.documents.WithLabelValues("skipped").Inc()
			log.Debug("retrieval: document unchanged", slog.String("source", doc.SourcePath))
			return rep, nil
		}
	}

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now()
	}
	if doc.Version <= 0 {
		doc.Version = s.nextVersion(ctx, doc.SourcePath)
	}
	s.versions[doc.SourcePath] = doc.Version
	rep.DocumentID = doc.ID
	rep.Version = doc.Version

	var (
		replaced  bool
		committed []string
		pending   []rag.Chunk
		tokens    = make(map[string]int)
		ingestErr *rag.IngestError
	)
	fail := func(stage rag.IngestStage, err error) {
		ingestErr = &rag.IngestError{SourcePath: doc.SourcePath, Stage: stage, Err: err}
	}
	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := s.emb.EmbedBatch(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				fail(rag.StageCancel, err)
			} else {
				fail(rag.StageEmbed, err)
			}
			return
		}

		entries := make([]rag.IndexEntry, len(batch))
		for i, c := range batch {
			entries[i] = rag.IndexEntry{Chunk: c, Embedding: vecs[i]}
			tokens[c.ID] = c.TokenCount
		}
		var res index.BatchResult
		if replaced {
			res, err = s.ix.BatchAdd(ctx, entries)
		} else {
			var rr index.ReplaceResult
			rr, err = s.ix.ReplaceDocument(ctx, doc.SourcePath, entries)
			res = rr.BatchResult
			if len(res.Committed) > 0 {
				replaced = true
				rep.Replaced = len(rr.Removed)
			}
		}
		committed = append(committed, res.Committed...)
		switch {
		case len(res.Rejected) > 0:
			fail(rag.StageIndex, fmt.Errorf("%d chunk(s) rejected: %w", len(res.Rejected), res.Rejected[0].Err))
		case err != nil:
			fail(rag.StageCancel, err)
		}
	}

	for c := range s.chunker.Chunk(doc) {
		if err := ctx.Err(); err != nil {
			fail(rag.StageCancel, err)
			break
		}
		pending = append(pending, c)
		if len(pending) >= s.cfg.IngestBatch {
			flush()
			if ingestErr != nil {
				break
			}
		}
	}
	if ingestErr == nil {
		if err := ctx.Err(); err != nil && len(pending) > 0 {
			fail(rag.StageCancel, err)
		} else {
			flush()
		}
	}
	if ingestErr == nil && !replaced {
		// The new version has no chunks.
		rep.Replaced = len(s.ix.RemoveDocument(doc.SourcePath))
	}

	rep.Chunks = len(committed)
	for _, id := range committed {
		rep.Tokens += tokens[id]
	}
	rep.Duration = time.Since(start)

	status := catalog.StatusIndexed
	switch {
	case ingestErr != nil && len(committed) > 0:
		status = catalog.StatusPartial
	case ingestErr != nil:
		status = catalog.StatusFailed
	}
	s.record(ctx, doc, hash, rep, status)
	s.metrics.documents.WithLabelValues(string(status)).Inc()
	s.metrics.chunks.Add(float64(rep.Chunks))
	s.metrics.duration.Observe(rep.Duration.Seconds())

	attrs := []any{
		slog.String("source", doc.SourcePath),
		slog.Int("version", doc.Version),
		slog.Int("chunks", rep.Chunks),
		slog.Int("tokens", rep.Tokens),
		slog.Int("replaced", rep.Replaced),
		slog.Duration("duration", rep.Duration),
	}
	if ingestErr != nil {
		ingestErr.Committed = committed
		log.Warn("retrieval: document ingest incomplete",
			append(attrs, slog.String("stage", string(ingestErr.Stage)), slog.Any("error", ingestErr.Err))...)
		return rep, ingestErr
	}
	log.Info("retrieval: document ingested", attrs...)
	return rep, nil
}

// nextVersion returns the next version number for sourcePath, preferring the
// catalog when one is configured.
func (s *Service) nextVersion(ctx context.Context, sourcePath string) int {
	if s.cfg.Catalog != nil {
		v, err := s.cfg.Catalog.NextVersion(ctx, sourcePath)
		if err == nil {
			return max(v, s.versions[sourcePath]+1)
		}
		s.log.Warn("retrieval: catalog version lookup failed",
			slog.String("source", sourcePath), slog.Any("error", err))
	}
	return s.versions[sourcePath] + 1
}

// record writes the catalog entry for an ingest. Catalog failures are logged
// and never fail the ingest.
func (s *Service) record(ctx context.Context, doc rag.Document, hash string, rep IngestReport, status catalog.Status) {
	if s.cfg.Catalog == nil {
		return
	}
	err := s.cfg.Catalog.Put(context.WithoutCancel(ctx), catalog.Record{
		ID:          doc.ID,
		SourcePath:  doc.SourcePath,
		ContentType: doc.ContentType,
		ContentHash: hash,
		Version:     doc.Version,
		ChunkCount:  rep.Chunks,
		Tokens:      rep.Tokens,
		Status:      status,
	})
	if err != nil {
		s.log.Warn("retrieval: catalog write failed", slog.String("source", doc.SourcePath), slog.Any("error", err))
	}
}

// RemoveDocument removes every chunk indexed under sourcePath and returns
// their ids. Removing an unknown path is a no-op.
func (s *Service) RemoveDocument(ctx context.Context, sourcePath string) ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ids := s.ix.RemoveDocument(sourcePath)
	if len(ids) == 0 {
		return ids, nil
	}
	if s.cfg.Catalog != nil {
		if err := s.cfg.Catalog.MarkRemoved(context.WithoutCancel(ctx), sourcePath); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			s.log.Warn("retrieval: catalog write failed", slog.String("source", sourcePath), slog.Any("error", err))
		}
	}
	logging.FromContextOr(ctx, s.log).Info("retrieval: document removed",
		slog.String("source", sourcePath), slog.Int("chunks", len(ids)))
	return ids, s.Save(ctx)
}

// MemoryStatus reports memory budget usage.
func (s *Service) MemoryStatus() rag.MemoryStatus { return s.ix.MemoryStatus() }

// Stats reports index statistics.
func (s *Service) Stats() index.Stats { return s.ix.Stats() }

// RetrieveOptions tunes one retrieval. Zero values use the service defaults.
type RetrieveOptions struct {
	TopK int `json:"topK,omitempty"`
	// MinScore overrides the service minimum score when set.
	MinScore     *float64     `json:"minScore,omitempty"`
	Filter       index.Filter `json:"filter"`
	SemanticOnly bool         `json:"semanticOnly,omitempty"`
}

// Retrieve embeds query and searches the index. The whole call is bounded by
// the query timeout; exceeding it fails with rag.ErrSearchTimeout. An empty
// index or blank query returns no results without contacting the embedder.
func (s *Service) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]rag.SearchResult, error) {
	if strings.TrimSpace(query) == "" || s.ix.Len() == 0 {
		return []rag.SearchResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	vec, err := s.emb.Embed(ctx, query)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("retrieval: %w: embedding query: %w", rag.ErrSearchTimeout, err)
		}
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}

	minScore := s.cfg.MinScore
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	results, err := s.ix.Query(ctx, index.Query{
		Embedding: vec,
		Text:      query,
		TopK:      topK,
		MinScore:  minScore,
		Filter:    opts.Filter,
		UseHybrid: !s.cfg.SemanticOnly && !opts.SemanticOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	return results, nil
}

// ContextOptions tunes BuildContext.
type ContextOptions struct {
	RetrieveOptions
	// MaxTokens is the assembly budget. Zero uses the service default.
	MaxTokens int `json:"maxTokens,omitempty"`
}

// RetrieveContext returns a token-bounded context block for query. It never
// fails: retrieval errors are logged and produce a context with NoContext
// and Degraded set.
func (s *Service) RetrieveContext(ctx context.Context, query string, maxTokens int) rag.RetrievedContext {
	return s.BuildContext(ctx, query, ContextOptions{MaxTokens: maxTokens})
}

// BuildContext is RetrieveContext with retrieval options.
func (s *Service) BuildContext(ctx context.Context, query string, opts ContextOptions) rag.RetrievedContext {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.MaxContextTokens
	}
	results, err := s.Retrieve(ctx, query, opts.RetrieveOptions)
	if err != nil {
		return s.degraded(ctx, err)
	}
	return budget.Build(results, maxTokens)
}

// degraded logs a failed retrieval and returns the empty context that
// stands in for it.
func (s *Service) degraded(ctx context.Context, err error) rag.RetrievedContext {
	s.metrics.degraded.Inc()
	logging.FromContextOr(ctx, s.log).Warn("retrieval: degraded to no context",
		slog.Any("error", err),
		slog.Bool("timeout", errors.Is(err, rag.ErrSearchTimeout)),
		slog.Bool("embedding_unavailable", errors.Is(err, rag.ErrEmbeddingUnavailable)),
	)
	return rag.RetrievedContext{Sources: []rag.Citation{}, NoContext: true, Degraded: true}
}

// Save writes the current index to the snapshot path. It is a no-op when
// persistence is disabled. Queries keep running while it writes.
func (s *Service) Save(ctx context.Context) error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snap := s.ix.Snapshot()
	if err := persist.Save(s.cfg.SnapshotPath, snap); err != nil {
		logging.FromContextOr(ctx, s.log).Error("retrieval: snapshot save failed",
			slog.String("path", s.cfg.SnapshotPath), slog.Any("error", err))
		return fmt.Errorf("retrieval: %w", err)
	}
	return nil
}

// LoadReport describes the outcome of LoadSnapshot.
type LoadReport struct {
	Status   persist.Status
	Loaded   int
	Rejected int
	// Err is the corruption cause when Status is Corrupted.
	Err error
}

// LoadSnapshot replaces the index contents with the saved snapshot. A
// missing snapshot leaves the index empty. A corrupted one is reported, logged
// with a rebuild hint, and also leaves a usable empty index; it is not an
// error. An error is returned only when a valid snapshot cannot be restored,
// such as one written with a different embedding dimension.
func (s *Service) LoadSnapshot(ctx context.Context) (LoadReport, error) {
	if s.cfg.SnapshotPath == "" {
		return LoadReport{Status: persist.Missing}, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	log := logging.FromContextOr(ctx, s.log)
	res := persist.Load(s.cfg.SnapshotPath)
	rep := LoadReport{Status: res.Status, Err: res.Err}

	s.ix.Clear()
	switch res.Status {
	case persist.Missing:
		log.Info("retrieval: no snapshot, starting empty", slog.String("path", s.cfg.SnapshotPath))
		return rep, nil
	case persist.Corrupted:
		log.Warn("retrieval: snapshot corrupted, starting with an empty index",
			slog.String("path", s.cfg.SnapshotPath),
			slog.Any("error", res.Err),
			slog.String("hint", "run `ragcore rebuild` to re-ingest catalogued documents"),
		)
		return rep, nil
	}

	rr, err := s.ix.Restore(ctx, res.Snapshot)
	rep.Loaded, rep.Rejected = rr.Loaded, rr.Rejected
	if err != nil {
		s.ix.Clear()
		rep.Loaded = 0
		return rep, fmt.Errorf("retrieval: restore %s: %w", s.cfg.SnapshotPath, err)
	}
	log.Info("retrieval: snapshot loaded",
		slog.String("path", s.cfg.SnapshotPath),
		slog.Int("entries", rep.Loaded),
		slog.Int("rejected", rep.Rejected),
	)
	return rep, nil
}
