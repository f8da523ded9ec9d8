package retrieval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/mock/gomock"

	"github.com/54b3r/ragcore/internal/catalog"
	"github.com/54b3r/ragcore/internal/chunker"
	"github.com/54b3r/ragcore/internal/embedder"
	"github.com/54b3r/ragcore/internal/index"
	"github.com/54b3r/ragcore/internal/memory"
	"github.com/54b3r/ragcore/internal/persist"
	"github.com/54b3r/ragcore/internal/rag"
	"github.com/54b3r/ragcore/internal/rag/mocks"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// testEnv bundles the collaborators of a Service under test.
type testEnv struct {
	svc *Service
	ix  *index.Index
	reg *prometheus.Registry
}

// newEnv builds a service over backend. budget defaults to 1 MiB and
// cfg.Chunker to a 10-token window with no overlap.
func newEnv(t *testing.T, backend rag.Embedder, dim int, budget int64, cfg Config) testEnv {
	t.Helper()
	if budget == 0 {
		budget = 1 << 20
	}
	mon, err := memory.New(memory.Config{BudgetBytes: budget, Logger: discard})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	ix, err := index.New(index.Config{Dimension: dim, Monitor: mon, Logger: discard})
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	p, err := embedder.NewProvider(backend, embedder.ProviderConfig{Name: "test", Dimension: dim, Logger: discard})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	reg := prometheus.NewRegistry()
	cfg.Index = ix
	cfg.Embedder = p
	cfg.Registerer = reg
	cfg.Logger = discard
	if cfg.Chunker == nil {
		cfg.Chunker = chunker.New(chunker.Config{WindowTokens: 10, OverlapTokens: -1})
	}
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return testEnv{svc: svc, ix: ix, reg: reg}
}

// fiveChunkDoc yields exactly five 40-byte chunks under a 10-token window.
func fiveChunkDoc(path string) rag.Document {
	return rag.Document{
		ID:          "doc-1",
		SourcePath:  path,
		Content:     strings.Repeat("word ", 40),
		ContentType: "text/plain",
	}
}

func vecs(n int, v ...float32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func Test_Service_IngestAndRetrieve(t *testing.T) {
	t.Parallel()

	env := newEnv(t, embedder.NewHashEmbedder(256), 256, 0, Config{Chunker: chunker.New(chunker.Config{})})
	ctx := context.Background()

	docs := []rag.Document{
		{SourcePath: "notes/go.md", ContentType: "text/markdown",
			Content: "# Concurrency\n\nGoroutines communicate over channels. A select statement waits on several channel operations."},
		{SourcePath: "notes/cooking.md", ContentType: "text/markdown",
			Content: "# Pasta\n\nBoil the water, salt it generously and cook the spaghetti until al dente."},
	}
	for _, d := range docs {
		rep, err := env.svc.Ingest(ctx, d)
		if err != nil {
			t.Fatalf("Ingest(%s): %v", d.SourcePath, err)
		}
		if rep.Chunks != 1 || rep.Version != 1 || rep.DocumentID == "" {
			t.Errorf("unexpected report %+v", rep)
		}
	}

	results, err := env.svc.Retrieve(ctx, "goroutines and channels", RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) == 0 || results[0].SourcePath != "notes/go.md" {
		t.Fatalf("want notes/go.md ranked first, got %+v", results)
	}

	rc := env.svc.RetrieveContext(ctx, "goroutines and channels", 0)
	if rc.NoContext {
		t.Fatal("want context, got NoContext")
	}
	if !strings.Contains(rc.ContextText, "Goroutines communicate") {
		t.Errorf("want chunk text in context, got %q", rc.ContextText)
	}
	if rc.Sources[0].SourcePath != "notes/go.md" {
		t.Errorf("want first citation notes/go.md, got %s", rc.Sources[0].SourcePath)
	}
	if got := counterValue(t, env.reg, "ragcore_ingest_documents_total", map[string]string{"outcome": "indexed"}); got != 2 {
		t.Errorf("want 2 indexed documents counted, got %v", got)
	}
}

func Test_Service_Ingest_ReplacesBySourcePath(t *testing.T) {
	t.Parallel()

	env := newEnv(t, embedder.NewHashEmbedder(64), 64, 0, Config{})
	ctx := context.Background()

	first, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: strings.Repeat("alpha ", 20)})
	if err != nil {
		t.Fatalf("Ingest v1: %v", err)
	}
	second, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: "bravo charlie"})
	if err != nil {
		t.Fatalf("Ingest v2: %v", err)
	}

	if second.Version != 2 {
		t.Errorf("want version 2, got %d", second.Version)
	}
	if second.Replaced != first.Chunks {
		t.Errorf("want %d replaced chunks, got %d", first.Chunks, second.Replaced)
	}
	ids := env.ix.ChunkIDs("a.txt")
	if len(ids) != 1 {
		t.Fatalf("want 1 chunk after replace, got %d", len(ids))
	}
	e, _ := env.ix.Get(ids[0])
	if e.Chunk.DocumentID != second.DocumentID || e.Chunk.Text != "bravo charlie" {
		t.Errorf("want only the new version indexed, got %+v", e.Chunk)
	}
}

func Test_Service_Ingest_EmbedFailureReportsPartialCommit(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockEmbedder(ctrl)
	gomock.InOrder(
		backend.EXPECT().Embed(gomock.Any(), gomock.Len(2)).Return(vecs(2, 1, 0, 0, 0), nil),
		backend.EXPECT().Embed(gomock.Any(), gomock.Len(2)).Return(nil, errors.New("inference crashed")),
	)

	env := newEnv(t, backend, 4, 0, Config{IngestBatch: 2})
	rep, err := env.svc.Ingest(context.Background(), fiveChunkDoc("a.txt"))

	var ie *rag.IngestError
	if !errors.As(err, &ie) {
		t.Fatalf("want *rag.IngestError, got %v", err)
	}
	if ie.Stage != rag.StageEmbed {
		t.Errorf("want stage %s, got %s", rag.StageEmbed, ie.Stage)
	}
	if !errors.Is(err, rag.ErrEmbeddingUnavailable) {
		t.Errorf("want ErrEmbeddingUnavailable, got %v", err)
	}
	want := []string{chunker.ChunkID("doc-1", 0), chunker.ChunkID("doc-1", 1)}
	if diff := cmp.Diff(want, ie.Committed); diff != "" {
		t.Errorf("committed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, env.ix.ChunkIDs("a.txt")); diff != "" {
		t.Errorf("indexed chunks mismatch (-want +got):\n%s", diff)
	}
	if rep.Chunks != 2 {
		t.Errorf("want report of 2 chunks, got %d", rep.Chunks)
	}
	if got := counterValue(t, env.reg, "ragcore_ingest_documents_total", map[string]string{"outcome": "partial"}); got != 1 {
		t.Errorf("want 1 partial document counted, got %v", got)
	}
}

func Test_Service_Ingest_CancelledBetweenChunks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockEmbedder(ctrl)
	gomock.InOrder(
		backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(vecs(2, 0, 1, 0, 0), nil),
		backend.EXPECT().Embed(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ []string) ([][]float32, error) {
				cancel()
				return nil, ctx.Err()
			}),
	)

	env := newEnv(t, backend, 4, 0, Config{IngestBatch: 2})
	_, err := env.svc.Ingest(ctx, fiveChunkDoc("a.txt"))

	var ie *rag.IngestError
	if !errors.As(err, &ie) {
		t.Fatalf("want *rag.IngestError, got %v", err)
	}
	if ie.Stage != rag.StageCancel {
		t.Errorf("want stage %s, got %s", rag.StageCancel, ie.Stage)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
	if len(ie.Committed) != 2 || env.ix.Len() != 2 {
		t.Errorf("want the first batch retained, got committed=%d indexed=%d", len(ie.Committed), env.ix.Len())
	}
}

func Test_Service_Ingest_BudgetRejectionStops(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockEmbedder(ctrl)
	backend.EXPECT().Embed(gomock.Any(), gomock.Any()).Return(vecs(2, 1, 1, 0, 0), nil).Times(2)

	// Each chunk estimates to 172 bytes; a 400-byte budget admits up to 380,
	// so the first batch fits and the second is rejected.
	env := newEnv(t, backend, 4, 400, Config{IngestBatch: 2})
	rep, err := env.svc.Ingest(context.Background(), fiveChunkDoc("a.txt"))

	var ie *rag.IngestError
	if !errors.As(err, &ie) {
		t.Fatalf("want *rag.IngestError, got %v", err)
	}
	if ie.Stage != rag.StageIndex {
		t.Errorf("want stage %s, got %s", rag.StageIndex, ie.Stage)
	}
	if !errors.Is(err, rag.ErrMemoryBudgetExceeded) {
		t.Errorf("want ErrMemoryBudgetExceeded, got %v", err)
	}
	if rep.Chunks != 2 || len(ie.Committed) != 2 {
		t.Errorf("want 2 committed, got report=%d err=%d", rep.Chunks, len(ie.Committed))
	}
	st := env.svc.MemoryStatus()
	if st.UsedBytes != 344 || st.UsedBytes > st.BudgetBytes {
		t.Errorf("want 344 bytes used within budget, got %+v", st)
	}
}

func Test_Service_Ingest_EmptySourcePath(t *testing.T) {
	t.Parallel()

	env := newEnv(t, embedder.NewHashEmbedder(8), 8, 0, Config{})
	_, err := env.svc.Ingest(context.Background(), rag.Document{Content: "x"})

	var ie *rag.IngestError
	if !errors.As(err, &ie) || ie.Stage != rag.StageChunk {
		t.Fatalf("want chunk-stage IngestError, got %v", err)
	}
}

func Test_Service_IngestAll_ContinuesPastFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	env := newEnv(t, embedder.NewHashEmbedder(16), 16, 0, Config{SnapshotPath: filepath.Join(dir, "index.rgx")})

	reports, err := env.svc.IngestAll(context.Background(), []rag.Document{
		{SourcePath: "a.txt", Content: "alpha"},
		{SourcePath: "", Content: "orphan"},
		{SourcePath: "b.txt", Content: "bravo"},
	})
	if err == nil {
		t.Fatal("want joined error for the orphan document")
	}
	if len(reports) != 3 {
		t.Fatalf("want 3 reports, got %d", len(reports))
	}
	if env.ix.Len() != 2 {
		t.Errorf("want 2 indexed chunks, got %d", env.ix.Len())
	}
	if _, statErr := os.Stat(filepath.Join(dir, "index.rgx")); statErr != nil {
		t.Errorf("want snapshot saved once at the end: %v", statErr)
	}
}

func Test_Service_IngestAll_StopsOnCancel(t *testing.T) {
	t.Parallel()

	env := newEnv(t, embedder.NewHashEmbedder(16), 16, 0, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports, err := env.svc.IngestAll(ctx, []rag.Document{{SourcePath: "a.txt", Content: "alpha"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if len(reports) != 0 || env.ix.Len() != 0 {
		t.Errorf("want nothing ingested, got %d reports and %d entries", len(reports), env.ix.Len())
	}
}

func Test_Service_Retrieve_EmptyIndexSkipsEmbedder(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockEmbedder(ctrl) // no calls expected

	env := newEnv(t, backend, 4, 0, Config{})
	results, err := env.svc.Retrieve(context.Background(), "anything", RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("want no results, got %d", len(results))
	}

	rc := env.svc.RetrieveContext(context.Background(), "anything", 0)
	if !rc.NoContext || rc.Degraded {
		t.Errorf("want plain NoContext for an empty index, got %+v", rc)
	}
}

func Test_Service_RetrieveContext_DegradesOnEmbeddingFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockEmbedder(ctrl)
	backend.EXPECT().Embed(gomock.Any(), []string{"question"}).Return(nil, errors.New("model crashed"))

	env := newEnv(t, backend, 3, 0, Config{})
	if err := env.ix.Add(rag.Chunk{ID: "c1", SourcePath: "a.txt", Text: "text"}, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	rc := env.svc.RetrieveContext(context.Background(), "question", 100)
	if !rc.NoContext || !rc.Degraded {
		t.Fatalf("want degraded no-context, got %+v", rc)
	}
	if rc.ContextText != "" || rc.Sources == nil || len(rc.Sources) != 0 {
		t.Errorf("want empty text and empty non-nil sources, got %+v", rc)
	}
	if got := counterValue(t, env.reg, "ragcore_retrieval_degraded_total", nil); got != 1 {
		t.Errorf("want degraded counter 1, got %v", got)
	}
}

func Test_Service_Retrieve_Timeout(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockEmbedder(ctrl)
	backend.EXPECT().Embed(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ []string) ([][]float32, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).AnyTimes()

	env := newEnv(t, backend, 3, 0, Config{QueryTimeout: 20 * time.Millisecond})
	if err := env.ix.Add(rag.Chunk{ID: "c1", SourcePath: "a.txt", Text: "text"}, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, err := env.svc.Retrieve(context.Background(), "slow", RetrieveOptions{})
	if !errors.Is(err, rag.ErrSearchTimeout) {
		t.Fatalf("want ErrSearchTimeout, got %v", err)
	}
	if env.ix.Len() != 1 {
		t.Errorf("want index untouched by the timeout, got %d entries", env.ix.Len())
	}

	rc := env.svc.RetrieveContext(context.Background(), "slow", 0)
	if !rc.Degraded {
		t.Errorf("want degraded context after timeout, got %+v", rc)
	}
}

func Test_Service_RetrieveContext_GreedyBudget(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockEmbedder(ctrl)
	backend.EXPECT().Embed(gomock.Any(), []string{"q"}).Return([][]float32{{1, 0, 0}}, nil)

	env := newEnv(t, backend, 3, 0, Config{SemanticOnly: true})
	ids := []string{"c0", "c1", "c2", "c3", "c4"}
	for i, id := range ids {
		c := rag.Chunk{ID: id, SourcePath: id + ".txt", Text: strings.Repeat("x", 160), TokenCount: 40}
		if err := env.ix.Add(c, []float32{1, float32(i) * 0.2, 0}); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	rc := env.svc.RetrieveContext(context.Background(), "q", 100)
	if rc.NoContext {
		t.Fatal("want context")
	}
	if rc.TokenCount != 80 {
		t.Errorf("want 80 tokens, got %d", rc.TokenCount)
	}
	var got []string
	for _, s := range rc.Sources {
		got = append(got, s.ChunkID)
	}
	if diff := cmp.Diff([]string{"c0", "c1"}, got); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func Test_Service_Retrieve_Filter(t *testing.T) {
	t.Parallel()

	env := newEnv(t, embedder.NewHashEmbedder(64), 64, 0, Config{})
	ctx := context.Background()
	for _, d := range []rag.Document{
		{SourcePath: "docs/a.md", Content: "deploy the service"},
		{SourcePath: "src/a.go", Content: "deploy the service"},
	} {
		if _, err := env.svc.Ingest(ctx, d); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	results, err := env.svc.Retrieve(ctx, "deploy", RetrieveOptions{Filter: index.Filter{SourcePrefix: "src/"}})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 || results[0].SourcePath != "src/a.go" {
		t.Errorf("want only src/a.go, got %+v", results)
	}
}

func Test_Service_RemoveDocument(t *testing.T) {
	t.Parallel()

	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })

	env := newEnv(t, embedder.NewHashEmbedder(32), 32, 0, Config{Catalog: cat})
	ctx := context.Background()
	if _, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: strings.Repeat("gamma ", 30)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	used := env.svc.MemoryStatus().UsedBytes

	ids, err := env.svc.RemoveDocument(ctx, "a.txt")
	if err != nil {
		t.Fatalf("RemoveDocument: %v", err)
	}
	if len(ids) == 0 {
		t.Fatal("want removed ids")
	}
	if env.ix.Len() != 0 || env.svc.MemoryStatus().UsedBytes != 0 {
		t.Errorf("want empty index and zero usage (was %d), got len=%d used=%d",
			used, env.ix.Len(), env.svc.MemoryStatus().UsedBytes)
	}
	results, err := env.svc.Retrieve(ctx, "gamma", RetrieveOptions{})
	if err != nil || len(results) != 0 {
		t.Errorf("want no results after removal, got %v, %v", results, err)
	}

	latest, ok, err := cat.Latest(ctx, "a.txt")
	if err != nil || !ok || latest.Status != catalog.StatusRemoved {
		t.Errorf("want removed catalog record, got %+v ok=%v err=%v", latest, ok, err)
	}

	again, err := env.svc.RemoveDocument(ctx, "a.txt")
	if err != nil || len(again) != 0 {
		t.Errorf("want idempotent removal, got %v, %v", again, err)
	}
}

func Test_Service_Catalog_VersionsAndStatus(t *testing.T) {
	t.Parallel()

	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })

	env := newEnv(t, embedder.NewHashEmbedder(16), 16, 0, Config{Catalog: cat})
	ctx := context.Background()
	for _, content := range []string{"one", "two"} {
		if _, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: content}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	hist, err := cat.History(ctx, "a.txt")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Version != 1 || hist[1].Version != 2 {
		t.Fatalf("want versions 1 and 2, got %+v", hist)
	}
	if hist[1].Status != catalog.StatusIndexed || hist[1].ChunkCount != 1 {
		t.Errorf("want indexed with 1 chunk, got %+v", hist[1])
	}
	if hist[1].ContentHash != catalog.HashContent("two") {
		t.Errorf("want content hash of the second version, got %s", hist[1].ContentHash)
	}
}

func Test_Service_SkipUnchanged(t *testing.T) {
	t.Parallel()

	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })

	env := newEnv(t, embedder.NewHashEmbedder(16), 16, 0, Config{Catalog: cat, SkipUnchanged: true})
	ctx := context.Background()
	doc := rag.Document{SourcePath: "a.txt", Content: "stable content"}

	first, err := env.svc.Ingest(ctx, doc)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	second, err := env.svc.Ingest(ctx, doc)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !second.Skipped || second.DocumentID != first.DocumentID {
		t.Errorf("want unchanged document skipped, got %+v", second)
	}

	doc.Content = "edited content"
	third, err := env.svc.Ingest(ctx, doc)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if third.Skipped || third.Version != 2 {
		t.Errorf("want edited document re-ingested as version 2, got %+v", third)
	}
}

func Test_Service_SnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.rgx")
	ctx := context.Background()

	src := newEnv(t, embedder.NewHashEmbedder(64), 64, 0, Config{SnapshotPath: path})
	for _, d := range []rag.Document{
		{SourcePath: "a.txt", Content: strings.Repeat("retrieval engines rank chunks ", 10)},
		{SourcePath: "b.txt", Content: strings.Repeat("snapshots survive restarts ", 10)},
	} {
		if _, err := src.svc.Ingest(ctx, d); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	want, err := src.svc.Retrieve(ctx, "rank chunks", RetrieveOptions{TopK: 10})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	dst := newEnv(t, embedder.NewHashEmbedder(64), 64, 0, Config{SnapshotPath: path})
	rep, err := dst.svc.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if rep.Status != persist.Loaded || rep.Loaded != src.ix.Len() {
		t.Fatalf("want %d entries loaded, got %+v", src.ix.Len(), rep)
	}
	got, err := dst.svc.Retrieve(ctx, "rank chunks", RetrieveOptions{TopK: 10})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results differ after reload (-want +got):\n%s", diff)
	}
}

func Test_Service_LoadSnapshot_Corrupted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.rgx")
	if err := os.WriteFile(path, []byte("definitely not an index"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	env := newEnv(t, embedder.NewHashEmbedder(16), 16, 0, Config{SnapshotPath: path})
	rep, err := env.svc.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("want no error for a corrupted snapshot, got %v", err)
	}
	if rep.Status != persist.Corrupted || !errors.Is(rep.Err, rag.ErrIndexCorrupted) {
		t.Fatalf("want Corrupted with ErrIndexCorrupted, got %+v", rep)
	}
	if env.ix.Len() != 0 {
		t.Fatalf("want empty index, got %d", env.ix.Len())
	}

	if _, err := env.svc.Ingest(context.Background(), rag.Document{SourcePath: "a.txt", Content: "fresh"}); err != nil {
		t.Fatalf("want usable index after corruption, got %v", err)
	}
	if res := persist.Load(path); res.Status != persist.Loaded {
		t.Errorf("want the corrupted file replaced by a valid snapshot, got %s", res.Status)
	}
}

func Test_Service_LoadSnapshot_DimensionMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.rgx")
	ctx := context.Background()

	src := newEnv(t, embedder.NewHashEmbedder(8), 8, 0, Config{SnapshotPath: path})
	if _, err := src.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: "eight"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	dst := newEnv(t, embedder.NewHashEmbedder(16), 16, 0, Config{SnapshotPath: path})
	_, err := dst.svc.LoadSnapshot(ctx)
	if !errors.Is(err, rag.ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
	if dst.ix.Len() != 0 {
		t.Errorf("want empty index after failed restore, got %d", dst.ix.Len())
	}
}

func Test_Service_ConcurrentQueriesDuringIngest(t *testing.T) {
	t.Parallel()

	env := newEnv(t, embedder.NewHashEmbedder(32), 32, 0, Config{})
	ctx := context.Background()

	docs := make([]rag.Document, 20)
	for i := range docs {
		docs[i] = rag.Document{
			SourcePath: filepath.Join("d", string(rune('a'+i))+".txt"),
			Content:    strings.Repeat("shared words appear everywhere ", 5),
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := env.svc.IngestAll(ctx, docs); err != nil {
			t.Errorf("IngestAll: %v", err)
		}
	}()
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				rc := env.svc.RetrieveContext(ctx, "shared words", 0)
				if rc.Degraded {
					t.Error("want no degradation under concurrent ingest")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	mon, err := memory.New(memory.Config{BudgetBytes: 1 << 20, Logger: discard})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	ix, err := index.New(index.Config{Dimension: 8, Monitor: mon, Logger: discard})
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	p8, _ := embedder.NewProvider(embedder.NewHashEmbedder(8), embedder.ProviderConfig{Dimension: 8, Logger: discard})
	p16, _ := embedder.NewProvider(embedder.NewHashEmbedder(16), embedder.ProviderConfig{Dimension: 16, Logger: discard})

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no index", Config{Embedder: p8}},
		{"no embedder", Config{Index: ix}},
		{"dimension mismatch", Config{Index: ix, Embedder: p16}},
		{"skip unchanged without catalog", Config{Index: ix, Embedder: p8, SkipUnchanged: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.cfg); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}

// gatedEmbedder delegates to inner. Once armed, each call signals entered and
// waits for release.
type gatedEmbedder struct {
	inner rag.Embedder

	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEmbedder) arm() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered = make(chan struct{}, 1)
	g.release = make(chan struct{})
	return g.entered, g.release
}

func (g *gatedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	g.mu.Lock()
	entered, release := g.entered, g.release
	g.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.inner.Embed(ctx, texts)
}

func Test_Service_Ingest_ReplaceKeepsPreviousVersionVisible(t *testing.T) {
	t.Parallel()

	backend := &gatedEmbedder{inner: embedder.NewHashEmbedder(64)}
	env := newEnv(t, backend, 64, 0, Config{})
	ctx := context.Background()

	first, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: "alpha bravo charlie"})
	if err != nil {
		t.Fatalf("Ingest v1: %v", err)
	}
	before := env.ix.ChunkIDs("a.txt")

	entered, release := backend.arm()
	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: "delta echo foxtrot"})
		done <- err
	}()
	<-entered

	if diff := cmp.Diff(before, env.ix.ChunkIDs("a.txt")); diff != "" {
		t.Errorf("chunks changed while the new version is embedding (-want +got):\n%s", diff)
	}
	entry, ok := env.ix.Get(before[0])
	if !ok {
		t.Fatal("want the previous chunk indexed while the new version is embedding")
	}
	results, err := env.ix.Query(ctx, index.Query{Embedding: make([]float32, 64), TopK: 5})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].DocumentID != first.DocumentID {
		t.Errorf("want the previous version searchable, got %+v", results)
	}
	if entry.Chunk.DocumentID != first.DocumentID {
		t.Errorf("want document %s, got %s", first.DocumentID, entry.Chunk.DocumentID)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Ingest v2: %v", err)
	}
	after := env.ix.ChunkIDs("a.txt")
	if len(after) != 1 {
		t.Fatalf("want 1 chunk after replace, got %d", len(after))
	}
	if e, _ := env.ix.Get(after[0]); e.Chunk.Text != "delta echo foxtrot" {
		t.Errorf("want the new version indexed, got %q", e.Chunk.Text)
	}
}

func Test_Service_Ingest_ReplaceFailureKeepsPreviousVersion(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	backend := mocks.NewMockEmbedder(ctrl)
	gomock.InOrder(
		backend.EXPECT().Embed(gomock.Any(), gomock.Len(1)).Return(vecs(1, 1, 0, 0, 0), nil),
		backend.EXPECT().Embed(gomock.Any(), gomock.Len(1)).Return(nil, errors.New("model crashed")),
	)

	env := newEnv(t, backend, 4, 0, Config{})
	ctx := context.Background()
	if _, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: "alpha"}); err != nil {
		t.Fatalf("Ingest v1: %v", err)
	}
	before := env.ix.ChunkIDs("a.txt")
	used := env.svc.MemoryStatus().UsedBytes

	rep, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: "bravo"})
	var ie *rag.IngestError
	if !errors.As(err, &ie) {
		t.Fatalf("want *rag.IngestError, got %v", err)
	}
	if ie.Stage != rag.StageEmbed || len(ie.Committed) != 0 {
		t.Errorf("want embed stage with nothing committed, got %s/%d", ie.Stage, len(ie.Committed))
	}
	if rep.Replaced != 0 {
		t.Errorf("want 0 replaced, got %d", rep.Replaced)
	}
	if diff := cmp.Diff(before, env.ix.ChunkIDs("a.txt")); diff != "" {
		t.Errorf("previous version lost (-want +got):\n%s", diff)
	}
	if got := env.svc.MemoryStatus().UsedBytes; got != used {
		t.Errorf("want %d bytes used, got %d", used, got)
	}
}

func Test_Service_Ingest_EmptyReplacementRemovesPrevious(t *testing.T) {
	t.Parallel()

	env := newEnv(t, embedder.NewHashEmbedder(16), 16, 0, Config{})
	ctx := context.Background()

	first, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: "alpha bravo"})
	if err != nil {
		t.Fatalf("Ingest v1: %v", err)
	}
	rep, err := env.svc.Ingest(ctx, rag.Document{SourcePath: "a.txt", Content: "  \n"})
	if err != nil {
		t.Fatalf("Ingest v2: %v", err)
	}
	if rep.Replaced != first.Chunks || env.ix.Len() != 0 {
		t.Errorf("want %d replaced and an empty index, got %d replaced, %d indexed", first.Chunks, rep.Replaced, env.ix.Len())
	}
}
