package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragcore/internal/catalog"
	"github.com/54b3r/ragcore/internal/chunker"
	"github.com/54b3r/ragcore/internal/config"
	"github.com/54b3r/ragcore/internal/embedder"
	"github.com/54b3r/ragcore/internal/index"
	"github.com/54b3r/ragcore/internal/memory"
	"github.com/54b3r/ragcore/internal/persist"
	"github.com/54b3r/ragcore/internal/rag"
	"github.com/54b3r/ragcore/internal/retrieval"
)

// engineOptions tweaks openEngine for a single command.
type engineOptions struct {
	// fresh skips loading the snapshot (rebuild).
	fresh bool
	// skipUnchanged enables catalog hash comparison on ingest.
	skipUnchanged bool
	// registry receives every engine metric. Defaults to a private registry.
	registry *prometheus.Registry
}

// engine bundles the wired retrieval stack and its resources.
type engine struct {
	settings config.Settings
	svc      *retrieval.Service
	provider *embedder.Provider
	catalog  *catalog.Catalog
	load     retrieval.LoadReport
	closers  []func() error
}

// Close releases the embedding cache and the catalog.
func (e *engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

// openEngine wires the embedding provider, memory monitor, index, catalog and
// retrieval service from the environment and loads the saved snapshot.
func openEngine(ctx context.Context, log *slog.Logger, opts engineOptions) (*engine, error) {
	settings, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	es, err := embedder.SettingsFromEnv()
	if err != nil {
		return nil, err
	}
	if err := embedder.Validate(es, log); err != nil {
		return nil, err
	}
	if opts.registry == nil {
		opts.registry = prometheus.NewRegistry()
	}

	e := &engine{settings: settings}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	provider, closeCache, err := embedder.New(es, log, func(ev embedder.LoadEvent) {
		attrs := []any{slog.String("provider", ev.Provider), slog.String("state", ev.State.String())}
		if ev.Err != nil {
			attrs = append(attrs, slog.Any("error", ev.Err))
		}
		log.Info("embedder: "+ev.Message, attrs...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	e.provider = provider
	e.closers = append(e.closers, closeCache)

	mon, err := memory.New(memory.Config{
		BudgetBytes: settings.MemoryBudgetBytes,
		Registerer:  opts.registry,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	ix, err := index.New(index.Config{
		Dimension:        provider.Dimension(),
		Monitor:          mon,
		SemanticWeight:   settings.SemanticWeight,
		LexicalWeight:    settings.LexicalWeight,
		MinLexicalCorpus: settings.MinLexicalCorpus,
		DefaultTopK:      settings.TopK,
		Registerer:       opts.registry,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}

	ch := chunker.New(chunker.Config{
		WindowTokens:  settings.ChunkTokens,
		OverlapTokens: settings.ChunkOverlap,
		Headings:      true,
	})
	cfg := retrieval.Config{
		Index:            ix,
		Embedder:         provider,
		Chunker:          ch,
		SnapshotPath:     settings.IndexPath,
		TopK:             settings.TopK,
		MinScore:         settings.MinScore,
		QueryTimeout:     settings.QueryTimeout,
		MaxContextTokens: settings.MaxContextTokens,
		Registerer:       opts.registry,
		Logger:           log,
	}
	if settings.CatalogPath != "" {
		if err := os.MkdirAll(filepath.Dir(settings.CatalogPath), 0o700); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		cat, err := catalog.Open(settings.CatalogPath)
		if err != nil {
			return nil, err
		}
		e.catalog = cat
		e.closers = append(e.closers, cat.Close)
		cfg.Catalog = cat
		cfg.SkipUnchanged = opts.skipUnchanged
	}

	svc, err := retrieval.New(cfg)
	if err != nil {
		return nil, err
	}
	e.svc = svc

	if !opts.fresh {
		rep, err := svc.LoadSnapshot(ctx)
		if errors.Is(err, rag.ErrDimensionMismatch) {
			log.Warn("snapshot was built with a different embedding dimension, starting empty",
				slog.Any("error", err),
				slog.String("hint", "run `ragcore rebuild` to re-embed catalogued documents"),
			)
			rep = retrieval.LoadReport{Status: persist.Corrupted, Err: err}
		} else if err != nil {
			return nil, err
		}
		e.load = rep
	}

	ok = true
	return e, nil
}
