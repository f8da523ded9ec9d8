package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/54b3r/ragcore/internal/rag"
)

// State is the lifecycle state of a Provider.
type State int32

const (
	// StateUnloaded is the initial state; the first embed call triggers a load.
	StateUnloaded State = iota
	// StateLoading means a load is in progress; other callers wait for it.
	StateLoading
	// StateReady means embed calls go straight to the backend.
	StateReady
	// StateUnavailable means the last load failed. Calls fail fast until a
	// retry succeeds.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Loader is implemented by backends that need an explicit initialisation
// step (model download, warm-up) before they can embed.
type Loader interface {
	// Load prepares the backend. progress receives human-readable status lines.
	Load(ctx context.Context, progress func(string)) error
}

// LoadEvent is reported to ProviderConfig.OnEvent on every state change and
// on every progress line emitted while loading.
type LoadEvent struct {
	Provider string
	State    State
	Message  string
	Err      error
}

const (
	defaultBatchSize   = 32
	defaultRetryAfter  = 30 * time.Second
	defaultLoadTimeout = 15 * time.Minute
)

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	// Name labels the provider in logs and readiness checks (e.g. "ollama").
	Name string
	// Dimension is the fixed vector length every embedding must have. Required.
	Dimension int
	// BatchSize caps the number of texts sent to the backend per call.
	// Defaults to 32.
	BatchSize int
	// RetryAfter is the minimum wait between load attempts once the provider
	// is unavailable. Defaults to 30s.
	RetryAfter time.Duration
	// LoadTimeout bounds a backend load such as a model pull. Loads do not
	// inherit the caller's deadline. Defaults to 15m.
	LoadTimeout time.Duration
	// OnEvent, if set, receives lifecycle and progress events.
	OnEvent func(LoadEvent)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Provider wraps a backend embedder with the Unloaded -> Loading ->
// Ready | Unavailable lifecycle, batching and dimension validation.
// It is safe for concurrent use.
type Provider struct {
	backend rag.Embedder
	cfg     ProviderConfig
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	state    State
	loading  chan struct{}
	lastErr  error
	failedAt time.Time
}

// NewProvider wraps backend. The backend is not contacted until first use.
func NewProvider(backend rag.Embedder, cfg ProviderConfig) (*Provider, error) {
	if backend == nil {
		return nil, fmt.Errorf("embedder: backend must not be nil")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedder: dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.Name == "" {
		cfg.Name = "embedder"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = defaultRetryAfter
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		backend: backend,
		cfg:     cfg,
		log:     log.With(slog.String("embedder", cfg.Name)),
		now:     time.Now,
	}, nil
}

// Name returns the provider label.
func (p *Provider) Name() string { return p.cfg.Name }

// Dimension returns the vector length declared at construction.
func (p *Provider) Dimension() int { return p.cfg.Dimension }

// State returns the current lifecycle state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Ping brings the provider to Ready, loading it if necessary. It satisfies
// the server's readiness probe interface.
func (p *Provider) Ping(ctx context.Context) error {
	return p.ensureReady(ctx)
}

// Retry clears the retry back-off of an unavailable provider and attempts a
// load immediately.
func (p *Provider) Retry(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateUnavailable {
		p.failedAt = time.Time{}
	}
	p.mu.Unlock()
	return p.ensureReady(ctx)
}

// Embed returns the embedding of a single text. Used at query time.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in backend batches of at most BatchSize, checking
// ctx between batches. Every returned vector has length Dimension().
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+p.cfg.BatchSize, len(texts))

		vecs, err := p.backend.Embed(ctx, texts[start:end])
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("embedder: %s: %w: %w", p.cfg.Name, rag.ErrEmbeddingUnavailable, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedder: %s: %w: expected %d embeddings, got %d",
				p.cfg.Name, rag.ErrEmbeddingUnavailable, end-start, len(vecs))
		}
		for _, v := range vecs {
			if len(v) != p.cfg.Dimension {
				return nil, fmt.Errorf("embedder: %s: %w", p.cfg.Name, &rag.DimensionError{Want: p.cfg.Dimension, Got: len(v)})
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// ensureReady drives the state machine until the provider is Ready or the
// call must fail. Exactly one load runs at a time; every caller, including
// the one that started it, waits for it under its own ctx.
func (p *Provider) ensureReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		p.mu.Lock()
		switch p.state {
		case StateReady:
			p.mu.Unlock()
			return nil
		case StateLoading:
			ch := p.loading
			p.mu.Unlock()
			select {
			case <-ch:
				if p.State() == StateUnavailable {
					return p.unavailable()
				}
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		case StateUnavailable:
			if p.now().Sub(p.failedAt) < p.cfg.RetryAfter {
				p.mu.Unlock()
				return p.unavailable()
			}
		}

		ch := make(chan struct{})
		p.loading = ch
		p.state = StateLoading
		p.mu.Unlock()
		p.emit(LoadEvent{State: StateLoading, Message: "loading"})

		// A model pull can take far longer than a query deadline; it runs
		// detached from ctx, bounded by LoadTimeout.
		go p.runLoad(context.WithoutCancel(ctx), ch)
	}
}

func (p *Provider) runLoad(ctx context.Context, done chan struct{}) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.LoadTimeout)
	defer cancel()
	err := p.load(ctx)

	p.mu.Lock()
	if err == nil {
		p.state = StateReady
		p.lastErr = nil
	} else {
		p.state = StateUnavailable
		p.lastErr = err
		p.failedAt = p.now()
	}
	state := p.state
	p.loading = nil
	p.mu.Unlock()

	p.emit(LoadEvent{State: state, Err: err})
	close(done)
}

func (p *Provider) unavailable() error {
	p.mu.Lock()
	err := p.lastErr
	p.mu.Unlock()
	return fmt.Errorf("embedder: %s: %w: %w", p.cfg.Name, rag.ErrEmbeddingUnavailable, err)
}

func (p *Provider) load(ctx context.Context) error {
	loader, ok := p.backend.(Loader)
	if !ok {
		return nil
	}
	return loader.Load(ctx, func(msg string) {
		p.emit(LoadEvent{State: StateLoading, Message: msg})
	})
}

func (p *Provider) emit(ev LoadEvent) {
	ev.Provider = p.cfg.Name
	switch {
	case ev.Err != nil:
		p.log.Warn("embedder: load failed", slog.String("state", ev.State.String()), slog.Any("error", ev.Err))
	case ev.Message != "":
		p.log.Info("embedder: "+ev.Message, slog.String("state", ev.State.String()))
	default:
		p.log.Info("embedder: state changed", slog.String("state", ev.State.String()))
	}
	if p.cfg.OnEvent != nil {
		p.cfg.OnEvent(ev)
	}
}
