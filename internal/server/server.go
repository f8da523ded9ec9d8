// Package server implements the local HTTP adapter that exposes the
// retrieval engine as JSON endpoints. It adds no retrieval semantics of its
// own. The server is started by the `ragcore serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/rag"
	"github.com/54b3r/ragcore/internal/retrieval"
	"github.com/54b3r/ragcore/internal/version"
)

const defaultMaxBodyBytes = 8 << 20

// New constructs a Server over the provided engine.
func New(eng engine, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("server: engine must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		engine:  eng,
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}

	if cfg.APIKey == "" {
		log.Warn("server: authentication disabled, set RAGCORE_API_KEY to protect /api routes")
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stop
	protect := func(h http.HandlerFunc) http.Handler {
		return rl.middleware(authMiddleware(cfg.APIKey, h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/ingest", protect(s.handleIngest))
	mux.Handle("POST /api/context", protect(s.handleContext))
	mux.Handle("POST /api/search", protect(s.handleSearch))
	mux.Handle("DELETE /api/documents", protect(s.handleRemove))
	mux.Handle("GET /api/memory", protect(s.handleMemory))
	mux.Handle("GET /api/stats", protect(s.handleStats))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, s.instrument(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleIngest handles POST /api/ingest. Partial commits are reported with
// the stage that failed and the chunk ids already indexed.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SourcePath) == "" {
		writeJSONError(w, "sourcePath is required", http.StatusBadRequest)
		return
	}

	rep, err := s.engine.Ingest(r.Context(), rag.Document{
		SourcePath:  req.SourcePath,
		Content:     req.Content,
		ContentType: req.ContentType,
	})
	resp := ingestResponse{Report: rep}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		var ie *rag.IngestError
		if errors.As(err, &ie) {
			resp.Stage = string(ie.Stage)
			resp.Committed = ie.Committed
		}
		status = statusFor(err)
	}
	s.metrics.ingestTotal.WithLabelValues(ingestOutcome(rep, err)).Inc()
	writeJSON(w, r, status, resp)
}

// handleContext handles POST /api/context. It always answers 200: retrieval
// failures come back as a context with noContext and degraded set.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decode(w, r, &req) {
		return
	}
	rc := s.engine.BuildContext(r.Context(), req.Query, retrieval.ContextOptions{
		RetrieveOptions: req.RetrieveOptions,
		MaxTokens:       req.MaxTokens,
	})

	outcome := "context"
	switch {
	case rc.Degraded:
		outcome = "degraded"
	case rc.NoContext:
		outcome = "no_context"
	}
	s.metrics.contextTotal.WithLabelValues(outcome).Inc()
	writeJSON(w, r, http.StatusOK, rc)
}

// handleSearch handles POST /api/search and returns the ranked hits.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSONError(w, "query is required", http.StatusBadRequest)
		return
	}
	results, err := s.engine.Retrieve(r.Context(), req.Query, req.RetrieveOptions)
	if err != nil {
		logging.FromContext(r.Context()).Warn("search failed", slog.Any("error", err))
		writeJSONError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, r, http.StatusOK, searchResponse{Results: results})
}

// handleRemove handles DELETE /api/documents?sourcePath=... Removing an
// unknown path succeeds with an empty list.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("sourcePath")
	if strings.TrimSpace(path) == "" {
		writeJSONError(w, "sourcePath query parameter is required", http.StatusBadRequest)
		return
	}
	ids, err := s.engine.RemoveDocument(r.Context(), path)
	if err != nil {
		writeJSONError(w, err.Error(), statusFor(err))
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, r, http.StatusOK, removeResponse{SourcePath: path, Removed: ids})
}

// handleMemory handles GET /api/memory.
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.engine.MemoryStatus())
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.engine.Stats())
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// decode reads a JSON body into dst, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSONError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps the retrieval error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var ie *rag.IngestError
	switch {
	case errors.As(err, &ie) && ie.Stage == rag.StageChunk:
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrMemoryBudgetExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, rag.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, rag.ErrSearchTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

func ingestOutcome(rep retrieval.IngestReport, err error) string {
	switch {
	case err == nil && rep.Skipped:
		return "skipped"
	case err == nil:
		return "ok"
	case rep.Chunks > 0:
		return "partial"
	default:
		return "error"
	}
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}

// writeJSONError writes a JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
