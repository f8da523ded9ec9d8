package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragcore/internal/index"
	"github.com/54b3r/ragcore/internal/rag"
	"github.com/54b3r/ragcore/internal/retrieval"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. It must
	// cover the ingestion of the largest accepted document.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// MaxBodyBytes caps request bodies. Defaults to 8 MiB.
	MaxBodyBytes int64
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// engine is the retrieval surface the handlers call. *retrieval.Service
// satisfies it; tests inject a fake.
type engine interface {
	Ingest(ctx context.Context, doc rag.Document) (retrieval.IngestReport, error)
	Retrieve(ctx context.Context, query string, opts retrieval.RetrieveOptions) ([]rag.SearchResult, error)
	BuildContext(ctx context.Context, query string, opts retrieval.ContextOptions) rag.RetrievedContext
	RemoveDocument(ctx context.Context, sourcePath string) ([]string, error)
	MemoryStatus() rag.MemoryStatus
	Stats() index.Stats
}

// Server is the HTTP adapter over a retrieval engine.
type Server struct {
	// engine handles every API operation.
	engine engine
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// ingestRequest is the JSON body for POST /api/ingest.
type ingestRequest struct {
	// SourcePath is the stable document identifier. Re-ingesting it replaces
	// the previous version.
	SourcePath string `json:"sourcePath"`
	// Content is the raw document text.
	Content string `json:"content"`
	// ContentType is an optional MIME-like label (e.g. "text/markdown").
	ContentType string `json:"contentType,omitempty"`
}

// ingestResponse is the JSON response for POST /api/ingest. On failure Error,
// Stage and Committed describe how far ingestion got.
type ingestResponse struct {
	Report    retrieval.IngestReport `json:"report"`
	Error     string                 `json:"error,omitempty"`
	Stage     string                 `json:"stage,omitempty"`
	Committed []string               `json:"committed,omitempty"`
}

// queryRequest is the JSON body for POST /api/context and POST /api/search.
type queryRequest struct {
	// Query is the natural language question.
	Query string `json:"query"`
	// MaxTokens is the context budget (POST /api/context only).
	MaxTokens int `json:"maxTokens,omitempty"`
	retrieval.RetrieveOptions
}

// searchResponse is the JSON response for POST /api/search.
type searchResponse struct {
	Results []rag.SearchResult `json:"results"`
}

// removeResponse is the JSON response for DELETE /api/documents.
type removeResponse struct {
	SourcePath string   `json:"sourcePath"`
	Removed    []string `json:"removed"`
}

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
}
