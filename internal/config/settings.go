package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Defaults for Settings.
const (
	DefaultChunkTokens      = 500
	DefaultChunkOverlap     = 50
	DefaultMemoryBudgetMB   = 256
	DefaultSemanticWeight   = 0.7
	DefaultLexicalWeight    = 0.3
	DefaultMinLexicalCorpus = 5
	DefaultTopK             = 5
	DefaultQueryTimeout     = 5 * time.Second
	DefaultMaxContextTokens = 4000
	DefaultServerPort       = 8080
	DefaultQdrantPort       = 6334
	DefaultQdrantCollection = "ragcore"

	// Disabled turns off an optional store when used as its path.
	Disabled = "disabled"
)

// Settings is the typed engine configuration resolved from the environment.
type Settings struct {
	ChunkTokens       int
	ChunkOverlap      int
	MemoryBudgetBytes int64
	SemanticWeight    float64
	LexicalWeight     float64
	MinLexicalCorpus  int
	TopK              int
	MinScore          float64
	QueryTimeout      time.Duration
	MaxContextTokens  int

	// IndexPath is the snapshot file.
	IndexPath string
	// CatalogPath is the SQLite catalog. Empty when disabled.
	CatalogPath string

	Server ServerSettings
	Qdrant QdrantSettings
}

// ServerSettings configures `ragcore serve`.
type ServerSettings struct {
	Host      string
	Port      int
	APIKey    string
	RateLimit float64
	RateBurst int
}

// QdrantSettings configures `ragcore export`.
type QdrantSettings struct {
	Host       string
	Port       int
	Collection string
	APIKey     string
	TLS        bool
}

// DataDir returns ~/.ragcore.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".ragcore"), nil
}

// FromEnv resolves Settings from the environment. Malformed values are
// reported together rather than silently replaced by defaults.
func FromEnv() (Settings, error) {
	p := &envParser{}
	s := Settings{
		ChunkTokens:      p.int("RAG_CHUNK_TOKENS", DefaultChunkTokens),
		ChunkOverlap:     p.int("RAG_CHUNK_OVERLAP", DefaultChunkOverlap),
		SemanticWeight:   p.float("RAG_SEMANTIC_WEIGHT", DefaultSemanticWeight),
		LexicalWeight:    p.float("RAG_LEXICAL_WEIGHT", DefaultLexicalWeight),
		MinLexicalCorpus: p.int("RAG_MIN_LEXICAL_CORPUS", DefaultMinLexicalCorpus),
		TopK:             p.int("RAG_TOP_K", DefaultTopK),
		MinScore:         p.float("RAG_MIN_SCORE", 0),
		QueryTimeout:     p.duration("RAG_QUERY_TIMEOUT", DefaultQueryTimeout),
		MaxContextTokens: p.int("RAG_MAX_CONTEXT_TOKENS", DefaultMaxContextTokens),
		Server: ServerSettings{
			Host:      getEnvOrDefault("RAGCORE_HOST", "127.0.0.1"),
			Port:      p.int("RAGCORE_PORT", DefaultServerPort),
			APIKey:    os.Getenv("RAGCORE_API_KEY"),
			RateLimit: p.float("RAGCORE_RATE_LIMIT", 0),
			RateBurst: p.int("RAGCORE_RATE_BURST", 0),
		},
		Qdrant: QdrantSettings{
			Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
			Port:       p.int("QDRANT_PORT", DefaultQdrantPort),
			Collection: getEnvOrDefault("QDRANT_COLLECTION", DefaultQdrantCollection),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			TLS:        p.bool("QDRANT_TLS", false),
		},
	}
	s.MemoryBudgetBytes = int64(p.int("RAG_MEMORY_BUDGET_MB", DefaultMemoryBudgetMB)) << 20

	s.IndexPath = os.Getenv("RAG_INDEX_PATH")
	s.CatalogPath = os.Getenv("RAG_CATALOG_DB")
	if s.IndexPath == "" || s.CatalogPath == "" {
		dir, err := DataDir()
		if err != nil {
			p.errs = append(p.errs, err)
		} else {
			if s.IndexPath == "" {
				s.IndexPath = filepath.Join(dir, "index.rgx")
			}
			if s.CatalogPath == "" {
				s.CatalogPath = filepath.Join(dir, "catalog.db")
			}
		}
	}
	if s.CatalogPath == Disabled {
		s.CatalogPath = ""
	}

	if err := errors.Join(p.errs...); err != nil {
		return s, err
	}
	return s, s.Validate()
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.ChunkTokens <= 0 {
		errs = append(errs, fmt.Errorf("config: RAG_CHUNK_TOKENS must be positive, got %d", s.ChunkTokens))
	}
	if s.MemoryBudgetBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: RAG_MEMORY_BUDGET_MB must be positive"))
	}
	if s.SemanticWeight < 0 || s.LexicalWeight < 0 || s.SemanticWeight+s.LexicalWeight == 0 {
		errs = append(errs, fmt.Errorf("config: score weights must be non-negative and not both zero, got %v/%v",
			s.SemanticWeight, s.LexicalWeight))
	}
	if s.TopK <= 0 {
		errs = append(errs, fmt.Errorf("config: RAG_TOP_K must be positive, got %d", s.TopK))
	}
	if s.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: RAG_QUERY_TIMEOUT must be positive, got %s", s.QueryTimeout))
	}
	if s.MaxContextTokens <= 0 {
		errs = append(errs, fmt.Errorf("config: RAG_MAX_CONTEXT_TOKENS must be positive, got %d", s.MaxContextTokens))
	}
	return errors.Join(errs...)
}

// envParser collects parse errors so every malformed variable is reported.
type envParser struct {
	errs []error
}

func (p *envParser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: invalid integer %q", key, v))
		return fallback
	}
	return i
}

func (p *envParser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: invalid number %q", key, v))
		return fallback
	}
	return f
}

func (p *envParser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func (p *envParser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
