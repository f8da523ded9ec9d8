package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/54b3r/ragcore/internal/rag"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	// Other Ollama models may differ; override with EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
)

// Settings is the resolved embedding backend selection.
type Settings struct {
	// Backend is one of local, ollama, openai, azure.
	Backend string
	// Model is the embedding model (or Azure deployment) name.
	Model string
	// Endpoint is the backend base URL.
	Endpoint string
	// APIKey authenticates against OpenAI or Azure.
	APIKey string
	// APIVersion is the Azure OpenAI API version.
	APIVersion string
	// Dimensions is the fixed vector size for the index.
	Dimensions int
	// BatchSize caps texts per backend call.
	BatchSize int
	// CachePath is the bbolt embedding cache file. Empty disables caching.
	CachePath string
}

// DefaultDimensions returns the default embedding vector size for backend.
// EMBEDDING_DIMENSIONS always takes precedence when set.
func DefaultDimensions(backend string) int {
	if v := getEnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch backend {
	case "local", "":
		return DefaultHashDimensions
	case "ollama":
		return defaultOllamaDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// DefaultCachePath returns ~/.ragcore/embeddings.db, creating the directory.
func DefaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("embedder: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragcore")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("embedder: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "embeddings.db"), nil
}

// SettingsFromEnv resolves Settings from the environment.
//
// Resolution:
//
//  1. EMBEDDING_PROVIDER selects the backend (default: local)
//  2. EMBEDDING_MODEL overrides the backend's default model
//  3. EMBEDDING_API_KEY, then OPENAI_API_KEY / AZURE_OPENAI_API_KEY
//  4. EMBEDDING_ENDPOINT, then OLLAMA_HOST / AZURE_OPENAI_ENDPOINT
//  5. EMBEDDING_DIMENSIONS overrides the default dimensions
//  6. EMBEDDING_CACHE is a path, "disabled", or empty for the default path
//     (the local backend is never cached; it is cheaper than a lookup)
func SettingsFromEnv() (Settings, error) {
	s := Settings{
		Backend:   getEnvOrDefault("EMBEDDING_PROVIDER", "local"),
		BatchSize: getEnvInt("EMBEDDING_BATCH_SIZE", defaultBatchSize),
	}
	s.Dimensions = DefaultDimensions(s.Backend)

	switch s.Backend {
	case "local":
		s.Model = "hash"

	case "ollama":
		s.Endpoint = getEnv("EMBEDDING_ENDPOINT")
		if s.Endpoint == "" {
			s.Endpoint = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
		}
		s.Model = getEnvOrDefault("EMBEDDING_MODEL", defaultOllamaModel)

	case "openai":
		s.APIKey = getEnv("EMBEDDING_API_KEY")
		if s.APIKey == "" {
			s.APIKey = getEnv("OPENAI_API_KEY")
		}
		s.Endpoint = getEnvOrDefault("EMBEDDING_ENDPOINT", "https://api.openai.com/v1")
		s.Model = getEnvOrDefault("EMBEDDING_MODEL", defaultOpenAIModel)

	case "azure":
		s.APIKey = getEnv("EMBEDDING_API_KEY")
		if s.APIKey == "" {
			s.APIKey = getEnv("AZURE_OPENAI_API_KEY")
		}
		s.Endpoint = getEnv("EMBEDDING_ENDPOINT")
		if s.Endpoint == "" {
			s.Endpoint = getEnv("AZURE_OPENAI_ENDPOINT")
		}
		s.APIVersion = getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview")
		s.Model = getEnvOrDefault("EMBEDDING_MODEL", defaultOpenAIModel)

	default:
		return s, fmt.Errorf("embedder: unknown backend %q, valid values: local, ollama, openai, azure", s.Backend)
	}

	if s.Backend != "local" {
		switch cache := getEnv("EMBEDDING_CACHE"); cache {
		case "disabled":
		case "":
			path, err := DefaultCachePath()
			if err != nil {
				return s, err
			}
			s.CachePath = path
		default:
			s.CachePath = cache
		}
	}
	return s, nil
}

// NewBackend constructs the raw backend embedder for s.
func (s Settings) NewBackend() (rag.Embedder, error) {
	switch s.Backend {
	case "local":
		return NewHashEmbedder(s.Dimensions), nil
	case "ollama":
		return NewOllamaEmbedder(&OllamaConfig{Host: s.Endpoint, Model: s.Model}), nil
	case "openai":
		if s.APIKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    s.Endpoint,
			APIKey:     s.APIKey,
			Model:      s.Model,
			Dimensions: s.Dimensions,
		}), nil
	case "azure":
		if s.APIKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if s.Endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    s.Endpoint + "/openai",
			APIKey:     s.APIKey,
			Model:      s.Model,
			Dimensions: s.Dimensions,
			Azure:      true,
			APIVersion: s.APIVersion,
		}), nil
	default:
		return nil, fmt.Errorf("embedder: unknown backend %q", s.Backend)
	}
}

// New builds a Provider for s, wrapping the backend in the embedding cache
// when CachePath is set. The returned close function releases the cache.
func New(s Settings, log *slog.Logger, onEvent func(LoadEvent)) (*Provider, func() error, error) {
	backend, err := s.NewBackend()
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() error { return nil }
	if s.CachePath != "" {
		cache, err := OpenCache(s.CachePath)
		if err != nil {
			// A broken cache only costs re-embedding; carry on without it.
			log.Warn("embedder: cache unavailable, continuing uncached",
				slog.String("path", s.CachePath), slog.Any("error", err))
		} else {
			backend = cache.Wrap(s.Backend+"/"+s.Model, backend)
			closeFn = cache.Close
		}
	}

	p, err := NewProvider(backend, ProviderConfig{
		Name:      s.Backend,
		Dimension: s.Dimensions,
		BatchSize: s.BatchSize,
		OnEvent:   onEvent,
		Logger:    log,
	})
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return p, closeFn, nil
}

// NewFromEnv is SettingsFromEnv followed by New.
func NewFromEnv(log *slog.Logger, onEvent func(LoadEvent)) (*Provider, func() error, error) {
	s, err := SettingsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	return New(s, log, onEvent)
}

// getEnv returns the value of the named environment variable, or empty string.
func getEnv(key string) string {
	return os.Getenv(key)
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
