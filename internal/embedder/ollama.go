package embedder

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// OllamaEmbedder implements rag.Embedder using the Ollama /api/embed endpoint.
// It also implements Loader: the model is looked up with /api/show and pulled
// when missing. It is safe for concurrent use.
type OllamaEmbedder struct {
	// host is the Ollama server base URL (e.g. "http://localhost:11434").
	host string
	// model is the embedding model name (e.g. "nomic-embed-text").
	model string
	// client is used for embed and show calls.
	client *http.Client
	// pullClient has no timeout; model pulls are bounded by the caller's context.
	pullClient *http.Client
}

// OllamaConfig holds the settings for constructing an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the Ollama server base URL (e.g. "http://localhost:11434").
	Host string
	// Model is the embedding model name (e.g. "nomic-embed-text").
	Model string
}

// NewOllamaEmbedder constructs an OllamaEmbedder from the given config.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	return &OllamaEmbedder{
		host:       cfg.Host,
		model:      cfg.Model,
		client:     &http.Client{Timeout: 60 * time.Second},
		pullClient: &http.Client{},
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

type ollamaModelRequest struct {
	Model  string `json:"model"`
	Stream *bool  `json:"stream,omitempty"`
}

type ollamaPullResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Embed converts a batch of texts into their corresponding embeddings.
// The returned slice is parallel to the input slice.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var result ollamaEmbedResponse
	status, err := postJSON(ctx, e.client, e.host+"/api/embed", nil,
		ollamaEmbedRequest{Model: e.model, Input: texts}, &result)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}
	if !statusOK(status) {
		msg := fmt.Sprintf("HTTP %d", status)
		if result.Error != "" {
			msg = result.Error
		}
		return nil, fmt.Errorf("ollama embedder: %s", msg)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

// Load makes sure the model is present on the Ollama server, pulling it if
// needed. progress receives human-readable status lines.
func (e *OllamaEmbedder) Load(ctx context.Context, progress func(string)) error {
	progress(fmt.Sprintf("checking ollama model %s", e.model))
	status, err := postJSON(ctx, e.client, e.host+"/api/show", nil, ollamaModelRequest{Model: e.model}, nil)
	if err != nil {
		return fmt.Errorf("ollama embedder: show %s: %w", e.model, err)
	}
	switch {
	case statusOK(status):
		return nil
	case status != http.StatusNotFound:
		return fmt.Errorf("ollama embedder: show %s: HTTP %d", e.model, status)
	}

	progress(fmt.Sprintf("pulling ollama model %s", e.model))
	stream := false
	var pulled ollamaPullResponse
	status, err = postJSON(ctx, e.pullClient, e.host+"/api/pull", nil,
		ollamaModelRequest{Model: e.model, Stream: &stream}, &pulled)
	if err != nil {
		return fmt.Errorf("ollama embedder: pull %s: %w", e.model, err)
	}
	if !statusOK(status) || pulled.Error != "" {
		msg := fmt.Sprintf("HTTP %d", status)
		if pulled.Error != "" {
			msg = pulled.Error
		}
		return fmt.Errorf("ollama embedder: pull %s: %s", e.model, msg)
	}
	progress(fmt.Sprintf("pulled ollama model %s (%s)", e.model, pulled.Status))
	return nil
}
