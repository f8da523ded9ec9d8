// Package rag defines the shared data model of the retrieval engine:
// documents, chunks, index entries, search results and the assembled context
// handed to a prompt builder. Concrete components (chunker, embedder, index,
// persistence) depend on these types so they never depend on each other's
// internals.
package rag

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -destination=mocks/mock_embedder.go -package=mocks github.com/54b3r/ragcore/internal/rag Embedder

import (
	"context"
)

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever is the high-level interface used by a prompt builder to fetch
// relevant context for a given query.
type Retriever interface {
	// RetrieveContext returns a token-bounded context block for query.
	// It never fails: retrieval problems degrade to a context with NoContext set.
	RetrieveContext(ctx context.Context, query string, maxTokens int) RetrievedContext
}
