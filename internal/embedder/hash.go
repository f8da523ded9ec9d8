package embedder

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/54b3r/ragcore/internal/rag"
)

// DefaultHashDimensions is the vector size of the local hashing embedder.
const DefaultHashDimensions = 384

// bigramWeight scales word-pair features relative to single words.
const bigramWeight = 0.5

// HashEmbedder is a deterministic, model-free embedder. Each word and each
// adjacent word pair is hashed into one of dim buckets with a hash-derived
// sign, and the result is L2-normalised. It needs no download and gives
// reasonable lexical-semantic similarity for code and notes.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder constructs a HashEmbedder producing dim-length vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultHashDimensions
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the vector length.
func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed converts a batch of texts into their corresponding embeddings.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dim)
	terms := rag.Terms(text)
	for i, t := range terms {
		h.add(v, t, 1)
		if i > 0 {
			h.add(v, terms[i-1]+" "+t, bigramWeight)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func (h *HashEmbedder) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := sum % uint64(h.dim)
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}
