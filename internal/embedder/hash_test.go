package embedder

import (
	"context"
	"math"
	"testing"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder_DeterministicAndNormalised(t *testing.T) {
	t.Parallel()

	h := NewHashEmbedder(64)
	vecs, err := h.Embed(context.Background(), []string{"retry the failed upload", "retry the failed upload"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs[0]) != 64 {
		t.Fatalf("want dim 64, got %d", len(vecs[0]))
	}
	for i := range vecs[0] {
		if vecs[0][i] != vecs[1][i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, vecs[0][i], vecs[1][i])
		}
	}
	var norm float64
	for _, x := range vecs[0] {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("want unit norm, got %v", norm)
	}
}

func TestHashEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	t.Parallel()

	h := NewHashEmbedder(DefaultHashDimensions)
	vecs, err := h.Embed(context.Background(), []string{
		"parse the configuration file and validate keys",
		"validate keys in the configuration file",
		"bake bread at high temperature",
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	near := cosine(vecs[0], vecs[1])
	far := cosine(vecs[0], vecs[2])
	if near <= far {
		t.Errorf("want related texts closer: near=%v far=%v", near, far)
	}
}

func TestHashEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	t.Parallel()

	h := NewHashEmbedder(8)
	vecs, err := h.Embed(context.Background(), []string{"the and of"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i, x := range vecs[0] {
		if x != 0 {
			t.Fatalf("want zero vector for stopword-only text, got %v at %d", x, i)
		}
	}
}

func TestHashEmbedder_DefaultDimension(t *testing.T) {
	t.Parallel()

	if got := NewHashEmbedder(0).Dimension(); got != DefaultHashDimensions {
		t.Errorf("want %d, got %d", DefaultHashDimensions, got)
	}
}

func TestHashEmbedder_HonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHashEmbedder(8).Embed(ctx, []string{"x"}); err == nil {
		t.Error("want error for cancelled context, got nil")
	}
}
