package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.etcd.io/bbolt"

	"github.com/54b3r/ragcore/internal/rag"
)

var bucketVectors = []byte("vectors")

// Cache is a persistent embedding cache backed by a bbolt file. Entries are
// keyed by a hash of the model name and the exact input text, so a model
// change never serves stale vectors.
type Cache struct {
	db *bbolt.DB
}

// OpenCache opens (or creates) the cache file at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("embedder: open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedder: init cache %s: %w", path, err)
	}
	return &Cache{db: db}, nil
}

// Close releases the cache file.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("embedder: close cache: %w", err)
	}
	return nil
}

// Wrap returns an embedder that serves cached vectors for model and forwards
// misses to next.
func (c *Cache) Wrap(model string, next rag.Embedder) *CachedEmbedder {
	return &CachedEmbedder{cache: c, model: model, next: next}
}

// CachedEmbedder is a rag.Embedder that consults a Cache before calling the
// wrapped backend. It forwards Load to the backend when the backend is a
// Loader.
type CachedEmbedder struct {
	cache *Cache
	model string
	next  rag.Embedder
}

// Embed returns cached vectors where available and embeds the rest in a
// single backend call, storing the new vectors.
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([][]byte, len(texts))
	for i, t := range texts {
		keys[i] = e.key(t)
	}

	var missIdx []int
	err := e.cache.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		for i, k := range keys {
			if v := b.Get(k); v != nil {
				out[i] = decodeVector(v)
			} else {
				missIdx = append(missIdx, i)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: cache read: %w", err)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	missing := make([]string, len(missIdx))
	for j, i := range missIdx {
		missing[j] = texts[i]
	}
	vecs, err := e.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder: backend returned %d embeddings for %d texts", len(vecs), len(missing))
	}

	err = e.cache.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		for j, i := range missIdx {
			out[i] = vecs[j]
			if err := b.Put(keys[i], encodeVector(vecs[j])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: cache write: %w", err)
	}
	return out, nil
}

// Load forwards to the wrapped backend when it needs loading.
func (e *CachedEmbedder) Load(ctx context.Context, progress func(string)) error {
	if l, ok := e.next.(Loader); ok {
		return l.Load(ctx, progress)
	}
	return nil
}

func (e *CachedEmbedder) key(text string) []byte {
	h := sha256.New()
	h.Write([]byte(e.model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum(nil)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// decodeVector copies out of b; bbolt values are only valid inside the
// transaction.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
