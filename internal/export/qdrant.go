// Package export pushes an index snapshot into an external vector database
// so a local knowledge base can be promoted to a shared deployment. Export is
// one-way: the local index stays the source of truth.
package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/ragcore/internal/persist"
	"github.com/54b3r/ragcore/internal/rag"
)

// DefaultBatchSize is the number of points sent per upsert request.
const DefaultBatchSize = 256

// pointNamespace derives stable Qdrant point UUIDs from chunk ids, so
// re-exporting a chunk overwrites its point instead of duplicating it.
var pointNamespace = uuid.MustParse("6f1c2a0e-4b7d-5e8f-9a3c-2d1e0f4b5c6a")

// Payload keys written on every point.
const (
	PayloadChunkID     = "chunk_id"
	PayloadDocumentID  = "document_id"
	PayloadSourcePath  = "source_path"
	PayloadContentType = "content_type"
	PayloadText        = "text"
	PayloadIndex       = "chunk_index"
	PayloadTokens      = "tokens"
	PayloadLineStart   = "line_start"
	PayloadLineEnd     = "line_end"
)

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to write to.
	Collection string

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// BatchSize caps points per upsert. Defaults to DefaultBatchSize.
	BatchSize int
}

// qdrantAPI is the subset of *qdrant.Client the exporter calls.
type qdrantAPI interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Close() error
}

// QdrantExporter writes snapshots into a Qdrant collection.
type QdrantExporter struct {
	// api is the underlying Qdrant gRPC client.
	api qdrantAPI

	// cfg holds the resolved configuration.
	cfg *QdrantConfig

	log *slog.Logger
}

// NewQdrantExporter connects to Qdrant. The collection is created on the
// first Export if it does not exist.
func NewQdrantExporter(cfg *QdrantConfig, log *slog.Logger) (*QdrantExporter, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("export: failed to create qdrant client: %w", err)
	}
	return newQdrantExporter(client, cfg, log)
}

func newQdrantExporter(api qdrantAPI, cfg *QdrantConfig, log *slog.Logger) (*QdrantExporter, error) {
	if cfg.Collection == "" {
		_ = api.Close()
		return nil, fmt.Errorf("export: qdrant collection must not be empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &QdrantExporter{api: api, cfg: cfg, log: log}, nil
}

// PointID returns the Qdrant point UUID for a chunk id.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

// Export upserts every entry of snap, in batches, and returns the number of
// points written. ctx is checked between batches; points already written stay.
// progress, if set, is called after each batch.
func (e *QdrantExporter) Export(ctx context.Context, snap *persist.Snapshot, progress func(done, total int)) (int, error) {
	if err := e.ensureCollection(ctx, snap.Dimension); err != nil {
		return 0, err
	}

	wait := true
	total := len(snap.Entries)
	done := 0
	for start := 0; start < total; start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return done, fmt.Errorf("export: cancelled after %d points: %w", done, err)
		}
		end := min(start+e.cfg.BatchSize, total)

		points := make([]*qdrant.PointStruct, 0, end-start)
		for _, entry := range snap.Entries[start:end] {
			points = append(points, toPoint(entry))
		}
		_, err := e.api.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: e.cfg.Collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return done, fmt.Errorf("export: upsert failed after %d points: %w", done, err)
		}
		done = end
		if progress != nil {
			progress(done, total)
		}
	}

	e.log.Info("export: snapshot exported to qdrant",
		slog.String("collection", e.cfg.Collection),
		slog.Int("points", done),
		slog.Int("dimension", snap.Dimension),
	)
	return done, nil
}

// ensureCollection creates the collection if it does not already exist.
func (e *QdrantExporter) ensureCollection(ctx context.Context, dim int) error {
	exists, err := e.api.CollectionExists(ctx, e.cfg.Collection)
	if err != nil {
		return fmt.Errorf("export: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = e.api.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: e.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("export: failed to create collection %q: %w", e.cfg.Collection, err)
	}
	return nil
}

// toPoint converts an index entry into a Qdrant point.
func toPoint(entry rag.IndexEntry) *qdrant.PointStruct {
	c := entry.Chunk
	payload := map[string]any{
		PayloadChunkID:     c.ID,
		PayloadDocumentID:  c.DocumentID,
		PayloadSourcePath:  c.SourcePath,
		PayloadContentType: c.ContentType,
		PayloadText:        c.Text,
		PayloadIndex:       c.Index,
		PayloadTokens:      c.TokenCount,
	}
	if c.Lines != nil {
		payload[PayloadLineStart] = c.Lines.Start
		payload[PayloadLineEnd] = c.Lines.End
	}
	for k, v := range c.Attributes {
		payload[k] = v
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(c.ID)),
		Vectors: qdrant.NewVectors(entry.Embedding...),
		Payload: qdrant.NewValueMap(payload),
	}
}

// Close closes the underlying Qdrant gRPC connection.
func (e *QdrantExporter) Close() error {
	return e.api.Close()
}
