// Package catalog provides a SQLite-backed record of every document version
// ingested into the index. The index itself lives in memory and in its
// snapshot file; the catalog answers "what was indexed, when, and from which
// content" across restarts and drives rebuilds.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Status is the outcome recorded for a document version.
type Status string

const (
	// StatusIndexed means every chunk of the version was committed.
	StatusIndexed Status = "indexed"
	// StatusPartial means ingestion stopped after committing some chunks.
	StatusPartial Status = "partial"
	// StatusFailed means nothing of the version was committed.
	StatusFailed Status = "failed"
	// StatusRemoved means the document was removed from the index.
	StatusRemoved Status = "removed"
)

// Record is one ingested document version.
type Record struct {
	// ID is the document id of this version.
	ID string `json:"id"`
	// SourcePath is the caller's stable identifier for the document.
	SourcePath string `json:"sourcePath"`
	// ContentType is the document's MIME-like label.
	ContentType string `json:"contentType"`
	// ContentHash is the hex SHA-256 of the document content.
	ContentHash string `json:"contentHash"`
	// Version is the per-SourcePath revision number, starting at 1.
	Version int `json:"version"`
	// ChunkCount is the number of chunks committed.
	ChunkCount int `json:"chunkCount"`
	// Tokens is the summed token estimate of the committed chunks.
	Tokens int `json:"tokens"`
	// Status is the ingestion outcome.
	Status Status `json:"status"`
	// IndexedAt is when the record was written.
	IndexedAt time.Time `json:"indexedAt"`
}

// HashContent returns the hex SHA-256 of content, the form stored in
// Record.ContentHash.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Catalog is a document catalog backed by a local SQLite database. It is safe
// for concurrent use.
type Catalog struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the catalog database.
// It resolves to ~/.ragcore/catalog.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("catalog: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragcore")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("catalog: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "catalog.db"), nil
}

// Open opens (or creates) a Catalog at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Catalog, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent
	// writes. It also keeps a ":memory:" database alive for the pool's lifetime.
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// migrate creates the schema if it does not already exist.
func (c *Catalog) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
    id            TEXT    PRIMARY KEY,
    source_path   TEXT    NOT NULL,
    content_type  TEXT    NOT NULL,
    content_hash  TEXT    NOT NULL,
    version       INTEGER NOT NULL,
    chunk_count   INTEGER NOT NULL,
    tokens        INTEGER NOT NULL,
    status        TEXT    NOT NULL CHECK(status IN ('indexed','partial','failed','removed')),
    indexed_at    INTEGER NOT NULL  -- Unix timestamp (milliseconds)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_source_version
    ON documents (source_path, version);
`
	if _, err := c.db.Exec(ddl); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// NextVersion returns the version number the next ingest of sourcePath
// should carry.
func (c *Catalog) NextVersion(ctx context.Context, sourcePath string) (int, error) {
	const q = `SELECT COALESCE(MAX(version), 0) + 1 FROM documents WHERE source_path = ?`
	var v int
	if err := c.db.QueryRowContext(ctx, q, sourcePath).Scan(&v); err != nil {
		return 0, fmt.Errorf("catalog: next version: %w", err)
	}
	return v, nil
}

// Put stores rec. IndexedAt defaults to now.
func (c *Catalog) Put(ctx context.Context, rec Record) error {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	const q = `
INSERT INTO documents (id, source_path, content_type, content_hash, version, chunk_count, tokens, status, indexed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := c.db.ExecContext(ctx, q,
		rec.ID, rec.SourcePath, rec.ContentType, rec.ContentHash, rec.Version,
		rec.ChunkCount, rec.Tokens, string(rec.Status), rec.IndexedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("catalog: put %s v%d: %w", rec.SourcePath, rec.Version, err)
	}
	return nil
}

// Latest returns the newest record for sourcePath. ok is false when the path
// was never ingested.
func (c *Catalog) Latest(ctx context.Context, sourcePath string) (rec Record, ok bool, err error) {
	const q = selectColumns + `
FROM   documents
WHERE  source_path = ?
ORDER  BY version DESC
LIMIT  1`
	rows, err := c.db.QueryContext(ctx, q, sourcePath)
	if err != nil {
		return Record{}, false, fmt.Errorf("catalog: latest: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, false, fmt.Errorf("catalog: latest: %w", err)
	}
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[0], true, nil
}

// List returns the newest record of every source path, ordered by path.
// Removed documents are included only when withRemoved is set.
func (c *Catalog) List(ctx context.Context, withRemoved bool) ([]Record, error) {
	const q = selectColumns + `
FROM   documents d
WHERE  version = (SELECT MAX(version) FROM documents WHERE source_path = d.source_path)
  AND  (? OR status != 'removed')
ORDER  BY source_path ASC`
	rows, err := c.db.QueryContext(ctx, q, withRemoved)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return recs, nil
}

// History returns every record of sourcePath, oldest first.
func (c *Catalog) History(ctx context.Context, sourcePath string) ([]Record, error) {
	const q = selectColumns + `
FROM   documents
WHERE  source_path = ?
ORDER  BY version ASC`
	rows, err := c.db.QueryContext(ctx, q, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("catalog: history: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("catalog: history: %w", err)
	}
	return recs, nil
}

// ErrNotFound is returned by MarkRemoved for a path with no records.
var ErrNotFound = errors.New("catalog: document not found")

// MarkRemoved appends a removed record for sourcePath so the removal is part
// of its history.
func (c *Catalog) MarkRemoved(ctx context.Context, sourcePath string) error {
	latest, ok, err := c.Latest(ctx, sourcePath)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if latest.Status == StatusRemoved {
		return nil
	}
	latest.ID = latest.ID + ":removed"
	latest.Version++
	latest.ChunkCount = 0
	latest.Tokens = 0
	latest.Status = StatusRemoved
	latest.IndexedAt = time.Time{}
	return c.Put(ctx, latest)
}

// Close releases the database connection pool.
func (c *Catalog) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("catalog: close: %w", err)
	}
	return nil
}

const selectColumns = `
SELECT id, source_path, content_type, content_hash, version, chunk_count, tokens, status, indexed_at`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r      Record
			status string
			ts     int64
		)
		if err := rows.Scan(&r.ID, &r.SourcePath, &r.ContentType, &r.ContentHash, &r.Version,
			&r.ChunkCount, &r.Tokens, &status, &ts); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.Status = Status(status)
		r.IndexedAt = time.UnixMilli(ts)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
