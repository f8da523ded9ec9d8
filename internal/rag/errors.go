package rag

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the retrieval error taxonomy. Use errors.Is to match;
// the typed errors below wrap these.
var (
	// ErrEmbeddingUnavailable means the embedding model failed to load or an
	// inference call failed. Recoverable by retrying.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrDimensionMismatch means a vector's length differs from the index
	// dimension. This is a configuration error and is never coerced.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrMemoryBudgetExceeded means an add was rejected by admission control.
	ErrMemoryBudgetExceeded = errors.New("memory budget exceeded")

	// ErrIndexCorrupted means a snapshot failed validation at load time.
	ErrIndexCorrupted = errors.New("index corrupted")

	// ErrSearchTimeout means a query exceeded its time budget.
	ErrSearchTimeout = errors.New("search timeout")

	// ErrPersistence means a snapshot write failed. The previous snapshot on
	// disk is left intact.
	ErrPersistence = errors.New("persistence error")
)

// DimensionError reports a vector whose length does not match the index.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: want %d, got %d", ErrDimensionMismatch, e.Want, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// BudgetError reports a rejected add together with the usage at the time of
// the rejection so callers can decide whether to evict or skip.
type BudgetError struct {
	ChunkID   string
	Requested int64
	Status    MemoryStatus
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s: chunk %s needs %d bytes, %d/%d used (%.1f%%, %s)",
		ErrMemoryBudgetExceeded, e.ChunkID, e.Requested,
		e.Status.UsedBytes, e.Status.BudgetBytes, e.Status.PercentUsed, e.Status.Level)
}

func (e *BudgetError) Unwrap() error { return ErrMemoryBudgetExceeded }

// IngestStage names the step at which document ingestion stopped.
type IngestStage string

const (
	StageChunk   IngestStage = "chunk"
	StageEmbed   IngestStage = "embed"
	StageIndex   IngestStage = "index"
	StagePersist IngestStage = "persist"
	StageCancel  IngestStage = "cancelled"
)

// IngestError reports a document whose ingestion did not complete. Committed
// lists the chunk ids that were added to the index before the failure, so a
// caller can retry just this document.
type IngestError struct {
	SourcePath string
	Stage      IngestStage
	Committed  []string
	Err        error
}

func (e *IngestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ingest %s: %s failed", e.SourcePath, e.Stage)
	if len(e.Committed) > 0 {
		fmt.Fprintf(&b, " after committing %d chunk(s)", len(e.Committed))
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *IngestError) Unwrap() error { return e.Err }
