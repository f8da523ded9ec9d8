package rag

import (
	"fmt"
	"time"
)

// Document is a unit of text submitted for indexing. A Document is immutable
// once chunked; re-indexing the same SourcePath produces a new Document with a
// new ID and a higher Version.
type Document struct {
	// ID uniquely identifies this version of the document.
	ID string

	// SourcePath is the stable identifier supplied by the caller (usually a
	// file path). Re-ingesting a SourcePath replaces its previous chunks.
	SourcePath string

	// Content is the raw document text.
	Content string

	// ContentType is a MIME-like label (e.g. "text/markdown", "text/x-go").
	ContentType string

	// Timestamp is when the document was submitted.
	Timestamp time.Time

	// Version is the per-SourcePath revision number, starting at 1.
	Version int
}

// LineRange is an inclusive, 1-based range of lines within a document.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// String renders the range as "a-b", or "a" for single-line ranges.
func (r LineRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Chunk is a bounded, overlapping slice of a Document's text. It is the unit
// of indexing and retrieval.
type Chunk struct {
	// ID is deterministic for a given document ID and chunk index.
	ID string

	// DocumentID is the ID of the owning Document.
	DocumentID string

	// SourcePath and ContentType are copied from the owning Document so that
	// results can be cited and filtered without a document lookup.
	SourcePath  string
	ContentType string

	// Index is the position of the chunk within its document.
	Index int

	// Text is the chunk content.
	Text string

	// TokenCount is the estimated token count of Text.
	TokenCount int

	// StartOffset and EndOffset are byte offsets into Document.Content.
	// EndOffset is exclusive.
	StartOffset int
	EndOffset   int

	// Lines is the line range covered by the chunk, when known.
	Lines *LineRange

	// Attributes holds derived metadata such as the markdown heading path.
	Attributes map[string]string
}

// AttrHeading is the Chunk.Attributes key holding the markdown heading path
// in force at the chunk start, e.g. "# Guide > ## Install".
const AttrHeading = "heading"

// IndexEntry is a chunk together with its embedding, as stored by the index.
type IndexEntry struct {
	// Chunk carries the entry metadata. Chunk.ID is the entry key.
	Chunk Chunk

	// Embedding is the fixed-dimension vector for Chunk.Text.
	Embedding []float32

	// EstimatedBytes is the deterministic memory estimate charged against the
	// memory budget while the entry is resident.
	EstimatedBytes int64
}

// ID returns the chunk id the entry is keyed by.
func (e IndexEntry) ID() string { return e.Chunk.ID }

// SearchResult is a single ranked hit produced by an index query.
type SearchResult struct {
	ChunkID       string     `json:"chunkId"`
	DocumentID    string     `json:"documentId"`
	SourcePath    string     `json:"sourcePath"`
	Text          string     `json:"text"`
	TokenCount    int        `json:"tokenCount"`
	Lines         *LineRange `json:"lineRange,omitempty"`
	SemanticScore float64    `json:"semanticScore"`
	LexicalScore  float64    `json:"lexicalScore"`
	CombinedScore float64    `json:"combinedScore"`
}

// Citation maps an included chunk back to where it came from.
type Citation struct {
	ChunkID        string     `json:"chunkId"`
	SourcePath     string     `json:"sourcePath"`
	Lines          *LineRange `json:"lineRange,omitempty"`
	RelevanceScore float64    `json:"relevanceScore"`
}

// RetrievedContext is the token-bounded context block handed to a prompt
// builder.
type RetrievedContext struct {
	// ContextText is the formatted context block. Empty when NoContext is set.
	ContextText string `json:"contextText"`

	// Sources lists one citation per included chunk, in inclusion order.
	Sources []Citation `json:"sources"`

	// TokenCount is the summed token estimate of the included chunks.
	TokenCount int `json:"tokenCount"`

	// NoContext is true when nothing relevant was found (or retrieval failed
	// and degraded). Callers must check it rather than ContextText == "".
	NoContext bool `json:"noContext"`

	// Degraded is true when NoContext was caused by a retrieval failure
	// rather than an empty result set.
	Degraded bool `json:"degraded,omitempty"`
}

// MemoryLevel is the coarse pressure level reported by the memory monitor.
type MemoryLevel string

const (
	MemoryHealthy  MemoryLevel = "healthy"
	MemoryWarning  MemoryLevel = "warning"
	MemoryCritical MemoryLevel = "critical"
)

// MemoryStatus is a point-in-time view of memory budget usage.
type MemoryStatus struct {
	UsedBytes   int64       `json:"usedBytes"`
	BudgetBytes int64       `json:"budgetBytes"`
	PercentUsed float64     `json:"percentUsed"`
	Level       MemoryLevel `json:"level"`
}
