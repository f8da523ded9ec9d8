// Package chunker splits documents into bounded, overlapping token windows.
//
// Token windows are converted to byte windows with the same 4-chars-per-token
// heuristic the context assembler uses, so a chunk's TokenCount and the
// assembler's budget always agree. Cuts prefer the last newline in the back
// half of a window and fall back to a hard cut aligned to a UTF-8 boundary.
package chunker

import (
	"crypto/sha256"
	"fmt"
	"iter"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/54b3r/ragcore/internal/budget"
	"github.com/54b3r/ragcore/internal/rag"
)

const (
	// DefaultWindowTokens is the target chunk size in tokens.
	DefaultWindowTokens = 500
	// DefaultOverlapTokens is the overlap between consecutive chunks in tokens.
	DefaultOverlapTokens = 50
)

// AttrHeading is the chunk attribute holding the markdown heading path.
const AttrHeading = rag.AttrHeading

// Config holds the chunking parameters.
type Config struct {
	// WindowTokens is the target chunk size. Defaults to 500 if zero.
	WindowTokens int

	// OverlapTokens is the overlap between consecutive chunks. Defaults to 50
	// if zero; negative disables overlap. Values >= WindowTokens are reduced
	// to WindowTokens/10.
	OverlapTokens int

	// Headings enables markdown heading-path annotation for markdown documents.
	Headings bool
}

// Chunker produces chunks for documents. It holds no per-document state and
// is safe for concurrent use.
type Chunker struct {
	window   int
	overlap  int
	headings bool
}

// New constructs a Chunker from cfg, applying defaults.
func New(cfg Config) *Chunker {
	if cfg.WindowTokens <= 0 {
		cfg.WindowTokens = DefaultWindowTokens
	}
	switch {
	case cfg.OverlapTokens == 0:
		cfg.OverlapTokens = DefaultOverlapTokens
	case cfg.OverlapTokens < 0:
		cfg.OverlapTokens = 0
	}
	if cfg.OverlapTokens >= cfg.WindowTokens {
		cfg.OverlapTokens = cfg.WindowTokens / 10
	}
	return &Chunker{
		window:   cfg.WindowTokens * budget.CharsPerToken,
		overlap:  cfg.OverlapTokens * budget.CharsPerToken,
		headings: cfg.Headings,
	}
}

// WindowBytes and OverlapBytes report the effective byte window.
func (c *Chunker) WindowBytes() int  { return c.window }
func (c *Chunker) OverlapBytes() int { return c.overlap }

// Chunk returns the chunks of doc as a lazy sequence. Each range over the
// sequence recomputes from the start, and abandoning iteration early has no
// side effects. Empty or whitespace-only documents yield nothing.
func (c *Chunker) Chunk(doc rag.Document) iter.Seq[rag.Chunk] {
	return func(yield func(rag.Chunk) bool) {
		text := doc.Content
		if strings.TrimSpace(text) == "" {
			return
		}

		lines := newLineIndex(text)
		var heads []heading
		if c.headings && IsMarkdown(doc) {
			heads = markdownHeadings([]byte(text))
		}

		index := 0
		start := 0
		for start < len(text) {
			end := c.cut(text, start)
			last := end == len(text)
			if !last && strings.TrimSpace(text[end:]) == "" {
				// Only whitespace remains past the window: end here rather
				// than emit an overlap-only chunk, and drop the whitespace
				// so it is not charged as tokens.
				last = true
				end = start + len(strings.TrimRightFunc(text[start:end], unicode.IsSpace))
			}

			if body := text[start:end]; strings.TrimSpace(body) != "" {
				ch := rag.Chunk{
					ID:          ChunkID(doc.ID, index),
					DocumentID:  doc.ID,
					SourcePath:  doc.SourcePath,
					ContentType: doc.ContentType,
					Index:       index,
					Text:        body,
					TokenCount:  budget.Estimate(body),
					StartOffset: start,
					EndOffset:   end,
					Lines:       &rag.LineRange{Start: lines.lineAt(start), End: lines.lineAt(end - 1)},
				}
				if path := headingAt(heads, start, end); path != "" {
					ch.Attributes = map[string]string{AttrHeading: path}
				}
				if !yield(ch) {
					return
				}
				index++
			}

			if last {
				return
			}
			next := alignForward(text, end-c.overlap)
			if next <= start {
				next = end
			}
			start = next
		}
	}
}

// cut returns the exclusive end offset of the window beginning at start.
func (c *Chunker) cut(text string, start int) int {
	end := start + c.window
	if end >= len(text) {
		return len(text)
	}
	floor := start + c.window/2
	if nl := strings.LastIndexByte(text[floor:end], '\n'); nl >= 0 {
		return floor + nl + 1
	}
	return alignBack(text, start, end)
}

// alignBack moves end backwards onto a rune boundary, never past start.
func alignBack(text string, start, end int) int {
	for i := 0; i < utf8.UTFMax-1 && end > start+1 && !utf8.RuneStart(text[end]); i++ {
		end--
	}
	return end
}

// alignForward moves off onto the next rune boundary.
func alignForward(text string, off int) int {
	if off < 0 {
		return 0
	}
	for off < len(text) && !utf8.RuneStart(text[off]) {
		off++
	}
	return off
}

// ChunkID generates a deterministic ID for a chunk from its document ID and
// chunk index.
func ChunkID(documentID string, index int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", documentID, index)))
	return fmt.Sprintf("%x", h[:16])
}

// IsMarkdown reports whether doc should be parsed as markdown.
func IsMarkdown(doc rag.Document) bool {
	if doc.ContentType == "text/markdown" {
		return true
	}
	p := strings.ToLower(doc.SourcePath)
	return strings.HasSuffix(p, ".md") || strings.HasSuffix(p, ".markdown")
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(text string) lineIndex {
	var nl lineIndex
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			nl = append(nl, i)
		}
	}
	return nl
}

// lineAt returns the line containing byte off.
func (li lineIndex) lineAt(off int) int {
	return 1 + sort.SearchInts(li, off)
}
