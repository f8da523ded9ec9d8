package chunker

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/54b3r/ragcore/internal/rag"
)

func collect(c *Chunker, doc rag.Document) []rag.Chunk {
	return slices.Collect(c.Chunk(doc))
}

func TestChunk_EmptyAndWhitespace(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	for _, content := range []string{"", "   ", "\n\n\t \n"} {
		if got := collect(c, rag.Document{ID: "d", Content: content}); len(got) != 0 {
			t.Errorf("content %q: want 0 chunks, got %d", content, len(got))
		}
	}
}

func TestChunk_ShortDocumentSingleChunk(t *testing.T) {
	t.Parallel()

	doc := rag.Document{ID: "d1", SourcePath: "a.txt", Content: "one\ntwo\nthree\n"}
	got := collect(New(Config{}), doc)
	if len(got) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(got))
	}
	ch := got[0]
	if ch.Text != doc.Content {
		t.Errorf("want whole content, got %q", ch.Text)
	}
	if ch.StartOffset != 0 || ch.EndOffset != len(doc.Content) {
		t.Errorf("offsets: want [0,%d), got [%d,%d)", len(doc.Content), ch.StartOffset, ch.EndOffset)
	}
	if ch.Lines == nil || ch.Lines.Start != 1 || ch.Lines.End != 3 {
		t.Errorf("want lines 1-3, got %+v", ch.Lines)
	}
	if ch.SourcePath != "a.txt" || ch.DocumentID != "d1" {
		t.Errorf("metadata not propagated: %+v", ch)
	}
	if ch.ID != ChunkID("d1", 0) {
		t.Errorf("want deterministic id, got %s", ch.ID)
	}
}

// TestChunk_WindowFormula covers a 12,000 character document with the default
// 500/50 token settings and no newlines, so every cut is a hard cut.
func TestChunk_WindowFormula(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("abcdefghij", 1200)
	c := New(Config{WindowTokens: 500, OverlapTokens: 50})
	got := collect(c, rag.Document{ID: "big", Content: content})

	window, overlap := c.WindowBytes(), c.OverlapBytes()
	stride := window - overlap
	want := 1 + (len(content)-window+stride-1)/stride
	if len(got) != want {
		t.Fatalf("want %d chunks, got %d", want, len(got))
	}

	for i := 0; i < len(got)-1; i++ {
		cur, next := got[i], got[i+1]
		if len(cur.Text) != window {
			t.Errorf("chunk %d: want %d bytes, got %d", i, window, len(cur.Text))
		}
		if next.StartOffset != cur.EndOffset-overlap {
			t.Errorf("chunk %d: want next start %d, got %d", i, cur.EndOffset-overlap, next.StartOffset)
		}
		if cur.Text[len(cur.Text)-overlap:] != next.Text[:overlap] {
			t.Errorf("chunk %d: overlap text differs", i)
		}
		if cur.TokenCount != 500 {
			t.Errorf("chunk %d: want 500 tokens, got %d", i, cur.TokenCount)
		}
	}

	last, prev := got[len(got)-1], got[len(got)-2]
	if len(last.Text) >= window {
		t.Errorf("last chunk should be shorter than the window, got %d", len(last.Text))
	}
	if last.EndOffset != len(content) {
		t.Errorf("last chunk should end at %d, got %d", len(content), last.EndOffset)
	}
	if last.EndOffset-prev.EndOffset <= 0 {
		t.Error("last chunk is fully covered by the previous chunk's overlap")
	}
}

func TestChunk_PrefersNewlineBoundary(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("x", 69) + "\n"
	content := strings.Repeat(line, 100)
	got := collect(New(Config{}), rag.Document{ID: "d", Content: content})
	if len(got) < 2 {
		t.Fatalf("want several chunks, got %d", len(got))
	}
	for i, ch := range got[:len(got)-1] {
		if !strings.HasSuffix(ch.Text, "\n") {
			t.Errorf("chunk %d does not end on a newline", i)
		}
	}
	if got[0].EndOffset != 28*70 {
		t.Errorf("want first cut at %d, got %d", 28*70, got[0].EndOffset)
	}
}

func TestChunk_LineRanges(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("y", 69) + "\n"
	content := strings.Repeat(line, 100)
	got := collect(New(Config{}), rag.Document{ID: "d", Content: content})

	first := got[0]
	if first.Lines.Start != 1 || first.Lines.End != 28 {
		t.Errorf("first chunk: want lines 1-28, got %s", first.Lines)
	}
	second := got[1]
	// Overlap of 200 bytes starts inside line 26.
	if second.Lines.Start != 26 {
		t.Errorf("second chunk: want start line 26, got %d", second.Lines.Start)
	}
}

func TestChunk_UTF8Safe(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("héllo wörld ", 50)
	got := collect(New(Config{WindowTokens: 3, OverlapTokens: 1}), rag.Document{ID: "u", Content: content})
	if len(got) < 10 {
		t.Fatalf("want many chunks, got %d", len(got))
	}
	for i, ch := range got {
		if !utf8.ValidString(ch.Text) {
			t.Fatalf("chunk %d splits a rune: %q", i, ch.Text)
		}
	}
}

func TestChunk_TrailingWhitespace(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		tail    string
		window  int
		overlap int
	}{
		{name: "short tail past window", body: strings.Repeat("a", 40), tail: "\n   \n\n", window: 10, overlap: 2},
		{name: "long newline tail", body: strings.Repeat("word ", 300), tail: strings.Repeat("\n", 6000), window: 500, overlap: 50},
		{name: "mixed whitespace tail", body: strings.Repeat("x", 100) + "\n" + strings.Repeat("y", 100), tail: strings.Repeat(" \t\n", 500), window: 20, overlap: 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := New(Config{WindowTokens: tc.window, OverlapTokens: tc.overlap})
			content := tc.body + tc.tail
			got := collect(c, rag.Document{ID: "d", Content: content})
			if len(got) == 0 {
				t.Fatal("want chunks, got none")
			}
			for i, ch := range got {
				if len(ch.Text) > c.WindowBytes() {
					t.Errorf("chunk %d: want at most %d bytes, got %d", i, c.WindowBytes(), len(ch.Text))
				}
				if ch.TokenCount > tc.window {
					t.Errorf("chunk %d: want at most %d tokens, got %d", i, tc.window, ch.TokenCount)
				}
			}
			final := got[len(got)-1]
			if want := len(strings.TrimRight(tc.body, " ")); final.EndOffset != want {
				t.Errorf("want final chunk to end at %d, got %d", want, final.EndOffset)
			}
			if trimmed := strings.TrimRight(final.Text, " \t\n"); trimmed != final.Text {
				t.Errorf("want final chunk without trailing whitespace, got %q", final.Text)
			}
		})
	}
}

func TestChunk_RestartableAndAbandonable(t *testing.T) {
	t.Parallel()

	c := New(Config{WindowTokens: 10, OverlapTokens: 2})
	doc := rag.Document{ID: "r", Content: strings.Repeat("lorem ipsum ", 40)}
	seq := c.Chunk(doc)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	if len(first) != len(second) {
		t.Fatalf("restart produced %d chunks, first pass %d", len(second), len(first))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Text != second[i].Text {
			t.Fatalf("chunk %d differs between passes", i)
		}
	}

	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("want early exit after 2, got %d", n)
	}
}

func TestChunk_OverlapClamped(t *testing.T) {
	t.Parallel()

	c := New(Config{WindowTokens: 100, OverlapTokens: 200})
	if c.OverlapBytes() != 10*4 {
		t.Errorf("want overlap clamped to 40 bytes, got %d", c.OverlapBytes())
	}
	if New(Config{OverlapTokens: -1}).OverlapBytes() != 0 {
		t.Error("negative overlap should disable overlap")
	}
}

func TestChunk_MarkdownHeadings(t *testing.T) {
	t.Parallel()

	content := "# Guide\n\nintro\n\n## Install\n\n" + strings.Repeat("step line here\n", 300)
	doc := rag.Document{ID: "md", SourcePath: "docs/guide.md", Content: content}

	got := collect(New(Config{Headings: true}), doc)
	if len(got) < 2 {
		t.Fatalf("want at least 2 chunks, got %d", len(got))
	}
	if h := got[0].Attributes[AttrHeading]; h != "# Guide" {
		t.Errorf("first chunk heading: want %q, got %q", "# Guide", h)
	}
	if h := got[1].Attributes[AttrHeading]; h != "# Guide > ## Install" {
		t.Errorf("second chunk heading: want %q, got %q", "# Guide > ## Install", h)
	}

	plain := collect(New(Config{Headings: true}), rag.Document{ID: "go", SourcePath: "main.go", Content: content})
	if plain[0].Attributes != nil {
		t.Errorf("non-markdown document should not carry headings, got %v", plain[0].Attributes)
	}
	off := collect(New(Config{}), doc)
	if off[0].Attributes != nil {
		t.Errorf("headings disabled, got %v", off[0].Attributes)
	}
}

func TestIsMarkdown(t *testing.T) {
	t.Parallel()

	cases := []struct {
		doc  rag.Document
		want bool
	}{
		{rag.Document{SourcePath: "README.md"}, true},
		{rag.Document{SourcePath: "notes.MARKDOWN"}, true},
		{rag.Document{SourcePath: "x", ContentType: "text/markdown"}, true},
		{rag.Document{SourcePath: "main.go"}, false},
	}
	for _, tc := range cases {
		if got := IsMarkdown(tc.doc); got != tc.want {
			t.Errorf("IsMarkdown(%+v) = %v, want %v", tc.doc, got, tc.want)
		}
	}
}
