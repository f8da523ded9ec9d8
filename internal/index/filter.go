package index

import (
	"slices"
	"strings"

	"github.com/54b3r/ragcore/internal/rag"
)

// Filter restricts query candidates before scoring. Every set field must
// match; the zero Filter matches everything.
type Filter struct {
	// SourcePrefix keeps chunks whose SourcePath starts with it.
	SourcePrefix string `json:"sourcePrefix,omitempty"`
	// ContentTypes keeps chunks whose ContentType is one of these.
	ContentTypes []string `json:"contentTypes,omitempty"`
	// DocumentID keeps chunks of one document version.
	DocumentID string `json:"documentId,omitempty"`
	// Attributes keeps chunks carrying every key with exactly this value.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsZero reports whether f matches everything.
func (f Filter) IsZero() bool {
	return f.SourcePrefix == "" && len(f.ContentTypes) == 0 && f.DocumentID == "" && len(f.Attributes) == 0
}

// Match reports whether c passes the filter.
func (f Filter) Match(c rag.Chunk) bool {
	if f.SourcePrefix != "" && !strings.HasPrefix(c.SourcePath, f.SourcePrefix) {
		return false
	}
	if len(f.ContentTypes) > 0 && !slices.Contains(f.ContentTypes, c.ContentType) {
		return false
	}
	if f.DocumentID != "" && c.DocumentID != f.DocumentID {
		return false
	}
	for k, v := range f.Attributes {
		if got, ok := c.Attributes[k]; !ok || got != v {
			return false
		}
	}
	return true
}
