// Package budget provides token estimation and context assembly for the
// retrieval engine. Because embedding and generation backends use different
// tokenizers, this package uses a conservative character-based heuristic:
// 1 token ≈ 4 characters (English prose and code). The chunker uses the same
// heuristic so chunk token counts and assembly budgets agree.
package budget

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragcore/internal/rag"
)

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English and code.
	charsPerToken = 4

	// DefaultMaxContextTokens is the context budget used when the caller
	// passes zero or a negative value to Build.
	DefaultMaxContextTokens = 4000
)

// CharsPerToken exposes the estimation ratio so the chunker can convert token
// windows into byte windows.
const CharsPerToken = charsPerToken

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// Build assembles a token-bounded context block from search results.
//
// Results are ranked by descending CombinedScore (stable, so equal scores keep
// their input order) and accepted greedily until the next chunk would push the
// total past maxTokens. Assembly stops at that point; lower-ranked chunks are
// never pulled forward to fill the remaining space. When nothing is accepted
// the returned context has NoContext set and an empty, non-nil Sources list.
func Build(results []rag.SearchResult, maxTokens int) rag.RetrievedContext {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}

	ranked := slices.Clone(results)
	slices.SortStableFunc(ranked, func(a, b rag.SearchResult) int {
		return cmp.Compare(b.CombinedScore, a.CombinedScore)
	})

	out := rag.RetrievedContext{Sources: []rag.Citation{}}
	var sb strings.Builder
	for _, r := range ranked {
		cost := r.TokenCount
		if cost <= 0 {
			cost = Estimate(r.Text)
		}
		if out.TokenCount+cost > maxTokens {
			break
		}
		out.TokenCount += cost
		out.Sources = append(out.Sources, rag.Citation{
			ChunkID:        r.ChunkID,
			SourcePath:     r.SourcePath,
			Lines:          r.Lines,
			RelevanceScore: r.CombinedScore,
		})
		writeBlock(&sb, len(out.Sources), r)
	}

	if len(out.Sources) == 0 {
		out.NoContext = true
		return out
	}
	out.ContextText = sb.String()
	return out
}

// writeBlock appends one numbered source block to sb.
func writeBlock(sb *strings.Builder, n int, r rag.SearchResult) {
	fmt.Fprintf(sb, "### Source %d: %s", n, r.SourcePath)
	if r.Lines != nil {
		fmt.Fprintf(sb, " (lines %s)", r.Lines)
	}
	sb.WriteString("\n")
	sb.WriteString(strings.TrimRight(r.Text, "\n"))
	sb.WriteString("\n\n")
}

// contextPreamble introduces the retrieved context in the system message.
const contextPreamble = `Answer using the retrieved context below when it is relevant.
Cite sources by their path and line range. If the context does not cover the
question, say so instead of guessing.

`

// Messages turns a retrieved context and the user's question into the message
// list a chat model expects. When rc has NoContext set, only the question is
// returned so the caller's primary flow is unchanged.
func Messages(rc rag.RetrievedContext, question string) []*schema.Message {
	if rc.NoContext {
		return []*schema.Message{schema.UserMessage(question)}
	}
	return []*schema.Message{
		schema.SystemMessage(contextPreamble + rc.ContextText),
		schema.UserMessage(question),
	}
}
