package index

import (
	"math"

	"github.com/54b3r/ragcore/internal/rag"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// termStats is the lexical profile of one entry.
type termStats struct {
	tf     map[string]int
	length int
}

// analyze builds the term profile of a chunk. The markdown heading path is
// indexed together with the text so a query naming a section finds its body.
func analyze(c rag.Chunk) termStats {
	terms := rag.Terms(c.Text)
	if h := c.Attributes[rag.AttrHeading]; h != "" {
		terms = append(terms, rag.Terms(h)...)
	}
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	return termStats{tf: tf, length: len(terms)}
}

// queryTerms returns the distinct lexical terms of a query.
func queryTerms(text string) []string {
	terms := rag.Terms(text)
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// bm25 scores one record against the query terms using corpus statistics of
// s. The idf form ln(1 + (N-df+0.5)/(df+0.5)) is never negative.
func (s *state) bm25(r *record, terms []string) float64 {
	n := float64(len(s.order))
	avgdl := 1.0
	if len(s.order) > 0 && s.totalLen > 0 {
		avgdl = float64(s.totalLen) / n
	}
	var score float64
	for _, t := range terms {
		f := r.stats.tf[t]
		if f == 0 {
			continue
		}
		df := float64(s.df[t])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		tf := float64(f)
		score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(r.stats.length)/avgdl))
	}
	return score
}

// cosine returns the cosine similarity of a and b given their norms, or 0
// when either norm is zero.
func cosine(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
