package retrieval

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragcore/internal/budget"
	"github.com/54b3r/ragcore/internal/rag"
)

// Metadata keys set on documents returned by EinoRetriever.
const (
	MetaSourcePath    = "source_path"
	MetaDocumentID    = "document_id"
	MetaLines         = "lines"
	MetaSemanticScore = "semantic_score"
	MetaLexicalScore  = "lexical_score"
	MetaTokenCount    = "token_count"
)

// EinoRetriever exposes a Service as an eino retriever.Retriever so it can be
// dropped into an eino chain or graph. The common TopK and ScoreThreshold
// options override the defaults it was built with.
type EinoRetriever struct {
	svc  *Service
	opts RetrieveOptions
}

var _ retriever.Retriever = (*EinoRetriever)(nil)

// NewEinoRetriever wraps svc with default retrieval options.
func NewEinoRetriever(svc *Service, opts RetrieveOptions) *EinoRetriever {
	return &EinoRetriever{svc: svc, opts: opts}
}

// Retrieve runs Service.Retrieve and converts the hits to schema documents
// scored by their combined score.
func (r *EinoRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	common := retriever.GetCommonOptions(&retriever.Options{}, opts...)
	ro := r.opts
	if common.TopK != nil {
		ro.TopK = *common.TopK
	}
	if common.ScoreThreshold != nil {
		v := *common.ScoreThreshold
		ro.MinScore = &v
	}

	results, err := r.svc.Retrieve(ctx, query, ro)
	if err != nil {
		return nil, err
	}

	docs := make([]*schema.Document, 0, len(results))
	for _, res := range results {
		meta := map[string]any{
			MetaSourcePath:    res.SourcePath,
			MetaDocumentID:    res.DocumentID,
			MetaSemanticScore: res.SemanticScore,
			MetaLexicalScore:  res.LexicalScore,
			MetaTokenCount:    res.TokenCount,
		}
		if res.Lines != nil {
			meta[MetaLines] = res.Lines.String()
		}
		doc := &schema.Document{ID: res.ChunkID, Content: res.Text, MetaData: meta}
		docs = append(docs, doc.WithScore(res.CombinedScore))
	}
	return docs, nil
}

// RetrieveContext retrieves through Retrieve and assembles the documents into
// a context block of at most maxTokens, falling back to the service's
// configured budget when maxTokens is not positive. Like
// Service.RetrieveContext it never fails.
func (r *EinoRetriever) RetrieveContext(ctx context.Context, query string, maxTokens int) rag.RetrievedContext {
	if maxTokens <= 0 {
		maxTokens = r.svc.cfg.MaxContextTokens
	}
	docs, err := r.Retrieve(ctx, query)
	if err != nil {
		return r.svc.degraded(ctx, err)
	}
	results := make([]rag.SearchResult, 0, len(docs))
	for _, d := range docs {
		results = append(results, ResultFromDocument(d))
	}
	return budget.Build(results, maxTokens)
}

var _ rag.Retriever = (*EinoRetriever)(nil)

// ResultFromDocument recovers a search result from a document produced by
// EinoRetriever. Missing metadata leaves the matching fields zero; a missing
// token count is estimated from the content.
func ResultFromDocument(d *schema.Document) rag.SearchResult {
	res := rag.SearchResult{
		ChunkID:       d.ID,
		Text:          d.Content,
		CombinedScore: d.Score(),
	}
	res.SourcePath, _ = d.MetaData[MetaSourcePath].(string)
	res.DocumentID, _ = d.MetaData[MetaDocumentID].(string)
	res.SemanticScore, _ = d.MetaData[MetaSemanticScore].(float64)
	res.LexicalScore, _ = d.MetaData[MetaLexicalScore].(float64)
	if n, ok := d.MetaData[MetaTokenCount].(int); ok {
		res.TokenCount = n
	} else {
		res.TokenCount = budget.Estimate(d.Content)
	}
	if s, ok := d.MetaData[MetaLines].(string); ok {
		res.Lines = parseLines(s)
	}
	return res
}

func parseLines(s string) *rag.LineRange {
	var lr rag.LineRange
	if n, _ := fmt.Sscanf(s, "%d-%d", &lr.Start, &lr.End); n == 2 {
		return &lr
	}
	if _, err := fmt.Sscanf(s, "%d", &lr.Start); err == nil {
		lr.End = lr.Start
		return &lr
	}
	return nil
}
