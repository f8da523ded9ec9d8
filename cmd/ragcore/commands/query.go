package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/index"
	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/retrieval"
)

// retrieveFlags are the retrieval options shared by query, context and prompt.
type retrieveFlags struct {
	topK         int
	minScore     float64
	prefix       string
	contentTypes []string
	semanticOnly bool
}

func (f *retrieveFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.topK, "top-k", "k", 0, "Number of results (default: RAG_TOP_K)")
	cmd.Flags().Float64Var(&f.minScore, "min-score", 0, "Drop results scoring below this (default: RAG_MIN_SCORE)")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "Only search documents whose path starts with this prefix")
	cmd.Flags().StringArrayVar(&f.contentTypes, "type", nil, "Only search documents of this content type (repeatable)")
	cmd.Flags().BoolVar(&f.semanticOnly, "semantic-only", false, "Rank by cosine similarity alone")
}

// options converts the flags, leaving MinScore nil unless it was given.
func (f *retrieveFlags) options(cmd *cobra.Command) retrieval.RetrieveOptions {
	opts := retrieval.RetrieveOptions{
		TopK:         f.topK,
		SemanticOnly: f.semanticOnly,
		Filter: index.Filter{
			SourcePrefix: f.prefix,
			ContentTypes: f.contentTypes,
		},
	}
	if cmd.Flags().Changed("min-score") {
		ms := f.minScore
		opts.MinScore = &ms
	}
	return opts
}

// NewQueryCmd constructs the `ragcore query` command, which prints the
// ranked chunks for a question.
func NewQueryCmd() *cobra.Command {
	var (
		flags  retrieveFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Search the index and print ranked chunks",
		Long: `Search the index with hybrid scoring (0.7 cosine + 0.3 BM25 by default)
and print the ranked chunks with their scores and locations.

Examples:
  ragcore query "how is the memory budget enforced?"
  ragcore query -k 10 --prefix docs/ --type text/markdown "snapshot format"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			eng, err := openEngine(ctx, log, engineOptions{})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer eng.Close()

			results, err := eng.svc.Retrieve(ctx, strings.Join(args, " "), flags.options(cmd))
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, results)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(out, "%2d. %.3f  %s\n", i+1, r.CombinedScore, location(r.SourcePath, r.Lines))
				fmt.Fprintf(out, "    semantic %.3f  lexical %.3f  %s\n", r.SemanticScore, r.LexicalScore, preview(r.Text, 80))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}
