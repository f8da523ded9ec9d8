package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/retrieval"
)

// NewContextCmd constructs the `ragcore context` command, which prints the
// token-bounded context block and its citations.
func NewContextCmd() *cobra.Command {
	var (
		flags     retrieveFlags
		maxTokens int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "context <question>",
		Short: "Assemble a token-bounded context block for a question",
		Long: `Retrieve the most relevant chunks and pack them, highest score first,
into a context block that fits the token budget. Retrieval failures are
reported as "no context" rather than an error.

Examples:
  ragcore context "what does the snapshot header contain?"
  ragcore context --max-tokens 1500 --json "budget rejection"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			eng, err := openEngine(ctx, log, engineOptions{})
			if err != nil {
				return fmt.Errorf("context: %w", err)
			}
			defer eng.Close()

			rc := eng.svc.BuildContext(ctx, strings.Join(args, " "), retrieval.ContextOptions{
				RetrieveOptions: flags.options(cmd),
				MaxTokens:       maxTokens,
			})

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, rc)
			}
			if rc.NoContext {
				if rc.Degraded {
					fmt.Fprintln(out, "no context (retrieval degraded, see log)")
				} else {
					fmt.Fprintln(out, "no relevant context")
				}
				return nil
			}
			fmt.Fprint(out, rc.ContextText)
			fmt.Fprintf(out, "--\n%d source(s), ~%d tokens\n", len(rc.Sources), rc.TokenCount)
			for i, c := range rc.Sources {
				fmt.Fprintf(out, "[%d] %s (%.3f)\n", i+1, location(c.SourcePath, c.Lines), c.RelevanceScore)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Context token budget (default: RAG_MAX_CONTEXT_TOKENS)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the retrieved context as JSON")

	return cmd
}
