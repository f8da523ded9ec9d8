package commands

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/budget"
	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/rag"
	"github.com/54b3r/ragcore/internal/retrieval"
)

// NewPromptCmd constructs the `ragcore prompt` command, which prints the chat
// messages a model would receive for a question.
func NewPromptCmd() *cobra.Command {
	var (
		flags     retrieveFlags
		maxTokens int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "prompt <question>",
		Short: "Print the augmented chat messages for a question",
		Long: `Build the message list for a chat model: a system message carrying the
retrieved context, followed by the question. When nothing relevant is
found only the question is emitted.

Examples:
  ragcore prompt "how do I rebuild the index?"
  ragcore prompt --json "explain the catalog" | jq .`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			eng, err := openEngine(ctx, log, engineOptions{})
			if err != nil {
				return fmt.Errorf("prompt: %w", err)
			}
			defer eng.Close()

			question := strings.Join(args, " ")
			var r rag.Retriever = retrieval.NewEinoRetriever(eng.svc, flags.options(cmd))
			msgs := budget.Messages(r.RetrieveContext(ctx, question, maxTokens), question)

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, msgs)
			}
			for _, m := range msgs {
				fmt.Fprintf(out, "=== %s ===\n%s\n\n", roleName(m.Role), m.Content)
			}
			fmt.Fprintf(out, "~%d tokens\n", budget.EstimateMessages(msgs))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Context token budget (default: RAG_MAX_CONTEXT_TOKENS)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the messages as JSON")

	return cmd
}

func roleName(r schema.RoleType) string {
	return strings.ToUpper(string(r))
}
