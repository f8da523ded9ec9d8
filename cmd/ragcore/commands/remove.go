package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/logging"
)

// NewRemoveCmd constructs the `ragcore remove` command.
func NewRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <sourcePath>...",
		Short: "Remove documents from the index",
		Long: `Remove every chunk of the given source paths from the index and mark them
removed in the catalog. Paths are matched exactly as they were ingested
(absolute for local files). Removing an unknown path is not an error.

Examples:
  ragcore remove /home/me/notes/old.md
  ragcore remove https://example.com/page`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			eng, err := openEngine(ctx, log, engineOptions{})
			if err != nil {
				return fmt.Errorf("remove: %w", err)
			}
			defer eng.Close()

			out := cmd.OutOrStdout()
			for _, path := range args {
				ids, err := eng.svc.RemoveDocument(ctx, path)
				if err != nil {
					return fmt.Errorf("remove: %w", err)
				}
				if len(ids) == 0 {
					fmt.Fprintf(out, "not indexed  %s\n", path)
					continue
				}
				fmt.Fprintf(out, "removed      %s (%d chunks)\n", path, len(ids))
			}
			return nil
		},
	}
	return cmd
}
