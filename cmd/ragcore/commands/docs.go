package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/catalog"
	"github.com/54b3r/ragcore/internal/config"
	"github.com/54b3r/ragcore/internal/ingestion"
)

// NewDocsCmd constructs the `ragcore docs` command, which lists the document
// catalog. It reads the catalog directly and does not load the index.
func NewDocsCmd() *cobra.Command {
	var (
		all     bool
		history string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List catalogued documents and their versions",
		Long: `List the latest catalogued version of every document, or the full version
history of one path with --history.

Examples:
  ragcore docs
  ragcore docs --all
  ragcore docs --history /home/me/notes/plan.md`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			settings, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("docs: %w", err)
			}
			if settings.CatalogPath == "" {
				return errors.New("docs: the catalog is disabled (RAG_CATALOG_DB=disabled)")
			}
			if _, err := os.Stat(settings.CatalogPath); err != nil {
				return fmt.Errorf("docs: no catalog at %s; ingest something first", settings.CatalogPath)
			}
			cat, err := catalog.Open(settings.CatalogPath)
			if err != nil {
				return fmt.Errorf("docs: %w", err)
			}
			defer cat.Close()

			var recs []catalog.Record
			if history != "" {
				if abs, err := filepath.Abs(history); err == nil && !ingestion.IsURL(history) {
					history = abs
				}
				recs, err = cat.History(ctx, history)
			} else {
				recs, err = cat.List(ctx, all)
			}
			if err != nil {
				return fmt.Errorf("docs: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if recs == nil {
					recs = []catalog.Record{}
				}
				return printJSON(out, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "no documents")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSTATUS\tCHUNKS\tTOKENS\tINDEXED\tSOURCE")
			for _, r := range recs {
				fmt.Fprintf(tw, "v%d\t%s\t%d\t%d\t%s\t%s\n",
					r.Version, r.Status, r.ChunkCount, r.Tokens, r.IndexedAt.Local().Format(time.DateTime), r.SourcePath)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include removed documents")
	cmd.Flags().StringVar(&history, "history", "", "Show every version of this source path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")

	return cmd
}
