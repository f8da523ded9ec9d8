package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/ingestion"
	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/retrieval"
)

// ingestOutput is the --json shape of `ragcore ingest`.
type ingestOutput struct {
	Reports []retrieval.IngestReport `json:"reports"`
	Skipped []ingestion.Skipped      `json:"skipped"`
	Errors  []string                 `json:"errors,omitempty"`
}

// NewIngestCmd constructs the `ragcore ingest` command, which loads files,
// directories and URLs and indexes them. Re-ingesting a path replaces its
// previous chunks.
func NewIngestCmd() *cobra.Command {
	var (
		extensions    []string
		includeHidden bool
		force         bool
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <path|url>...",
		Short: "Index files, directories and URLs",
		Long: `Load documents and add them to the index, replacing any previous version
of the same path. Directories are walked recursively; binary files and
files over 4 MiB are skipped.

Unchanged documents (same content hash as the latest catalogued version)
are skipped unless --force is given.

A document that fails part way keeps the chunks committed before the
failure; the error names the failing stage and the committed count.

Examples:
  ragcore ingest ./docs
  ragcore ingest --ext .md --ext .txt ./notes README.md
  ragcore ingest https://go.dev/doc/effective_go`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			loader := ingestion.NewLoader(&ingestion.Config{
				Extensions:    extensions,
				IncludeHidden: includeHidden,
			})
			docs, skipped, err := loader.Load(ctx, args, func(msg string) { log.Debug(msg) })
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			for _, s := range skipped {
				log.Warn("ingest: skipped source", slog.String("path", s.Path), slog.String("reason", s.Reason))
			}
			if len(docs) == 0 {
				return fmt.Errorf("ingest: no documents found in %d source(s)", len(args))
			}

			eng, err := openEngine(ctx, log, engineOptions{skipUnchanged: !force})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer eng.Close()

			reports, ingestErr := eng.svc.IngestAll(ctx, docs)

			out := cmd.OutOrStdout()
			if asJSON {
				res := ingestOutput{Reports: reports, Skipped: skipped}
				if res.Skipped == nil {
					res.Skipped = []ingestion.Skipped{}
				}
				for _, e := range unjoin(ingestErr) {
					res.Errors = append(res.Errors, e.Error())
				}
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				indexed, unchanged, chunks := 0, 0, 0
				for _, r := range reports {
					switch {
					case r.Skipped:
						unchanged++
					case r.Chunks > 0:
						indexed++
						chunks += r.Chunks
						fmt.Fprintf(out, "indexed  %s (v%d, %d chunks, %d tokens)\n", r.SourcePath, r.Version, r.Chunks, r.Tokens)
					}
				}
				fmt.Fprintf(out, "\n%d document(s) indexed, %d unchanged, %d skipped, %d chunk(s) added\n",
					indexed, unchanged, len(skipped), chunks)
				st := eng.svc.MemoryStatus()
				fmt.Fprintf(out, "memory: %s of %s (%.1f%%, %s)\n",
					humanBytes(st.UsedBytes), humanBytes(st.BudgetBytes), st.PercentUsed, st.Level)
			}

			if ingestErr != nil {
				return fmt.Errorf("ingest: %d document(s) failed: %w", len(unjoin(ingestErr)), ingestErr)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&extensions, "ext", nil, "Only walk files with this extension, e.g. .md (repeatable)")
	cmd.Flags().BoolVar(&includeHidden, "hidden", false, "Walk hidden files and directories")
	cmd.Flags().BoolVar(&force, "force", false, "Re-index documents even when their content is unchanged")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print per-document reports as JSON")

	return cmd
}

// unjoin flattens an errors.Join result into its parts.
func unjoin(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
