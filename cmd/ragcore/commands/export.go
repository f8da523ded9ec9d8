package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/config"
	"github.com/54b3r/ragcore/internal/export"
	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/persist"
)

// NewExportCmd constructs the `ragcore export` command, which copies the
// saved snapshot into a Qdrant collection. It reads the snapshot file
// directly and needs no embedding backend.
func NewExportCmd() *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the saved index snapshot to Qdrant",
		Long: `Upsert every chunk of the saved snapshot into a Qdrant collection, creating
it with cosine distance if needed. Point ids are derived from chunk ids, so
exporting twice overwrites rather than duplicates.

Environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: ragcore)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  QDRANT_TLS           Set to true for TLS

Examples:
  ragcore export
  ragcore export --collection team-notes`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			settings, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if collection == "" {
				collection = settings.Qdrant.Collection
			}

			res := persist.Load(settings.IndexPath)
			switch res.Status {
			case persist.Missing:
				return fmt.Errorf("export: no snapshot at %s; ingest something first", settings.IndexPath)
			case persist.Corrupted:
				return fmt.Errorf("export: snapshot %s is corrupted, run `ragcore rebuild`: %w", settings.IndexPath, res.Err)
			}

			exp, err := export.NewQdrantExporter(&export.QdrantConfig{
				Host:       settings.Qdrant.Host,
				Port:       settings.Qdrant.Port,
				Collection: collection,
				APIKey:     settings.Qdrant.APIKey,
				UseTLS:     settings.Qdrant.TLS,
			}, log)
			if err != nil {
				return fmt.Errorf("export: failed to connect to Qdrant at %s:%d: %w",
					settings.Qdrant.Host, settings.Qdrant.Port, err)
			}
			defer exp.Close()

			n, err := exp.Export(ctx, res.Snapshot, func(done, total int) {
				log.Info("export: progress", slog.Int("done", done), slog.Int("total", total))
			})
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d of %d chunk(s) to %s\n", n, len(res.Snapshot.Entries), collection)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "Target collection (default: QDRANT_COLLECTION)")

	return cmd
}
