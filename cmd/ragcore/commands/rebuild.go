package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/ingestion"
	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/rag"
)

// NewRebuildCmd constructs the `ragcore rebuild` command, which re-ingests
// every catalogued document into a fresh index. It is the recovery path for
// a corrupted snapshot or a change of embedding model.
func NewRebuildCmd() *cobra.Command {
	var fetchURLs bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from the document catalog",
		Long: `Discard the current snapshot and re-ingest every document in the catalog
that still exists on disk. Documents whose file is gone are marked removed.
URLs are re-fetched only with --fetch.

Use this after a corrupted snapshot warning or after changing
EMBEDDING_PROVIDER, EMBEDDING_MODEL or EMBEDDING_DIMENSIONS.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			eng, err := openEngine(ctx, log, engineOptions{fresh: true})
			if err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
			defer eng.Close()
			if eng.catalog == nil {
				return errors.New("rebuild: the catalog is disabled (RAG_CATALOG_DB=disabled)")
			}

			recs, err := eng.catalog.List(ctx, false)
			if err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}

			loader := ingestion.NewLoader(nil)
			var (
				docs []rag.Document
				gone []string
			)
			for _, r := range recs {
				doc, err := reload(ctx, loader, r.SourcePath, fetchURLs)
				switch {
				case errors.Is(err, fs.ErrNotExist):
					gone = append(gone, r.SourcePath)
				case errors.Is(err, errNotFetched):
					log.Info("rebuild: skipping URL, pass --fetch to re-download", slog.String("url", r.SourcePath))
				case err != nil:
					log.Warn("rebuild: cannot reload document", slog.String("path", r.SourcePath), slog.Any("error", err))
				default:
					docs = append(docs, doc)
				}
			}

			reports, ingestErr := eng.svc.IngestAll(ctx, docs)
			for _, path := range gone {
				if _, err := eng.svc.RemoveDocument(ctx, path); err != nil {
					return fmt.Errorf("rebuild: %w", err)
				}
			}
			// IngestAll only saves when something changed; an empty rebuild
			// must still replace the old snapshot.
			if err := eng.svc.Save(ctx); err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}

			chunks := 0
			for _, r := range reports {
				chunks += r.Chunks
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d document(s), %d chunk(s); %d missing on disk marked removed\n",
				len(reports), chunks, len(gone))
			if ingestErr != nil {
				return fmt.Errorf("rebuild: %w", ingestErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fetchURLs, "fetch", false, "Re-fetch catalogued URLs")

	return cmd
}

var errNotFetched = errors.New("url not fetched")

func reload(ctx context.Context, l *ingestion.Loader, source string, fetch bool) (rag.Document, error) {
	if ingestion.IsURL(source) {
		if !fetch {
			return rag.Document{}, errNotFetched
		}
		return l.Fetch(ctx, source)
	}
	return l.LoadFile(source)
}
