package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/index"
	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/persist"
)

// statusOutput is the --json shape of `ragcore status`.
type statusOutput struct {
	Index    index.Stats    `json:"index"`
	Snapshot snapshotStatus `json:"snapshot"`
	Embedder embedderStatus `json:"embedder"`
}

type snapshotStatus struct {
	Path          string `json:"path"`
	Load          string `json:"load"`
	Error         string `json:"error,omitempty"`
	FormatVersion uint32 `json:"formatVersion,omitempty"`
	Entries       uint64 `json:"entries,omitempty"`
	Bytes         uint64 `json:"bodyBytes,omitempty"`
}

type embedderStatus struct {
	Provider  string `json:"provider"`
	State     string `json:"state"`
	Dimension int    `json:"dimension"`
}

// NewStatusCmd constructs the `ragcore status` command, which reports memory
// usage, index statistics, the snapshot header and the embedder state.
func NewStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show memory usage, index statistics and snapshot state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			eng, err := openEngine(ctx, log, engineOptions{})
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer eng.Close()

			st := statusOutput{
				Index: eng.svc.Stats(),
				Snapshot: snapshotStatus{
					Path: eng.settings.IndexPath,
					Load: eng.load.Status.String(),
				},
				Embedder: embedderStatus{
					Provider:  eng.provider.Name(),
					State:     eng.provider.State().String(),
					Dimension: eng.provider.Dimension(),
				},
			}
			if eng.load.Err != nil {
				st.Snapshot.Error = eng.load.Err.Error()
			}
			if h, err := persist.ReadHeader(eng.settings.IndexPath); err == nil {
				st.Snapshot.FormatVersion = h.FormatVersion
				st.Snapshot.Entries = h.EntryCount
				st.Snapshot.Bytes = h.BodyLength
			} else if !errors.Is(err, fs.ErrNotExist) {
				log.Debug("status: snapshot header unreadable", slog.Any("error", err))
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, st)
			}
			m := st.Index.Memory
			fmt.Fprintf(out, "memory     %s of %s (%.1f%%, %s)\n",
				humanBytes(m.UsedBytes), humanBytes(m.BudgetBytes), m.PercentUsed, m.Level)
			fmt.Fprintf(out, "index      %d chunks, %d documents, %d terms, avg %.0f tokens/chunk\n",
				st.Index.Entries, st.Index.Documents, st.Index.Vocabulary, st.Index.AvgChunkTokens)
			lexical := "inactive (corpus too small)"
			if st.Index.LexicalActive {
				lexical = "active"
			}
			fmt.Fprintf(out, "lexical    %s\n", lexical)
			fmt.Fprintf(out, "snapshot   %s (%s)\n", st.Snapshot.Path, st.Snapshot.Load)
			if st.Snapshot.Error != "" {
				fmt.Fprintf(out, "           %s; run `ragcore rebuild`\n", st.Snapshot.Error)
			}
			fmt.Fprintf(out, "embedder   %s, dim %d, %s\n", st.Embedder.Provider, st.Embedder.Dimension, st.Embedder.State)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")

	return cmd
}
