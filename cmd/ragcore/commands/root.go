// Package commands defines all Cobra CLI commands for the ragcore binary.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/audit"
	"github.com/54b3r/ragcore/internal/config"
	"github.com/54b3r/ragcore/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragcore",
		Short: "ragcore: a local, memory-bounded retrieval engine",
		Long: `ragcore indexes local documents and URLs into an in-memory hybrid
(semantic + BM25) index with a hard memory budget, and assembles
token-bounded context blocks with citations for LLM prompts.

The index is persisted to a checksummed snapshot after every change and
reloaded on start. Configuration comes from environment variables, a .env
file, or a YAML config file (~/.ragcore/config.yaml).
See 'ragcore --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			slog.SetDefault(log)

			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = logging.With(logging.WithLogger(ctx, log), slog.String("command", cmd.Name()))
			cmd.SetContext(ctx)

			audit.LogCommandStart(ctx, log, cmd.Name(), loadedConfigPath)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragcore/config.yaml)")

	root.AddCommand(
		NewIngestCmd(),
		NewQueryCmd(),
		NewContextCmd(),
		NewPromptCmd(),
		NewRemoveCmd(),
		NewStatusCmd(),
		NewDocsCmd(),
		NewRebuildCmd(),
		NewExportCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return execute(context.Background(), NewRootCmd(), os.Args[1:])
}

func execute(ctx context.Context, root *cobra.Command, args []string) int {
	root.SetArgs(args)
	started := time.Now()
	cmd, err := root.ExecuteContextC(ctx)

	name := root.Name()
	if cmd != nil {
		name = cmd.Name()
	}
	audit.LogCommandEnd(ctx, slog.Default(), name, started, err)

	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}
