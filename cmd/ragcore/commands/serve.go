package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragcore/internal/logging"
	"github.com/54b3r/ragcore/internal/server"
)

// NewServeCmd constructs the `ragcore serve` command, which exposes the
// engine over a local HTTP API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local HTTP API",
		Long: `Start the ragcore HTTP API on localhost.

Endpoints:
  POST   /api/ingest      {"sourcePath","content","contentType"}
  POST   /api/context     {"query","maxTokens","topK","minScore","filter"}
  POST   /api/search      {"query","topK","minScore","filter","semanticOnly"}
  DELETE /api/documents   ?sourcePath=...
  GET    /api/memory, /api/stats, /api/health, /api/ready, /metrics

Set RAGCORE_API_KEY to require "Authorization: Bearer <key>" on /api routes
other than health and ready.

Examples:
  ragcore serve
  ragcore serve --port 9090
  EMBEDDING_PROVIDER=ollama ragcore serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.FromContext(ctx)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			eng, err := openEngine(ctx, log, engineOptions{skipUnchanged: true, registry: reg})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer eng.Close()

			s := eng.settings.Server
			if !cmd.Flags().Changed("host") {
				host = s.Host
			}
			if !cmd.Flags().Changed("port") {
				port = s.Port
			}

			srv, err := server.New(eng.svc, &server.Config{
				Host:            host,
				Port:            port,
				Logger:          log,
				Pingers:         []server.Pinger{eng.provider},
				APIKey:          s.APIKey,
				RateLimit:       s.RateLimit,
				RateBurst:       s.RateBurst,
				MetricsRegistry: reg,
				MetricsGatherer: reg,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			log.Info("serve starting",
				slog.String("embedder", eng.provider.Name()),
				slog.Int("entries", eng.svc.Stats().Entries),
			)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (default: RAGCORE_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (default: RAGCORE_PORT)")

	return cmd
}
