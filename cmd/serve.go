package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/doomscope/cmd/internal/display"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/api"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/stages"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/checkpoint"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stage server",
	Long: `Start the HTTP server that hosts every pipeline stage.

Endpoints:
  POST /<stage>/<action>   run one stage, body {"domain": "example.com"}
  POST /pipeline           run every stage in the background
  GET  /stages             configured stages
  GET  /events             websocket stream of stage progress
  GET  /metrics            Prometheus metrics
  GET  /health             liveness

When server.api_key is set, every route except /health needs
"Authorization: Bearer <key>".`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnw("Telemetry disabled", "error", err)
		tel = telemetry.Noop()
	}
	defer tel.Close()

	metrics := api.NewMetrics()
	svc, closeStages, err := stages.NewFromConfig(ctx, cfg, telemetry.Multi(tel, metrics), log)
	if err != nil {
		return fmt.Errorf("failed to build stages: %w", err)
	}
	defer func() {
		if err := closeStages(); err != nil {
			log.Warnw("Failed to close stage resources", "error", err)
		}
	}()

	hub := api.NewHub(log)
	opts := orchestrator.OptionsFromConfig(cfg)
	opts.Telemetry = tel
	opts.Observer = hub.Publish
	if checkpoints, err := checkpoint.NewManager(""); err == nil {
		opts.Checkpoints = checkpoints
	} else {
		log.Warnw("Checkpointing disabled", "error", err)
	}
	pipeline := orchestrator.New(svc, opts, log)

	gin.SetMode(gin.ReleaseMode)
	server := api.New(svc, api.Options{
		Stages:    cfg.Pipeline.Stages,
		APIKey:    cfg.Server.APIKey,
		RateLimit: cfg.Server.RateLimit,
		Metrics:   metrics,
		Hub:       hub,
		Pipeline:  pipeline,
	}, log)

	out := cmd.OutOrStdout()
	display.Banner(out, logger.Version)
	display.Info(out, "Stage server listening on http://%s", cfg.Server.Addr)
	display.Info(out, "Events at ws://%s/events, metrics at /metrics", cfg.Server.Addr)
	if cfg.Server.APIKey == "" {
		display.Warn(out, "server.api_key is empty; the API is unauthenticated")
	}

	return server.ListenAndServe(ctx, cfg.Server)
}
