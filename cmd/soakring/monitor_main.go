package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sawpanic/soakring/internal/exporter"
	"github.com/sawpanic/soakring/internal/httpapi"
	"github.com/sawpanic/soakring/internal/metrics"
	"github.com/sawpanic/soakring/internal/orchestrator"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve /health, /metrics and /snapshot for a soak run",
		RunE:  runMonitor,
	}
	cmd.Flags().String("host", "127.0.0.1", "Bind host (local-only by default)")
	cmd.Flags().Int("port", 8090, "Bind port")
	cmd.Flags().String("src", "artifacts/soak/latest", "Run directory to serve artifacts from")
	cmd.Flags().String("symbol", "ALL", "Symbol label for gauges")
	cmd.Flags().String("env", "dev", "Environment label for gauges")
	cmd.Flags().String("exchange", "kraken", "Exchange label for gauges")
	return cmd
}

func runMonitor(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	host, _ := flags.GetString("host")
	port, _ := flags.GetInt("port")
	src, _ := flags.GetString("src")
	env, exchange, symbol := labelFlags(flags)

	// Seed the gauges from whatever the run has produced so far; missing
	// summaries just serve an empty registry.
	soak := metrics.NewSoak(env, exchange, "shadow")
	if summaries, err := orchestrator.ReadSummaries(src); err == nil {
		exporter.PopulateFromRun(soak, symbol, summaries, nil)
	}

	cfg := httpapi.DefaultConfig(src)
	cfg.Host = host
	cfg.Port = port

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return httpapi.New(cfg, soak).Start(ctx)
}
