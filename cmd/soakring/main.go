package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "soakring"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Soak-test orchestration and release gating for the market-making runtime",
		Version: version,
		Long: `soakring drives unattended soak runs of the quoting engine: it resolves
layered config, invokes the strategy per iteration, auto-tunes runtime
overrides under guard rails, and turns the resulting iteration summaries
into a release verdict, metrics exposition, and a signed-off bundle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	soakCmd := &cobra.Command{
		Use:   "soak",
		Short: "Run and analyze soak iterations",
	}
	soakCmd.AddCommand(newSoakRunCmd(), newAnalyzeCmd(), newVerifyDeltasCmd())

	releaseCmd := &cobra.Command{
		Use:   "release",
		Short: "Bundle artifacts and prepare the canary rollout",
	}
	releaseCmd.AddCommand(newBuildBundleCmd(), newTagAndCanaryCmd())

	exporterCmd := &cobra.Command{
		Use:   "exporter",
		Short: "Publish soak KPIs to external consumers",
	}
	exporterCmd.AddCommand(newExporterRedisCmd())

	rootCmd.AddCommand(soakCmd, releaseCmd, exporterCmd, newMonitorCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// labelFlags reads the metric label trio shared by the run, analyze,
// exporter and monitor subcommands.
func labelFlags(fs *pflag.FlagSet) (env, exchange, symbol string) {
	env, _ = fs.GetString("env")
	exchange, _ = fs.GetString("exchange")
	symbol, _ = fs.GetString("symbol")
	return env, exchange, symbol
}
