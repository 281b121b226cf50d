package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/soakring/internal/analyzer"
	"github.com/sawpanic/soakring/internal/clock"
	"github.com/sawpanic/soakring/internal/exporter"
	"github.com/sawpanic/soakring/internal/metrics"
	"github.com/sawpanic/soakring/internal/orchestrator"
	"github.com/sawpanic/soakring/internal/params"
	"github.com/sawpanic/soakring/internal/verify"
)

func newSoakRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run soak iterations against the strategy",
		Long: `Runs N sequential iterations: resolve config, invoke the strategy,
read its EDGE_REPORT, auto-tune the runtime overrides under guard rails,
and persist an ITER_SUMMARY per iteration. Exits non-zero only on a hard
stop (overrides persist failure or repeated strategy failure).`,
		RunE: runSoakRun,
	}
	cmd.Flags().Int("iterations", 6, "Number of soak iterations")
	cmd.Flags().String("profile", "", "Baseline profile applied before iteration 1 (e.g. steady_safe)")
	cmd.Flags().String("profile-dir", "config/profiles", "Directory holding profile YAML files")
	cmd.Flags().Bool("auto-tune", false, "Apply tuner deltas to the overrides store")
	cmd.Flags().Bool("mock", false, "Use the scripted mock strategy instead of an engine command")
	cmd.Flags().StringSlice("strategy-cmd", nil, "Engine argv to run once per iteration")
	cmd.Flags().String("out", "artifacts/soak/latest", "Run output directory")
	cmd.Flags().String("overrides", "runtime_overrides.json", "Runtime overrides file")
	cmd.Flags().String("symbol", "ALL", "Symbol label for metrics")
	cmd.Flags().Int("sleep", -1, "Seconds between iterations (-1: read SOAK_SLEEP_SECONDS)")
	cmd.Flags().StringToString("set", nil, "Per-parameter CLI override, e.g. --set min_interval_ms=80")
	cmd.Flags().String("env", "dev", "Environment label for metrics")
	cmd.Flags().String("exchange", "kraken", "Exchange label for metrics")
	return cmd
}

func runSoakRun(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	iterations, _ := flags.GetInt("iterations")
	profile, _ := flags.GetString("profile")
	profileDir, _ := flags.GetString("profile-dir")
	autoTune, _ := flags.GetBool("auto-tune")
	mock, _ := flags.GetBool("mock")
	strategyCmd, _ := flags.GetStringSlice("strategy-cmd")
	outDir, _ := flags.GetString("out")
	overridesPath, _ := flags.GetString("overrides")
	sleep, _ := flags.GetInt("sleep")
	setFlags, _ := flags.GetStringToString("set")
	env, exchange, symbol := labelFlags(flags)

	cliParams, err := parseSetFlags(setFlags)
	if err != nil {
		return err
	}

	var strategy orchestrator.Strategy
	switch {
	case mock:
		strategy = orchestrator.NewMockStrategy()
	case len(strategyCmd) > 0:
		strategy = &orchestrator.ExecStrategy{
			Command:    strategyCmd,
			ReportPath: filepath.Join(outDir, "EDGE_REPORT.json"),
		}
	default:
		return fmt.Errorf("either --mock or --strategy-cmd is required")
	}

	soak := metrics.NewSoak(env, exchange, "shadow")
	o := orchestrator.New(params.Default(), strategy, clock.New(), soak, orchestrator.Options{
		Iterations:    iterations,
		ProfileName:   profile,
		ProfileDir:    profileDir,
		AutoTune:      autoTune,
		OutDir:        outDir,
		OverridesPath: overridesPath,
		Symbol:        symbol,
		SleepSeconds:  sleep,
		CLIParams:     cliParams,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := o.Run(ctx)
	if err != nil {
		return fmt.Errorf("soak run aborted (%s): %w", result.HardStop, err)
	}
	log.Info().
		Str("run_id", result.RunID).
		Int("iterations", result.Iterations).
		Int("failed", result.Failed).
		Int("applied", result.Applied).
		Bool("partial", result.Partial).
		Msg("soak run complete")
	return nil
}

func parseSetFlags(set map[string]string) (map[string]float64, error) {
	if len(set) == 0 {
		return nil, nil
	}
	reg := params.Default()
	out := make(map[string]float64, len(set))
	for name, raw := range set {
		if _, err := reg.Get(name); err != nil {
			return nil, err
		}
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%g", &v); err != nil {
			return nil, fmt.Errorf("invalid value for --set %s=%s", name, raw)
		}
		out[name] = v
	}
	return out, nil
}

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Compute the post-soak snapshot and verdict",
		Long: `Scans ITER_SUMMARY files, aggregates the last-N window, evaluates the
readiness gates and writes POST_SOAK_SNAPSHOT.json plus the audit,
recommendations and failures reports. Exits 1 on BLOCK (or on anything
but READY with --strict).`,
		RunE: runAnalyze,
	}
	cmd.Flags().String("src", "artifacts/soak/latest", "Directory holding ITER_SUMMARY files")
	cmd.Flags().String("out", "", "Output directory (defaults to --src)")
	cmd.Flags().Int("last-n", analyzer.DefaultLastN, "Window size")
	cmd.Flags().String("mode", analyzer.ModeSoak, "Gate thresholds: soak or shadow")
	cmd.Flags().Bool("strict", false, "Exit non-zero unless verdict is READY")
	cmd.Flags().String("symbol", "ALL", "Symbol label for the metrics exposition")
	cmd.Flags().String("env", "dev", "Environment label for the metrics exposition")
	cmd.Flags().String("exchange", "kraken", "Exchange label for the metrics exposition")
	return cmd
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	src, _ := flags.GetString("src")
	out, _ := flags.GetString("out")
	lastN, _ := flags.GetInt("last-n")
	mode, _ := flags.GetString("mode")
	strict, _ := flags.GetBool("strict")
	env, exchange, symbol := labelFlags(flags)
	if out == "" {
		out = src
	}

	summaries, err := orchestrator.ReadSummaries(src)
	if err != nil {
		return err
	}

	// Apply health feeds freeze_ready; a verifier failure only means no
	// freeze, never a missing snapshot.
	health := analyzer.ApplyHealth{}
	if v, err := verify.New(params.Default(), verify.LevelStrict); err == nil {
		if report, err := v.Verify(summaries, loadOverridesDoc(src)); err == nil {
			health.SignatureStuck = report.Gate.SignatureStuck
			health.FullApplyRatio = report.Gate.FullApplyRatio
		}
	}

	a, err := analyzer.New(mode, lastN, clock.New())
	if err != nil {
		return err
	}
	snap, err := a.Analyze(summaries, health)
	if err != nil {
		return err
	}
	if err := analyzer.WriteArtifacts(out, snap, summaries); err != nil {
		return err
	}

	soak := metrics.NewSoak(env, exchange, "shadow")
	exporter.PopulateFromRun(soak, symbol, summaries, snap)
	if err := exporter.WriteTextFile(out, soak); err != nil {
		return err
	}

	if snap.Verdict == analyzer.VerdictBlock || (strict && snap.Verdict != analyzer.VerdictReady) {
		return fmt.Errorf("verdict %s", snap.Verdict)
	}
	return nil
}

// loadOverridesDoc reads the overrides file next to the run artifacts, if
// present, as the after-state for the final iteration.
func loadOverridesDoc(src string) map[string]any {
	for _, p := range []string{
		filepath.Join(src, "runtime_overrides.json"),
		filepath.Join(filepath.Dir(src), "runtime_overrides.json"),
	} {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var doc struct {
			Overrides map[string]json.Number `json:"overrides"`
		}
		if json.Unmarshal(data, &doc) != nil {
			continue
		}
		reg := params.Default()
		nested := map[string]any{}
		for name, num := range doc.Overrides {
			if f, err := num.Float64(); err == nil {
				_ = reg.WriteNested(nested, name, f)
			}
		}
		return nested
	}
	return nil
}

func newVerifyDeltasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-deltas",
		Short: "Gate on how many proposed deltas actually landed",
		RunE:  runVerifyDeltas,
	}
	cmd.Flags().String("path", "artifacts/soak/latest", "Directory holding ITER_SUMMARY files")
	cmd.Flags().Bool("strict", false, "Use the release gate (0.95) instead of nightly (0.80)")
	cmd.Flags().Bool("json", false, "Also write DELTA_VERIFY.json")
	return cmd
}

func runVerifyDeltas(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	path, _ := flags.GetString("path")
	strict, _ := flags.GetBool("strict")
	withJSON, _ := flags.GetBool("json")

	level := verify.LevelMedium
	if strict {
		level = verify.LevelStrict
	}

	summaries, err := orchestrator.ReadSummaries(path)
	if err != nil {
		return err
	}
	v, err := verify.New(params.Default(), level)
	if err != nil {
		return err
	}
	report, err := v.Verify(summaries, loadOverridesDoc(path))
	if err != nil {
		return err
	}
	if err := verify.WriteReport(path, report, withJSON); err != nil {
		return err
	}

	if !report.Gate.Pass {
		return fmt.Errorf("%w: full_apply_ratio %.3f below %s threshold %.2f",
			verify.ErrGateFailed, report.Gate.FullApplyRatio, level, report.Gate.Threshold)
	}
	log.Info().
		Float64("full_apply_ratio", report.Gate.FullApplyRatio).
		Bool("auto_pass", report.Gate.AutoPass).
		Msg("delta verification passed")
	return nil
}
