// Package orchestrator drives N strictly sequential soak iterations: invoke
// the strategy, read its edge report, tune, guard, persist overrides, and
// emit ITER_SUMMARY / TUNING_REPORT artifacts. The loop is single-threaded;
// the only suspension points are the strategy call and the inter-iteration
// sleep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/soakring/internal/atomicio"
	"github.com/sawpanic/soakring/internal/clock"
	"github.com/sawpanic/soakring/internal/config"
	"github.com/sawpanic/soakring/internal/edge"
	"github.com/sawpanic/soakring/internal/guards"
	"github.com/sawpanic/soakring/internal/metrics"
	"github.com/sawpanic/soakring/internal/overrides"
	"github.com/sawpanic/soakring/internal/params"
	"github.com/sawpanic/soakring/internal/tuner"
)

// ErrStrategyFailure marks a run aborted after repeated consecutive strategy
// failures.
var ErrStrategyFailure = errors.New("strategy failure threshold exceeded")

const (
	// EnvSleepSeconds configures the inter-iteration sleep, clamped to
	// [0, 3600].
	EnvSleepSeconds = "SOAK_SLEEP_SECONDS"

	defaultSleepSeconds        = 300
	maxSleepSeconds            = 3600
	defaultStrategyTimeout     = 120 * time.Second
	maxConsecutiveStratFailure = 3
)

// Options configure one soak run.
type Options struct {
	Iterations      int
	ProfileName     string // empty: no baseline profile
	ProfileDir      string
	AutoTune        bool
	OutDir          string // cleaned at run start; artifacts land here
	OverridesPath   string
	Symbol          string
	SleepSeconds    int // negative: read from SOAK_SLEEP_SECONDS
	StrategyTimeout time.Duration
	CLIParams       map[string]float64 // explicit per-parameter flag values
	Environ         []string           // nil: os.Environ()
}

// RunResult summarizes a completed (or aborted) run.
type RunResult struct {
	RunID      string
	Iterations int // iterations with a summary written
	Failed     int // iterations with missing KPIs
	Applied    int // iterations that applied a delta
	Partial    bool
	HardStop   string // empty on clean end
}

// Orchestrator owns the stores and guards for one run. No globals: every
// collaborator is held by value here and passed down explicitly.
type Orchestrator struct {
	registry *params.Registry
	store    *overrides.Store
	guards   *guards.Set
	tuner    *tuner.Tuner
	strategy Strategy
	clk      clock.Clock
	mtx      *metrics.Soak // optional
	opts     Options

	profile      config.Profile
	profileLayer config.Layer
	lastApplied  string // signature of the last applied proposal
}

// New wires an orchestrator. metrics may be nil.
func New(registry *params.Registry, strategy Strategy, clk clock.Clock, mtx *metrics.Soak, opts Options) *Orchestrator {
	if opts.StrategyTimeout <= 0 {
		opts.StrategyTimeout = defaultStrategyTimeout
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}
	if opts.Symbol == "" {
		opts.Symbol = "ALL"
	}
	return &Orchestrator{
		registry: registry,
		guards:   guards.NewSet(clk),
		tuner:    tuner.New(registry),
		strategy: strategy,
		clk:      clk,
		mtx:      mtx,
		opts:     opts,
	}
}

// Run executes the soak loop. A non-nil error is a hard stop: overrides
// persist failure or repeated strategy failure.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{RunID: uuid.NewString()}

	if err := o.setup(); err != nil {
		return result, err
	}

	report := &TuningReport{RunID: result.RunID, Version: clock.Version()}
	consecutiveFailures := 0

	for i := 1; i <= o.opts.Iterations; i++ {
		if ctx.Err() != nil {
			result.Partial = true
			break
		}
		o.guards.BeginIteration(i)

		summary := &IterSummary{
			Iteration:  i,
			RunID:      result.RunID,
			StartedUTC: o.clk.Now().Format(time.RFC3339),
		}

		resolved, err := o.resolve()
		if err != nil {
			return result, err
		}
		summary.ResolvedConfig = resolved.Doc
		summary.ConfigSources = resolved.Sources

		kpi, failNote := o.invokeStrategy(ctx, resolved)
		if kpi == nil {
			consecutiveFailures++
			summary.KPIsMissing = true
			summary.FailureNote = failNote
			if o.mtx != nil {
				o.mtx.IterationsFailed.Inc()
			}
			result.Failed++
			if consecutiveFailures >= maxConsecutiveStratFailure {
				summary.Partial = true
				o.finishIteration(summary, report, result, i)
				result.HardStop = "strategy_failure"
				return result, fmt.Errorf("%w: %d consecutive failures", ErrStrategyFailure, consecutiveFailures)
			}
		} else {
			consecutiveFailures = 0
			summary.KPIs = kpi
			o.observe(kpi)
			o.updateFreezes(kpi)
		}

		if kpi != nil && o.opts.AutoTune {
			if err := o.tune(ctx, i, kpi, resolved, summary); err != nil {
				// Persist failure: write what we have and stop hard.
				summary.Partial = true
				o.finishIteration(summary, report, result, i)
				result.HardStop = "persist_failure"
				return result, err
			}
		} else if o.opts.AutoTune {
			summary.SkipReason = SkipNoDeltas
		}

		if !o.finishIteration(summary, report, result, i) {
			result.HardStop = "summary_write_failure"
			return result, fmt.Errorf("%w: iteration summary write failed", overrides.ErrPersist)
		}
		if len(summary.AppliedDelta) > 0 {
			result.Applied++
		}

		if i < o.opts.Iterations {
			if !o.sleep(ctx) {
				result.Partial = true
				break
			}
		}
	}

	log.Info().
		Str("run_id", result.RunID).
		Int("iterations", result.Iterations).
		Int("failed", result.Failed).
		Int("applied", result.Applied).
		Bool("partial", result.Partial).
		Msg("soak run complete")
	return result, nil
}

// setup cleans the output directory, sweeps stale temp files, loads the
// overrides store and applies the baseline profile before iteration 1.
func (o *Orchestrator) setup() error {
	if err := os.RemoveAll(o.opts.OutDir); err != nil {
		return fmt.Errorf("clean %s: %w", o.opts.OutDir, err)
	}
	if err := os.MkdirAll(o.opts.OutDir, 0755); err != nil {
		return err
	}
	if n, _ := atomicio.SweepTemp(filepath.Dir(o.opts.OverridesPath)); n > 0 {
		log.Warn().Int("removed", n).Msg("swept stale temp files from a previous crashed writer")
	}

	store, err := overrides.Load(o.registry, o.opts.OverridesPath)
	if err != nil {
		return err
	}
	o.store = store

	if o.opts.ProfileName == "" {
		o.profileLayer = config.Layer{}
		return nil
	}
	profile, err := config.LoadProfile(o.opts.ProfileDir, o.opts.ProfileName)
	if err != nil {
		return err
	}
	o.profile = profile
	o.profileLayer, err = profile.Layer(o.registry)
	if err != nil {
		return err
	}
	for name, value := range profile.Params {
		if err := o.store.Set(name, value, overrides.SourceProfile(profile.Name)); err != nil {
			return err
		}
	}
	if err := o.store.PersistAtomic(o.opts.OverridesPath); err != nil {
		return err
	}
	o.lastApplied = o.store.Signature()
	log.Info().Str("profile", profile.Name).
		Msgf("%s baseline applied before iter=1", strings.ToUpper(strings.ReplaceAll(profile.Name, "_", "-")))
	return nil
}

func (o *Orchestrator) resolve() (config.Resolved, error) {
	cliLayer, err := config.CLILayer(o.registry, o.opts.CLIParams)
	if err != nil {
		return config.Resolved{}, err
	}
	runtimeLayer, err := config.RuntimeLayer(o.store, func(doc map[string]any, name string, value any) error {
		spec, err := o.registry.Get(name)
		if err != nil {
			return err
		}
		if spec.Type == params.IntParam {
			value = int64(value.(float64))
		}
		return o.registry.WriteNested(doc, name, value)
	})
	if err != nil {
		return config.Resolved{}, err
	}
	resolved := config.Resolve(
		config.Defaults(o.registry),
		o.profileLayer,
		config.EnvLayer(o.registry, o.opts.Environ),
		cliLayer,
		runtimeLayer,
	)
	// The store tracks per-key provenance (profile baseline vs tuner); the
	// resolver only knows the layer won. Re-label runtime-won keys with the
	// store's finer-grained source.
	sources := o.store.Sources()
	for name, src := range sources {
		path, err := o.registry.ToNestedPath(name)
		if err != nil {
			continue
		}
		if resolved.Sources[path] == overrides.SourceRuntime {
			resolved.Sources[path] = src
		}
	}
	return resolved, nil
}

// invokeStrategy runs the external engine with a bounded timeout and parses
// its report. Both failure modes are recoverable; nil KPI flags them.
func (o *Orchestrator) invokeStrategy(ctx context.Context, resolved config.Resolved) (*edge.KPI, string) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.StrategyTimeout)
	defer cancel()

	raw, err := o.strategy.RunOnce(callCtx, resolved)
	if err != nil {
		log.Error().Err(err).Msg("strategy invocation failed; KPIs missing for this iteration")
		return nil, fmt.Sprintf("strategy: %v", err)
	}
	kpi, err := edge.Parse(raw)
	if err != nil {
		log.Error().Err(err).Msg("edge report rejected; KPIs missing for this iteration")
		return nil, fmt.Sprintf("edge report: %v", err)
	}
	return kpi, ""
}

// tune proposes, guards and applies the iteration's delta. Only a persist
// failure returns an error.
func (o *Orchestrator) tune(ctx context.Context, i int, kpi *edge.KPI, resolved config.Resolved, summary *IterSummary) error {
	current, err := o.currentValues(resolved)
	if err != nil {
		return err
	}
	delta := o.tuner.Propose(i, kpi, current)
	summary.ProposedDelta = &delta
	if o.mtx != nil {
		o.mtx.DeltasProposedTotal.Add(float64(len(delta.Changes)))
	}

	skip := func(reason string) {
		summary.SkipReason = reason
		if o.mtx != nil {
			o.mtx.DeltasSkippedTotal.WithLabelValues(reason).Inc()
		}
		log.Info().Int("iter", i).Str("reason", reason).Msg("delta skipped")
	}

	switch {
	case len(delta.Rationale) == 0:
		skip(SkipNoDeltas)
		return nil
	case delta.IsEmpty():
		skip(SkipAllDeltasZero)
		return nil
	case i == o.opts.Iterations:
		skip(SkipFinalIteration)
		return nil
	case delta.Signature() == o.lastApplied && o.lastApplied != "":
		// Identical proposal already committed: do not re-persist.
		skip(SkipSameSignature)
		return nil
	case o.alreadyApplied(delta):
		skip(SkipAlreadyApplied)
		return nil
	}

	proposals := make([]guards.Proposal, 0, len(delta.Changes))
	for _, ch := range delta.Changes {
		spec, err := o.registry.Get(ch.Param)
		if err != nil {
			return err
		}
		proposals = append(proposals, guards.Proposal{
			Param:     ch.Param,
			Subsystem: spec.Subsystem,
			Direction: ch.Direction,
		})
	}
	allowed, dropped := o.guards.Filter(proposals)
	summary.GuardDrops = dropped
	if len(allowed) == 0 {
		skip(guardSkipReason(dropped))
		return nil
	}

	targets := make(map[string]float64, len(allowed))
	directions := make(map[string]int, len(allowed))
	for _, p := range allowed {
		for _, ch := range delta.Changes {
			if ch.Param == p.Param {
				targets[ch.Param] = ch.Target
				directions[ch.Param] = ch.Direction
			}
		}
	}

	applied, err := o.store.Apply(targets, current, overrides.SourceRuntime)
	if err != nil {
		return err
	}
	if err := o.store.PersistAtomic(o.opts.OverridesPath); err != nil {
		return err
	}
	summary.AppliedDelta = applied
	o.lastApplied = delta.Signature()
	for param, dir := range directions {
		o.guards.RecordApplied(param, dir)
	}
	if o.mtx != nil {
		o.mtx.DeltasAppliedTotal.Add(float64(len(applied)))
	}
	for _, ch := range applied {
		log.Info().Int("iter", i).Str("param", ch.Param).
			Float64("from", ch.Previous).Float64("to", ch.Value).
			Bool("clipped", ch.Clipped).Msg("override applied")
	}
	return nil
}

func (o *Orchestrator) currentValues(resolved config.Resolved) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, name := range o.registry.Names() {
		path, err := o.registry.ToNestedPath(name)
		if err != nil {
			return nil, err
		}
		v, _, ok := resolved.Lookup(path)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int64:
			out[name] = float64(n)
		case float64:
			out[name] = n
		case int:
			out[name] = float64(n)
		}
	}
	return out, nil
}

func (o *Orchestrator) alreadyApplied(d tuner.Delta) bool {
	for _, ch := range d.Changes {
		v, _, ok := o.store.Get(ch.Param)
		if !ok || !closeEnough(v, ch.Target) {
			return false
		}
	}
	return true
}

func closeEnough(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}

// guardSkipReason collapses an all-dropped filter result into one summary
// skip reason.
func guardSkipReason(dropped []guards.Drop) string {
	allFrozen, allVelocity, allOsc := true, true, true
	for _, d := range dropped {
		if !strings.HasPrefix(d.Reason, "frozen:") {
			allFrozen = false
		}
		if d.Reason != guards.ReasonVelocityBlocked {
			allVelocity = false
		}
		if d.Reason != guards.ReasonOscillationInhibited {
			allOsc = false
		}
	}
	switch {
	case allFrozen:
		return SkipAllParamsFrozen
	case allVelocity:
		return SkipVelocityBlocked
	case allOsc:
		return SkipOscillationInhibited
	default:
		return SkipAllParamsFrozen
	}
}

// finishIteration stamps, writes and indexes the summary; the tuning report
// is rewritten only after the summary write succeeds (happens-before for
// external readers). Returns false when the artifact writes fail.
func (o *Orchestrator) finishIteration(summary *IterSummary, report *TuningReport, result *RunResult, i int) bool {
	summary.EndedUTC = o.clk.Now().Format(time.RFC3339)
	summary.GuardState = o.guards.Snapshot(o.registry.Names())
	summary.OverridesSignature = o.store.Signature()
	o.observeFreezes(summary.GuardState)

	if err := writeSummary(o.opts.OutDir, summary); err != nil {
		log.Error().Err(err).Int("iter", i).Msg("iteration summary write failed")
		return false
	}
	result.Iterations++

	event := TuningEvent{
		Iteration:  i,
		SkipReason: summary.SkipReason,
		Signature:  summary.OverridesSignature,
	}
	if summary.ProposedDelta != nil {
		event.Zone = summary.ProposedDelta.Zone
		event.ProposedCount = len(summary.ProposedDelta.Changes)
	}
	event.AppliedCount = len(summary.AppliedDelta)
	report.Iterations = append(report.Iterations, event)
	if err := writeTuningReport(o.opts.OutDir, report); err != nil {
		log.Error().Err(err).Int("iter", i).Msg("tuning report write failed")
		return false
	}
	return true
}

func (o *Orchestrator) observe(kpi *edge.KPI) {
	if o.mtx == nil {
		return
	}
	o.mtx.ObserveIteration(o.opts.Symbol, kpi.NetBps, kpi.RiskRatio, kpi.MakerTakerRatio)
	o.mtx.ObserveQuantile("adverse_bps", "0.95", kpi.AdverseBpsP95)
	o.mtx.ObserveQuantile("slippage_bps", "0.95", kpi.SlippageBpsP95)
	o.mtx.ObserveQuantile("order_age_ms", "0.95", kpi.OrderAgeMsP95)
	o.mtx.ObserveQuantile("ws_lag_ms", "0.95", kpi.WsLagMsP95)
}

// High-risk freeze: once the risk block ratio has stayed at or above this
// level long enough to pass the debounce, the loosening-prone subsystems are
// frozen until it subsides. The quote and risk knobs stay tunable so the
// zone rules can keep cutting risk.
const (
	highRiskSignal    = "risk_high"
	highRiskThreshold = 0.70
)

var highRiskFreezeTags = []string{"rebid", "rescue_taker"}

// updateFreezes feeds the iteration's risk level through the debounce and
// keeps the high-risk freeze set in sync with the debounced state.
// Deactivation honors the minimum freeze duration.
func (o *Orchestrator) updateFreezes(kpi *edge.KPI) {
	if o.guards.Debounce.Observe(highRiskSignal, kpi.RiskRatio >= highRiskThreshold) {
		if o.guards.Freeze.IsFrozen(highRiskFreezeTags[0]) {
			return
		}
		reason := fmt.Sprintf("risk_ratio %.2f >= %.2f", kpi.RiskRatio, highRiskThreshold)
		if err := o.guards.Freeze.Activate(highRiskFreezeTags, reason); err != nil {
			log.Error().Err(err).Msg("freeze activation rejected")
			return
		}
		log.Warn().Float64("risk_ratio", kpi.RiskRatio).
			Strs("subsystems", highRiskFreezeTags).Msg("partial freeze active")
		return
	}
	for _, tag := range highRiskFreezeTags {
		if o.guards.Freeze.Deactivate(tag) {
			log.Info().Str("subsystem", tag).Msg("partial freeze lifted")
		}
	}
}

func (o *Orchestrator) observeFreezes(state guards.State) {
	if o.mtx == nil {
		return
	}
	frozen := make(map[string]bool, len(state.FrozenSubsystems))
	for _, tag := range state.FrozenSubsystems {
		frozen[tag] = true
	}
	for _, tag := range guards.FreezableSubsystems {
		o.mtx.SetFreeze(tag, frozen[tag])
	}
}

// sleep waits the configured inter-iteration interval; returns false on
// cancellation.
func (o *Orchestrator) sleep(ctx context.Context) bool {
	secs := o.opts.SleepSeconds
	if secs < 0 {
		secs = SleepSecondsFromEnv()
	}
	if secs == 0 {
		return true
	}
	timer := time.NewTimer(time.Duration(secs) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// SleepSecondsFromEnv reads SOAK_SLEEP_SECONDS clamped to [0, 3600];
// unparseable values fall back to the default.
func SleepSecondsFromEnv() int {
	raw := os.Getenv(EnvSleepSeconds)
	if raw == "" {
		return defaultSleepSeconds
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("value", raw).Msg("SOAK_SLEEP_SECONDS is not an integer; using default")
		return defaultSleepSeconds
	}
	if n < 0 {
		return 0
	}
	if n > maxSleepSeconds {
		return maxSleepSeconds
	}
	return n
}
