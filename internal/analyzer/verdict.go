package analyzer

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/soakring/internal/clock"
	"github.com/sawpanic/soakring/internal/edge"
	"github.com/sawpanic/soakring/internal/orchestrator"
)

// Modes select the gate thresholds that differ between a long soak run and
// a short shadow run.
const (
	ModeSoak   = "soak"
	ModeShadow = "shadow"
)

// Verdicts.
const (
	VerdictReady = "READY"
	VerdictHold  = "HOLD"
	VerdictBlock = "BLOCK"
)

// Hard gate thresholds.
const (
	gateMakerTakerMin  = 0.83
	gateP95SoakMaxMs   = 340.0
	gateP95ShadowMaxMs = 350.0
	gateRiskMax        = 0.40
	gateNetSoakMin     = 2.9
	gateNetShadowMin   = 2.5
)

// Soft gate thresholds: misses warn, never change the verdict.
const (
	softMakerShareMinPct = 85.0
	softWsLagMaxMs       = 200.0
)

// FreezeApplyRatioMin is the full-apply floor below which a READY run still
// may not freeze.
const FreezeApplyRatioMin = 0.95

// ApplyHealth carries the delta-verifier facts the freeze decision needs.
type ApplyHealth struct {
	SignatureStuck bool
	FullApplyRatio float64
}

// Analyzer computes snapshots and verdicts over iteration summaries.
type Analyzer struct {
	mode  string
	lastN int
	clk   clock.Clock
}

// New builds an Analyzer; mode must be ModeSoak or ModeShadow.
func New(mode string, lastN int, clk clock.Clock) (*Analyzer, error) {
	if mode != ModeSoak && mode != ModeShadow {
		return nil, fmt.Errorf("unknown analyzer mode %q", mode)
	}
	if lastN <= 0 {
		lastN = DefaultLastN
	}
	return &Analyzer{mode: mode, lastN: lastN, clk: clk}, nil
}

type gate struct {
	kpi    string
	metric float64 // window median for this KPI
	pass   bool
	label  string
}

func (a *Analyzer) p95Max() float64 {
	if a.mode == ModeShadow {
		return gateP95ShadowMaxMs
	}
	return gateP95SoakMaxMs
}

func (a *Analyzer) netMin() float64 {
	if a.mode == ModeShadow {
		return gateNetShadowMin
	}
	return gateNetSoakMin
}

func (a *Analyzer) hardGates(stats map[string]Stats) []gate {
	return []gate{
		{
			kpi: KPIMakerTaker, metric: stats[KPIMakerTaker].Median,
			pass:  stats[KPIMakerTaker].Median >= gateMakerTakerMin,
			label: fmt.Sprintf("maker_taker_ratio >= %.2f", gateMakerTakerMin),
		},
		{
			kpi: KPIP95Latency, metric: stats[KPIP95Latency].Median,
			pass:  stats[KPIP95Latency].Median <= a.p95Max(),
			label: fmt.Sprintf("p95_latency_ms <= %.0f", a.p95Max()),
		},
		{
			kpi: KPIRiskRatio, metric: stats[KPIRiskRatio].Median,
			pass:  stats[KPIRiskRatio].Median <= gateRiskMax,
			label: fmt.Sprintf("risk_ratio <= %.2f", gateRiskMax),
		},
		{
			kpi: KPINetBps, metric: stats[KPINetBps].Median,
			pass:  stats[KPINetBps].Median >= a.netMin(),
			label: fmt.Sprintf("net_bps >= %.1f", a.netMin()),
		},
	}
}

// iterationPasses reports whether a single iteration's KPI vector clears
// every hard gate on its own.
func (a *Analyzer) iterationPasses(k *edge.KPI) bool {
	return k.MakerTakerRatio >= gateMakerTakerMin &&
		k.OrderAgeMsP95 <= a.p95Max() &&
		k.RiskRatio <= gateRiskMax &&
		k.NetBps >= a.netMin()
}

// Analyze builds the snapshot for a run. health comes from the delta
// verifier; a zero value (ratio 0) keeps freeze_ready false, which is the
// safe default when verification was skipped.
func (a *Analyzer) Analyze(summaries []orchestrator.IterSummary, health ApplyHealth) (*Snapshot, error) {
	w, err := buildWindow(summaries, a.lastN)
	if err != nil {
		return nil, err
	}

	stats := map[string]Stats{
		KPIMakerTaker: aggregate(w.series(KPIMakerTaker)),
		KPINetBps:     aggregate(w.series(KPINetBps)),
		KPIP95Latency: aggregate(w.series(KPIP95Latency)),
		KPIRiskRatio:  aggregate(w.series(KPIRiskRatio)),
	}

	gates := a.hardGates(stats)
	goalsMet := make(map[string]bool, len(gates))
	missed := 0
	for _, g := range gates {
		goalsMet[g.kpi] = g.pass
		if !g.pass {
			missed++
		}
	}

	passCount := 0
	for _, k := range w.kpis {
		if a.iterationPasses(k) {
			passCount++
		}
	}
	needed := int(math.Ceil(0.75 * float64(len(w.kpis))))

	verdict := VerdictBlock
	switch {
	case missed == 0 && passCount >= needed:
		verdict = VerdictReady
	case missed >= 1 && missed <= 2 && a.trendImproving(w, gates):
		verdict = VerdictHold
	case missed == 0:
		// Medians pass but too few individual iterations do; the window is
		// noisy, not broken.
		verdict = VerdictHold
	}

	runID := ""
	if len(summaries) > 0 {
		runID = summaries[0].RunID
	}
	snap := &Snapshot{
		RunID:            runID,
		Mode:             a.mode,
		LastN:            len(w.kpis),
		WindowIterations: w.iterations(),
		KPIs:             stats,
		Verdict:          verdict,
		PassCountLastN:   passCount,
		KPIGoalsMet:      goalsMet,
		SoftWarnings:     a.softWarnings(w),
		SignatureStuck:   health.SignatureStuck,
		FullApplyRatio:   health.FullApplyRatio,
		GeneratedUTC:     a.clk.Now().UTC().Format(time.RFC3339),
		Version:          clock.Version(),
	}
	snap.FreezeReady = verdict == VerdictReady &&
		!health.SignatureStuck &&
		health.FullApplyRatio >= FreezeApplyRatioMin

	log.Info().
		Str("verdict", verdict).
		Bool("freeze_ready", snap.FreezeReady).
		Int("pass_count", passCount).
		Int("window", len(w.kpis)).
		Msg("post-soak analysis complete")
	return snap, nil
}

// trendImproving checks the last three window values of every missed gate's
// KPI: each step must move toward the gate (monotonic recovery).
func (a *Analyzer) trendImproving(w *window, gates []gate) bool {
	if len(w.kpis) < 3 {
		return false
	}
	for _, g := range gates {
		if g.pass {
			continue
		}
		vals := w.series(g.kpi)
		vals = vals[len(vals)-3:]
		higherIsBetter := g.kpi == KPIMakerTaker || g.kpi == KPINetBps
		for i := 1; i < len(vals); i++ {
			if higherIsBetter && vals[i] <= vals[i-1] {
				return false
			}
			if !higherIsBetter && vals[i] >= vals[i-1] {
				return false
			}
		}
	}
	return true
}

func (a *Analyzer) softWarnings(w *window) []string {
	var warns []string
	share := aggregate(func() []float64 {
		out := make([]float64, len(w.kpis))
		for i, k := range w.kpis {
			out[i] = k.MakerSharePct
		}
		return out
	}())
	if share.Median < softMakerShareMinPct {
		warns = append(warns, fmt.Sprintf("maker_share_pct median %.1f below %.0f", share.Median, softMakerShareMinPct))
	}
	lag := aggregate(func() []float64 {
		out := make([]float64, len(w.kpis))
		for i, k := range w.kpis {
			out[i] = k.WsLagMsP95
		}
		return out
	}())
	if lag.Median > softWsLagMaxMs {
		warns = append(warns, fmt.Sprintf("ws_lag_ms_p95 median %.0f above %.0f", lag.Median, softWsLagMaxMs))
	}
	for _, w := range warns {
		log.Warn().Str("gate", "soft").Msg(w)
	}
	return warns
}
