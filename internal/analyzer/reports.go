package analyzer

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/sawpanic/soakring/internal/atomicio"
	"github.com/sawpanic/soakring/internal/orchestrator"
)

// Artifact names inside the analysis output directory.
const (
	SnapshotFile        = "POST_SOAK_SNAPSHOT.json"
	AuditFile           = "POST_SOAK_AUDIT.md"
	RecommendationsFile = "RECOMMENDATIONS.md"
	FailuresFile        = "FAILURES.md"
)

// WriteArtifacts emits the snapshot and its three human reports into dir.
func WriteArtifacts(dir string, snap *Snapshot, summaries []orchestrator.IterSummary) error {
	if err := atomicio.WriteJSONAtomic(filepath.Join(dir, SnapshotFile), snap); err != nil {
		return err
	}
	w, err := buildWindow(summaries, snap.LastN)
	if err != nil {
		return err
	}
	files := map[string]string{
		AuditFile:           renderAudit(snap, w),
		RecommendationsFile: renderRecommendations(snap),
		FailuresFile:        renderFailures(summaries),
	}
	for name, body := range files {
		if err := atomicio.WriteFileAtomic(filepath.Join(dir, name), []byte(body)); err != nil {
			return err
		}
	}
	return nil
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// sparkline maps a series onto eight block heights; a flat series renders
// mid-height.
func sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	var b strings.Builder
	for _, v := range values {
		idx := len(sparkLevels) / 2
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkLevels)-1))
		}
		b.WriteRune(sparkLevels[idx])
	}
	return b.String()
}

func renderAudit(snap *Snapshot, w *window) string {
	var b strings.Builder
	b.WriteString("# Post-Soak Audit\n\n")
	fmt.Fprintf(&b, "Run `%s` · mode %s · window last %d iterations %v\n\n",
		snap.RunID, snap.Mode, snap.LastN, snap.WindowIterations)
	fmt.Fprintf(&b, "**Verdict: %s** · freeze_ready=%v · pass %d/%d\n\n",
		snap.Verdict, snap.FreezeReady, snap.PassCountLastN, snap.LastN)

	b.WriteString("| KPI | Min | Median | Mean | Max | Trend | Gate |\n")
	b.WriteString("|-----|----:|-------:|-----:|----:|-------|:----:|\n")
	for _, kpi := range []string{KPIMakerTaker, KPINetBps, KPIP95Latency, KPIRiskRatio} {
		s := snap.KPIs[kpi]
		mark := "MISS"
		if snap.KPIGoalsMet[kpi] {
			mark = "ok"
		}
		fmt.Fprintf(&b, "| %s | %.3f | %.3f | %.3f | %.3f | `%s` | %s |\n",
			kpi, s.Min, s.Median, s.Mean, s.Max, sparkline(w.series(kpi)), mark)
	}
	b.WriteString("\n")

	if len(snap.SoftWarnings) > 0 {
		b.WriteString("## Soft gate warnings\n\n")
		for _, warn := range snap.SoftWarnings {
			fmt.Fprintf(&b, "- %s\n", warn)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Apply health: full_apply_ratio %.3f, signature_stuck=%v\n\n",
		snap.FullApplyRatio, snap.SignatureStuck)
	fmt.Fprintf(&b, "Generated %s · %s\n", snap.GeneratedUTC, snap.Version)
	return b.String()
}

func renderRecommendations(snap *Snapshot) string {
	var b strings.Builder
	b.WriteString("# Recommendations\n\n")

	var recs []string
	if !snap.KPIGoalsMet[KPIMakerTaker] {
		recs = append(recs, "Maker/taker below gate: widen base_spread_bps_delta or raise min_interval_ms so quotes rest longer before crossing.")
	}
	if !snap.KPIGoalsMet[KPIP95Latency] {
		recs = append(recs, "Order-age p95 above gate: lower tail_age_ms and replace_rate_per_min to cut refresh pressure on the books.")
	}
	if !snap.KPIGoalsMet[KPIRiskRatio] {
		recs = append(recs, "Risk block ratio above gate: tighten impact_cap_ratio and max_delta_ratio before the next soak.")
	}
	if !snap.KPIGoalsMet[KPINetBps] {
		recs = append(recs, "Net edge below gate: inspect neg_edge_drivers in the last iteration summaries before touching spreads.")
	}
	if snap.SignatureStuck {
		recs = append(recs, "Overrides signature is stuck: the tuner keeps proposing deltas that never land. Check guard drops and frozen subsystems.")
	}
	if snap.FullApplyRatio < FreezeApplyRatioMin && !snap.SignatureStuck {
		recs = append(recs, fmt.Sprintf("full_apply_ratio %.2f is below the %.2f freeze floor: review partial/failed deltas in DELTA_VERIFY_REPORT.md.", snap.FullApplyRatio, FreezeApplyRatioMin))
	}
	for _, warn := range snap.SoftWarnings {
		recs = append(recs, "Soft gate: "+warn)
	}

	if len(recs) == 0 {
		fmt.Fprintf(&b, "All gates green (verdict %s). Proceed to `release build-bundle`.\n", snap.Verdict)
		return b.String()
	}
	for _, r := range recs {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return b.String()
}

func renderFailures(summaries []orchestrator.IterSummary) string {
	var b strings.Builder
	b.WriteString("# Failures\n\n")

	any := false
	for _, s := range summaries {
		if !s.KPIsMissing && s.FailureNote == "" && len(s.GuardDrops) == 0 && !s.Partial {
			continue
		}
		any = true
		fmt.Fprintf(&b, "## Iteration %d\n\n", s.Iteration)
		if s.KPIsMissing {
			b.WriteString("- KPIs missing for this iteration\n")
		}
		if s.FailureNote != "" {
			fmt.Fprintf(&b, "- %s\n", s.FailureNote)
		}
		if s.Partial {
			b.WriteString("- run ended partially during this iteration\n")
		}
		for _, d := range s.GuardDrops {
			fmt.Fprintf(&b, "- guard dropped `%s`: %s\n", d.Param, d.Reason)
		}
		b.WriteString("\n")
	}
	if !any {
		b.WriteString("No failures recorded.\n")
	}
	return b.String()
}
