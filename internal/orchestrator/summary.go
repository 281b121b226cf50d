package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/sawpanic/soakring/internal/atomicio"
	"github.com/sawpanic/soakring/internal/edge"
	"github.com/sawpanic/soakring/internal/guards"
	"github.com/sawpanic/soakring/internal/overrides"
	"github.com/sawpanic/soakring/internal/tuner"
)

// Skip reasons recorded when an iteration applies nothing.
const (
	SkipAlreadyApplied       = "already_applied"
	SkipNoDeltas             = "no_deltas"
	SkipAllDeltasZero        = "all_deltas_zero"
	SkipFinalIteration       = "final_iteration"
	SkipSameSignature        = "same_signature"
	SkipAllParamsFrozen      = "all_params_frozen"
	SkipVelocityBlocked      = guards.ReasonVelocityBlocked
	SkipOscillationInhibited = guards.ReasonOscillationInhibited
)

// IterSummary is the per-iteration artifact: everything a post-soak reader
// needs to audit what happened and why.
type IterSummary struct {
	Iteration  int    `json:"iteration"`
	RunID      string `json:"run_id"`
	StartedUTC string `json:"started_utc"`
	EndedUTC   string `json:"ended_utc"`

	ResolvedConfig map[string]any    `json:"resolved_config"`
	ConfigSources  map[string]string `json:"config_sources"`

	KPIs        *edge.KPI `json:"kpis"` // nil when the iteration failed
	KPIsMissing bool      `json:"kpis_missing"`
	FailureNote string    `json:"failure_note,omitempty"`

	ProposedDelta *tuner.Delta              `json:"proposed_delta"`
	AppliedDelta  []overrides.AppliedChange `json:"applied_delta"`
	SkipReason    string                    `json:"skip_reason,omitempty"`
	GuardDrops    []guards.Drop             `json:"guard_drops,omitempty"`
	GuardState    guards.State              `json:"guard_state"`

	OverridesSignature string `json:"overrides_signature"`
	Partial            bool   `json:"partial"`
}

// TuningEvent is one entry of TUNING_REPORT.json.
type TuningEvent struct {
	Iteration     int    `json:"iteration"`
	Zone          string `json:"zone"`
	ProposedCount int    `json:"proposed_count"`
	AppliedCount  int    `json:"applied_count"`
	SkipReason    string `json:"skip_reason,omitempty"`
	Signature     string `json:"signature"`
}

// TuningReport is rewritten whole each iteration: after iteration i it holds
// exactly i entries.
type TuningReport struct {
	RunID      string        `json:"run_id"`
	Version    string        `json:"version"`
	Iterations []TuningEvent `json:"iterations"`
}

// SummaryPath names ITER_SUMMARY_{i}.json inside the output directory.
func SummaryPath(dir string, iteration int) string {
	return filepath.Join(dir, fmt.Sprintf("ITER_SUMMARY_%d.json", iteration))
}

// TuningReportPath names TUNING_REPORT.json inside the output directory.
func TuningReportPath(dir string) string {
	return filepath.Join(dir, "TUNING_REPORT.json")
}

func writeSummary(dir string, s *IterSummary) error {
	return atomicio.WriteJSONAtomic(SummaryPath(dir, s.Iteration), s)
}

func writeTuningReport(dir string, r *TuningReport) error {
	return atomicio.WriteJSONAtomic(TuningReportPath(dir), r)
}
