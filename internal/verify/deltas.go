// Package verify correlates the tuner's proposed deltas with the values that
// actually landed in the runtime overrides, and gates releases on the apply
// ratio.
package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/sawpanic/soakring/internal/orchestrator"
	"github.com/sawpanic/soakring/internal/params"
)

// ErrGateFailed marks an apply-ratio gate miss so callers can map it to a
// non-zero exit without string matching.
var ErrGateFailed = errors.New("delta verification gate failed")

// Gate levels and their full-apply thresholds.
const (
	LevelStrict = "strict" // release gate
	LevelMedium = "medium" // nightly gate
	LevelSoft   = "soft"   // PR gate
)

// Threshold returns the full_apply_ratio floor for a gate level.
func Threshold(level string) (float64, error) {
	switch level {
	case LevelStrict:
		return 0.95, nil
	case LevelMedium:
		return 0.80, nil
	case LevelSoft:
		return 0.60, nil
	}
	return 0, fmt.Errorf("unknown gate level %q", level)
}

// Outcome classifies one proposed change.
type Outcome string

const (
	OutcomeFull    Outcome = "full"    // landed at the proposed target
	OutcomePartial Outcome = "partial" // moved, but short of the target
	OutcomeFailed  Outcome = "failed"  // never moved
)

// ChangeResult pairs a proposed change with what the overrides show.
type ChangeResult struct {
	Param    string  `json:"param"`
	From     float64 `json:"from"`
	Target   float64 `json:"target"`
	Final    float64 `json:"final"`
	Outcome  Outcome `json:"outcome"`
	HasFinal bool    `json:"has_final"`
}

// Record is the per-iteration verification record.
type Record struct {
	Iteration      int            `json:"iteration"`
	ProposedCount  int            `json:"proposed_count"`
	AppliedCount   int            `json:"applied_count"`
	PartialCount   int            `json:"partial_count"`
	FailedCount    int            `json:"failed_count"`
	SkipReason     string         `json:"skip_reason,omitempty"`
	SignatureStuck bool           `json:"signature_stuck"`
	FullApplyRatio float64        `json:"full_apply_ratio"`
	Changes        []ChangeResult `json:"changes,omitempty"`
}

// GateResult is the windowed verdict.
type GateResult struct {
	Level          string  `json:"level"`
	Threshold      float64 `json:"threshold"`
	TotalProposed  int     `json:"total_proposed"`
	TotalFull      int     `json:"total_full"`
	TotalPartial   int     `json:"total_partial"`
	TotalFailed    int     `json:"total_failed"`
	FullApplyRatio float64 `json:"full_apply_ratio"`
	SignatureStuck bool    `json:"signature_stuck"`
	AutoPass       bool    `json:"auto_pass"`
	Pass           bool    `json:"pass"`
}

// Report is the full verifier output, serialized as DELTA_VERIFY.json.
type Report struct {
	RunID   string     `json:"run_id"`
	Records []Record   `json:"records"`
	Gate    GateResult `json:"gate"`
}

// Verifier resolves proposed parameter names through the registry and
// compares them against the overrides state seen by the following
// iteration's resolved config.
type Verifier struct {
	registry *params.Registry
	level    string
}

// New builds a Verifier for the given gate level.
func New(registry *params.Registry, level string) (*Verifier, error) {
	if _, err := Threshold(level); err != nil {
		return nil, err
	}
	return &Verifier{registry: registry, level: level}, nil
}

// Verify walks the summaries in order. finalOverrides, when non-nil, is the
// nested overrides document on disk after the run; it backs the last
// iteration, which has no successor summary to read the after-state from.
func (v *Verifier) Verify(summaries []orchestrator.IterSummary, finalOverrides map[string]any) (*Report, error) {
	if len(summaries) == 0 {
		return nil, errors.New("no iteration summaries to verify")
	}

	report := &Report{RunID: summaries[0].RunID}
	totalFull, totalPartial, totalFailed, totalProposed := 0, 0, 0, 0
	anyStuck := false

	for i, s := range summaries {
		rec := Record{
			Iteration:  s.Iteration,
			SkipReason: s.SkipReason,
		}
		if s.ProposedDelta != nil {
			rec.ProposedCount = len(s.ProposedDelta.Changes)
		}

		// A stuck signature means two consecutive iterations both proposed
		// work yet the overrides never budged.
		if i > 0 {
			prev := summaries[i-1]
			if rec.ProposedCount > 0 && prev.ProposedDelta != nil && len(prev.ProposedDelta.Changes) > 0 &&
				s.OverridesSignature == prev.OverridesSignature {
				rec.SignatureStuck = true
				anyStuck = true
			}
		}

		if rec.ProposedCount > 0 {
			after := v.afterState(summaries, i, finalOverrides)
			for _, ch := range s.ProposedDelta.Changes {
				res := v.classify(ch.Param, ch.From, ch.Target, after)
				rec.Changes = append(rec.Changes, res)
				switch res.Outcome {
				case OutcomeFull:
					rec.AppliedCount++
				case OutcomePartial:
					rec.PartialCount++
				default:
					rec.FailedCount++
				}
			}
			rec.FullApplyRatio = float64(rec.AppliedCount) / float64(rec.ProposedCount)
		}

		totalProposed += rec.ProposedCount
		totalFull += rec.AppliedCount
		totalPartial += rec.PartialCount
		totalFailed += rec.FailedCount
		report.Records = append(report.Records, rec)
	}

	threshold, err := Threshold(v.level)
	if err != nil {
		return nil, err
	}
	gate := GateResult{
		Level:          v.level,
		Threshold:      threshold,
		TotalProposed:  totalProposed,
		TotalFull:      totalFull,
		TotalPartial:   totalPartial,
		TotalFailed:    totalFailed,
		SignatureStuck: anyStuck,
	}
	if totalProposed == 0 {
		gate.AutoPass = true
		gate.Pass = true
		gate.FullApplyRatio = 1.0
	} else {
		gate.FullApplyRatio = float64(totalFull) / float64(totalProposed)
		gate.Pass = gate.FullApplyRatio >= threshold
	}
	report.Gate = gate
	return report, nil
}

// afterState is the nested config document reflecting the overrides after
// iteration idx: the next summary's resolved config, or the final overrides
// document for the last iteration. Falls back to replaying the iteration's
// own applied delta when neither is available.
func (v *Verifier) afterState(summaries []orchestrator.IterSummary, idx int, finalOverrides map[string]any) map[string]any {
	if idx+1 < len(summaries) {
		return summaries[idx+1].ResolvedConfig
	}
	if finalOverrides != nil {
		return finalOverrides
	}
	doc := map[string]any{}
	for k, val := range summaries[idx].ResolvedConfig {
		doc[k] = val
	}
	for _, ch := range summaries[idx].AppliedDelta {
		// Best effort: a write error just leaves the pre-apply value in
		// place, which classifies the change as failed.
		_ = v.registry.WriteNested(doc, ch.Param, ch.Value)
	}
	return doc
}

func (v *Verifier) classify(name string, from, target float64, after map[string]any) ChangeResult {
	res := ChangeResult{Param: name, From: from, Target: target, Outcome: OutcomeFailed}

	raw, ok, err := v.registry.ReadNested(after, name)
	if err != nil || !ok {
		return res
	}
	final, ok := asFloat(raw)
	if !ok {
		return res
	}
	res.Final = final
	res.HasFinal = true

	spec, err := v.registry.Get(name)
	if err != nil {
		return res
	}
	tol := spec.Step / 2
	if tol <= 0 {
		tol = 1e-9
	}
	switch {
	case math.Abs(final-target) <= tol:
		res.Outcome = OutcomeFull
	case math.Abs(final-from) <= tol:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomePartial
	}
	return res
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
