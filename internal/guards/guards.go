// Package guards implements the per-run gating mechanisms that decide which
// auto-tuner deltas may be applied: debounce, partial-freeze, velocity and
// oscillation. Guards never fail; filtered proposals carry reason strings
// that propagate into the iteration summary.
package guards

import (
	"fmt"
	"time"

	"github.com/sawpanic/soakring/internal/clock"
)

// Reason strings recorded for filtered proposals.
const (
	ReasonVelocityBlocked      = "velocity-blocked"
	ReasonOscillationInhibited = "oscillation-inhibited"
)

// Proposal is one tuning change as seen by the guards.
type Proposal struct {
	Param     string
	Subsystem string
	Direction int // sign of the intended delta
}

// Drop records a filtered proposal and why.
type Drop struct {
	Param  string `json:"param"`
	Reason string `json:"reason"`
}

// State is the serializable guard snapshot embedded in each ITER_SUMMARY.
type State struct {
	FrozenSubsystems []string       `json:"frozen_subsystems"`
	VelocityCounts   map[string]int `json:"velocity_counts,omitempty"`
	InhibitedParams  []string       `json:"inhibited_params,omitempty"`
}

// Set bundles the four guards with one lifecycle: a single orchestrator run.
type Set struct {
	Debounce    *Debounce
	Freeze      *PartialFreeze
	Velocity    *Velocity
	Oscillation *Oscillation
}

// NewSet builds a guard set with canonical thresholds: debounce 2500/4000 ms,
// min freeze 5000 ms, velocity 2 changes/param/iteration, oscillation window
// 4 with 2 tolerated flips.
func NewSet(clk clock.Clock) *Set {
	return &Set{
		Debounce:    NewDebounce(clk, DefaultOpenMs*time.Millisecond, DefaultCloseMs*time.Millisecond),
		Freeze:      NewPartialFreeze(clk, DefaultMinFreeze),
		Velocity:    NewVelocity(DefaultMaxChangesPerIter),
		Oscillation: NewOscillation(DefaultSignWindow, DefaultMaxFlips),
	}
}

// BeginIteration resets the per-iteration guards.
func (s *Set) BeginIteration(i int) {
	s.Velocity.ResetIteration()
	s.Oscillation.BeginIteration(i)
}

// Filter partitions proposals into allowed and dropped. Order matters: the
// velocity budget is consumed only by proposals that pass the other checks.
func (s *Set) Filter(proposals []Proposal) (allowed []Proposal, dropped []Drop) {
	for _, p := range proposals {
		if s.Freeze.IsFrozen(p.Subsystem) {
			dropped = append(dropped, Drop{Param: p.Param, Reason: fmt.Sprintf("frozen:%s", p.Subsystem)})
			continue
		}
		if s.Oscillation.Inhibited(p.Param) {
			dropped = append(dropped, Drop{Param: p.Param, Reason: ReasonOscillationInhibited})
			continue
		}
		if !s.Velocity.Allow(p.Param) {
			dropped = append(dropped, Drop{Param: p.Param, Reason: ReasonVelocityBlocked})
			continue
		}
		allowed = append(allowed, p)
	}
	return allowed, dropped
}

// RecordApplied feeds applied change directions into the oscillation
// detector.
func (s *Set) RecordApplied(param string, direction int) {
	s.Oscillation.Record(param, direction)
}

// Snapshot captures the current guard state for serialization.
func (s *Set) Snapshot(registryParams []string) State {
	state := State{
		FrozenSubsystems: s.Freeze.Frozen(),
	}
	counts := make(map[string]int)
	for _, p := range registryParams {
		if c := s.Velocity.Count(p); c > 0 {
			counts[p] = c
		}
		if s.Oscillation.Inhibited(p) {
			state.InhibitedParams = append(state.InhibitedParams, p)
		}
	}
	if len(counts) > 0 {
		state.VelocityCounts = counts
	}
	return state
}
