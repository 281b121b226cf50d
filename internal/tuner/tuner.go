// Package tuner turns one iteration's edge report into a capped, rationale-
// carrying delta against the runtime overrides. Classification picks exactly
// one primary risk zone; driver add-ons, a two-negative fallback and
// escalating soft-caps layer on top. All numeric caps here are rule caps;
// the parameter registry's hard ranges still apply at apply time.
package tuner

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/soakring/internal/edge"
	"github.com/sawpanic/soakring/internal/overrides"
	"github.com/sawpanic/soakring/internal/params"
)

// Change is one proposed parameter move.
type Change struct {
	Param     string  `json:"param"`
	From      float64 `json:"from"`
	Target    float64 `json:"target"`
	Direction int     `json:"direction"`
	Rationale string  `json:"rationale"`
}

// Delta is the tuner's proposal for one iteration.
type Delta struct {
	Zone      string   `json:"zone"`
	Changes   []Change `json:"changes"`
	Rationale []string `json:"rationale"`
	Notes     []string `json:"notes,omitempty"` // FALLBACK_CONSERVATIVE, SOFTCAP_* markers
}

// IsEmpty reports whether the delta carries no effective change.
func (d Delta) IsEmpty() bool { return len(d.Changes) == 0 }

// Targets returns the proposed absolute values keyed by parameter.
func (d Delta) Targets() map[string]float64 {
	out := make(map[string]float64, len(d.Changes))
	for _, c := range d.Changes {
		out[c.Param] = c.Target
	}
	return out
}

// Signature fingerprints the proposal for same-signature dedup.
func (d Delta) Signature() string { return overrides.Signature(d.Targets()) }

// Tuner carries feedback-loop state across iterations of one run.
type Tuner struct {
	registry *params.Registry

	negStreak    int  // consecutive iterations with net_bps < 0
	fallbackUsed bool // conservative package fires once per run

	prevRisk  float64
	havePrev  bool
	riskStuck int // iterations in a risk-cutting zone without risk improving

	highRiskStreak int // consecutive iterations with risk >= 0.70

	// Soft-cap one-shot bookkeeping: iteration each cap last fired.
	softcapFired map[string]int
	hysteresis   int
}

// New creates a tuner bound to the registry.
func New(registry *params.Registry) *Tuner {
	return &Tuner{
		registry:     registry,
		softcapFired: make(map[string]int),
		hysteresis:   softcapHysteresisIters,
	}
}

// Propose classifies the KPI vector and assembles the iteration's delta.
// current must hold the resolved value of every registered parameter.
func (t *Tuner) Propose(iter int, kpi *edge.KPI, current map[string]float64) Delta {
	acc := newAccumulator(t.registry, current)

	zone := classify(kpi)
	applyZone(acc, zone, kpi)

	triggers := applyDrivers(acc, kpi)
	if triggers > maxSimultaneousTriggers {
		kept := acc.keepConservativeOnly()
		log.Warn().Int("iter", iter).Int("triggers", triggers).Int("kept", kept).
			Msg("multi-fail guard: dropping loosening deltas")
	}

	delta := Delta{Zone: zone.name}

	t.trackStreaks(zone, kpi)
	if t.applyFallback(acc, kpi) {
		delta.Notes = append(delta.Notes, "FALLBACK_CONSERVATIVE")
		log.Warn().Int("iter", iter).Float64("net_bps", kpi.NetBps).Msg("FALLBACK_CONSERVATIVE")
	}
	delta.Notes = append(delta.Notes, t.applySoftCaps(acc, iter, kpi)...)

	delta.Changes, delta.Rationale = acc.fold()
	return delta
}

const maxSimultaneousTriggers = 3

func (t *Tuner) trackStreaks(zone zone, kpi *edge.KPI) {
	if kpi.NetBps < 0 {
		t.negStreak++
	} else {
		t.negStreak = 0
	}
	if kpi.RiskRatio >= 0.70 {
		t.highRiskStreak++
	} else {
		t.highRiskStreak = 0
	}
	if zone.cutsRisk {
		if t.havePrev && kpi.RiskRatio >= t.prevRisk {
			t.riskStuck++
		}
	} else {
		t.riskStuck = 0
	}
	t.prevRisk = kpi.RiskRatio
	t.havePrev = true
}

// applyFallback fires the conservative package once per run after two
// consecutive negative-edge iterations.
func (t *Tuner) applyFallback(acc *accumulator, kpi *edge.KPI) bool {
	if t.fallbackUsed || t.negStreak < 2 {
		return false
	}
	t.fallbackUsed = true
	acc.add("min_interval_ms", +10, capAt(80), "FALLBACK → min_interval_ms += 10")
	acc.add("replace_rate_per_min", -30, floorAt(60), "FALLBACK → replace_rate_per_min -= 30")
	acc.add("tail_age_ms", +30, capAt(800), "FALLBACK → tail_age_ms += 30")
	acc.add("impact_cap_ratio", -0.01, floorAt(0.08), "FALLBACK → impact_cap_ratio -= 0.01")
	return true
}

func direction(from, target float64) int {
	switch {
	case target > from:
		return 1
	case target < from:
		return -1
	default:
		return 0
	}
}

// --- adjustment accumulator ---

type constraint struct {
	cap   *float64
	floor *float64
}

func capAt(v float64) constraint   { return constraint{cap: &v} }
func floorAt(v float64) constraint { return constraint{floor: &v} }

type adjustment struct {
	delta       float64
	absolute    *float64 // overrides delta entirely (soft-cap overrides)
	constraints []constraint
	labels      []string
}

// accumulator merges additive rule deltas per parameter, then folds them
// into clamped Change values with joined rationale strings.
type accumulator struct {
	registry *params.Registry
	current  map[string]float64
	adjust   map[string]*adjustment
}

func newAccumulator(registry *params.Registry, current map[string]float64) *accumulator {
	return &accumulator{
		registry: registry,
		current:  current,
		adjust:   make(map[string]*adjustment),
	}
}

func (a *accumulator) add(param string, delta float64, c constraint, label string) {
	adj := a.ensure(param)
	adj.delta += delta
	adj.constraints = append(adj.constraints, c)
	adj.labels = append(adj.labels, label)
}

// override pins the parameter to an absolute target, discarding accumulated
// relative deltas. Used by soft-cap overrides.
func (a *accumulator) override(param string, target float64, label string) {
	adj := a.ensure(param)
	adj.absolute = &target
	adj.labels = append(adj.labels, label)
}

func (a *accumulator) ensure(param string) *adjustment {
	adj, ok := a.adjust[param]
	if !ok {
		adj = &adjustment{}
		a.adjust[param] = adj
	}
	return adj
}

// keepConservativeOnly drops everything except min_interval raises and
// spread raises, returning how many adjustments survive.
func (a *accumulator) keepConservativeOnly() int {
	for param, adj := range a.adjust {
		conservative := (param == "min_interval_ms" && adj.delta > 0) ||
			(param == "base_spread_bps_delta" && adj.delta > 0)
		if !conservative && adj.absolute == nil {
			delete(a.adjust, param)
		}
	}
	return len(a.adjust)
}

func (a *accumulator) fold() ([]Change, []string) {
	names := make([]string, 0, len(a.adjust))
	for name := range a.adjust {
		names = append(names, name)
	}
	sort.Strings(names)

	var changes []Change
	var rationale []string
	for _, name := range names {
		adj := a.adjust[name]
		from, ok := a.current[name]
		if !ok {
			log.Warn().Str("param", name).Msg("skipping adjustment: parameter missing from resolved config")
			continue
		}
		spec, err := a.registry.Get(name)
		if err != nil {
			log.Error().Str("param", name).Err(err).Msg("skipping adjustment: unregistered parameter")
			continue
		}

		target := from + adj.delta
		if adj.absolute != nil {
			target = *adj.absolute
		}

		clipLabel := ""
		for _, c := range adj.constraints {
			if adj.absolute != nil {
				break
			}
			if c.cap != nil && target > *c.cap {
				target = *c.cap
				clipLabel = fmt.Sprintf("CAPPED at %s", spec.Format(*c.cap))
			}
			if c.floor != nil && target < *c.floor {
				target = *c.floor
				clipLabel = fmt.Sprintf("FLOORED at %s", spec.Format(*c.floor))
			}
		}

		line := joinLabels(adj.labels)
		if clipLabel != "" {
			line = fmt.Sprintf("%s (%s)", line, clipLabel)
		}
		rationale = append(rationale, line)

		if math.Abs(target-from) < 1e-12 {
			// Intent preserved in rationale; no change emitted.
			continue
		}
		changes = append(changes, Change{
			Param:     name,
			From:      from,
			Target:    target,
			Direction: direction(from, target),
			Rationale: line,
		})
	}
	return changes, rationale
}

func joinLabels(labels []string) string {
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += "; "
		}
		out += l
	}
	return out
}
