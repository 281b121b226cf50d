package params

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownParam is returned for any parameter not present in the registry.
// A tuner proposing an unregistered parameter is a bug, not a runtime state.
var ErrUnknownParam = errors.New("unknown tunable parameter")

// ValueType distinguishes integer-valued knobs (milliseconds, rates) from
// float-valued ratios.
type ValueType int

const (
	IntParam ValueType = iota
	FloatParam
)

func (vt ValueType) String() string {
	if vt == IntParam {
		return "int"
	}
	return "float"
}

// ParamSpec is the compile-time registration of one tunable parameter.
type ParamSpec struct {
	Name       string    `json:"name"`        // flat key, e.g. "min_interval_ms"
	NestedPath string    `json:"nested_path"` // dotted path, e.g. "quote.min_interval_ms"
	Type       ValueType `json:"-"`
	Lo         float64   `json:"lo"`        // hard floor
	Hi         float64   `json:"hi"`        // hard cap
	MaxStep    float64   `json:"max_step"`  // largest single-iteration delta
	Step       float64   `json:"step"`      // rounding grid (5 ms, 0.005 ratio, ...)
	Subsystem  string    `json:"subsystem"` // partial-freeze tag this knob belongs to
}

// Registry is the single authority on tunable parameters: ranges, step
// rounding, nested resolution and subsystem mapping all come from here.
type Registry struct {
	specs map[string]ParamSpec
	order []string
}

// Default returns the production registry for the market-making runtime.
func Default() *Registry {
	r := &Registry{specs: make(map[string]ParamSpec)}
	for _, spec := range []ParamSpec{
		{Name: "min_interval_ms", NestedPath: "quote.min_interval_ms", Type: IntParam,
			Lo: 40, Hi: 200, MaxStep: 40, Step: 5, Subsystem: "quote"},
		{Name: "base_spread_bps_delta", NestedPath: "quote.base_spread_bps_delta", Type: FloatParam,
			Lo: 0.0, Hi: 0.25, MaxStep: 0.05, Step: 0.01, Subsystem: "quote"},
		{Name: "tail_age_ms", NestedPath: "quote.tail_age_ms", Type: IntParam,
			Lo: 200, Hi: 800, MaxStep: 60, Step: 10, Subsystem: "quote"},
		{Name: "impact_cap_ratio", NestedPath: "risk.impact_cap_ratio", Type: FloatParam,
			Lo: 0.06, Hi: 0.20, MaxStep: 0.02, Step: 0.005, Subsystem: "risk"},
		{Name: "max_delta_ratio", NestedPath: "risk.max_delta_ratio", Type: FloatParam,
			Lo: 0.10, Hi: 0.40, MaxStep: 0.02, Step: 0.005, Subsystem: "risk"},
		{Name: "replace_rate_per_min", NestedPath: "rebid.replace_rate_per_min", Type: IntParam,
			Lo: 30, Hi: 300, MaxStep: 90, Step: 5, Subsystem: "rebid"},
	} {
		r.specs[spec.Name] = spec
		r.order = append(r.order, spec.Name)
	}
	return r
}

// Get returns the spec for name, or ErrUnknownParam.
func (r *Registry) Get(name string) (ParamSpec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return ParamSpec{}, fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	return spec, nil
}

// Names returns all registered parameter names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Subsystems returns the distinct partial-freeze tags in first-seen order.
func (r *Registry) Subsystems() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range r.order {
		tag := r.specs[name].Subsystem
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

// ToNestedPath maps a flat parameter name to its dotted config path.
func (r *Registry) ToNestedPath(name string) (string, error) {
	spec, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return spec.NestedPath, nil
}

// ClampResult reports how a proposed value was adjusted.
type ClampResult struct {
	Value   float64
	Clipped bool
	Reason  string // empty when not clipped
}

// ClampDelta applies step snapping, the per-iteration step cap, and the hard
// range to a proposed value. Intent is preserved: a proposal already pinned at
// a bound returns the bound with Clipped=true so callers can log the attempt.
func (r *Registry) ClampDelta(name string, current, proposed float64) (ClampResult, error) {
	spec, err := r.Get(name)
	if err != nil {
		return ClampResult{}, err
	}

	value := spec.snap(proposed)
	res := ClampResult{Value: value}

	// Per-iteration step cap.
	if delta := value - current; math.Abs(delta) > spec.MaxStep {
		if delta > 0 {
			value = current + spec.MaxStep
		} else {
			value = current - spec.MaxStep
		}
		value = spec.snap(value)
		res.Clipped = true
		res.Reason = fmt.Sprintf("step-capped to %s", spec.format(value))
	}

	// Hard range.
	if value > spec.Hi {
		value = spec.Hi
		res.Clipped = true
		res.Reason = fmt.Sprintf("CAPPED at %s", spec.format(spec.Hi))
	} else if value < spec.Lo {
		value = spec.Lo
		res.Clipped = true
		res.Reason = fmt.Sprintf("FLOORED at %s", spec.format(spec.Lo))
	}

	res.Value = value
	return res, nil
}

// snap rounds a value onto the parameter's step grid. Integer parameters
// round half away from zero after snapping.
func (s ParamSpec) snap(v float64) float64 {
	if s.Step > 0 {
		v = roundHalfAway(v/s.Step) * s.Step
	}
	if s.Type == IntParam {
		v = roundHalfAway(v)
	}
	return v
}

func (s ParamSpec) format(v float64) string {
	if s.Type == IntParam {
		return fmt.Sprintf("%d", int64(roundHalfAway(v)))
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// Format renders v the way this parameter is shown in rationale strings.
func (s ParamSpec) Format(v float64) string { return s.format(v) }

func roundHalfAway(v float64) float64 {
	if v >= 0 {
		return math.Floor(v + 0.5)
	}
	return math.Ceil(v - 0.5)
}
