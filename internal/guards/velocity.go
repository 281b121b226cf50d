package guards

// DefaultMaxChangesPerIter caps how many times one parameter may change in a
// single iteration.
const DefaultMaxChangesPerIter = 2

// Velocity limits per-parameter change frequency inside one iteration. The
// counter resets when the orchestrator begins the next iteration.
type Velocity struct {
	maxChanges int
	counts     map[string]int
}

// NewVelocity builds a velocity limiter; non-positive max selects the default.
func NewVelocity(maxChanges int) *Velocity {
	if maxChanges <= 0 {
		maxChanges = DefaultMaxChangesPerIter
	}
	return &Velocity{maxChanges: maxChanges, counts: make(map[string]int)}
}

// ResetIteration clears all per-parameter counters.
func (v *Velocity) ResetIteration() {
	v.counts = make(map[string]int)
}

// Allow consumes one change slot for the parameter. Once the per-iteration
// budget is spent further proposals are rejected; earlier proposals win.
func (v *Velocity) Allow(param string) bool {
	if v.counts[param] >= v.maxChanges {
		return false
	}
	v.counts[param]++
	return true
}

// Count returns how many changes the parameter has consumed this iteration.
func (v *Velocity) Count(param string) int {
	return v.counts[param]
}
