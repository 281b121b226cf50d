package guards

const (
	// DefaultSignWindow is how many recent change signs are kept per parameter.
	DefaultSignWindow = 4
	// DefaultMaxFlips is how many sign flips inside the window are tolerated
	// before the parameter is inhibited for the next iteration.
	DefaultMaxFlips = 2
)

// Oscillation detects flip-flopping tuning on a parameter: raise, lower,
// raise again. A parameter that oscillates is inhibited for one iteration.
type Oscillation struct {
	window         int
	maxFlips       int
	iter           int
	signs          map[string][]int
	inhibitedUntil map[string]int
}

// NewOscillation builds the detector; non-positive arguments select defaults.
func NewOscillation(window, maxFlips int) *Oscillation {
	if window <= 0 {
		window = DefaultSignWindow
	}
	if maxFlips <= 0 {
		maxFlips = DefaultMaxFlips
	}
	return &Oscillation{
		window:         window,
		maxFlips:       maxFlips,
		signs:          make(map[string][]int),
		inhibitedUntil: make(map[string]int),
	}
}

// BeginIteration advances the detector to iteration i (1-based).
func (o *Oscillation) BeginIteration(i int) {
	o.iter = i
}

// Record notes an applied change's direction (+1 or -1) for the parameter.
// Zero-direction changes are ignored.
func (o *Oscillation) Record(param string, direction int) {
	if direction == 0 {
		return
	}
	sign := 1
	if direction < 0 {
		sign = -1
	}
	ring := append(o.signs[param], sign)
	if len(ring) > o.window {
		ring = ring[len(ring)-o.window:]
	}
	o.signs[param] = ring

	if o.flips(param) > o.maxFlips {
		o.inhibitedUntil[param] = o.iter + 1
	}
}

// Inhibited reports whether the parameter is blocked this iteration.
func (o *Oscillation) Inhibited(param string) bool {
	until, ok := o.inhibitedUntil[param]
	return ok && o.iter <= until
}

func (o *Oscillation) flips(param string) int {
	ring := o.signs[param]
	flips := 0
	for i := 1; i < len(ring); i++ {
		if ring[i] != ring[i-1] {
			flips++
		}
	}
	return flips
}
