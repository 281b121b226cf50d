package guards

import (
	"time"

	"github.com/sawpanic/soakring/internal/clock"
)

const (
	// DefaultOpenMs is how long a signal must stay continuously true before
	// it activates.
	DefaultOpenMs = 2500
	// DefaultCloseMs is how long a signal must stay continuously false
	// before it deactivates.
	DefaultCloseMs = 4000
)

// Debounce gates boolean signals with asymmetric open/close thresholds so a
// flickering input cannot oscillate a freeze.
type Debounce struct {
	clk      clock.Clock
	openFor  time.Duration
	closeFor time.Duration
	signals  map[string]*debounceState
}

type debounceState struct {
	raw            bool
	rawSince       time.Duration
	active         bool
	lastTransition time.Duration
}

// NewDebounce builds a debouncer; zero thresholds select the defaults.
func NewDebounce(clk clock.Clock, openFor, closeFor time.Duration) *Debounce {
	if openFor <= 0 {
		openFor = DefaultOpenMs * time.Millisecond
	}
	if closeFor <= 0 {
		closeFor = DefaultCloseMs * time.Millisecond
	}
	return &Debounce{
		clk:      clk,
		openFor:  openFor,
		closeFor: closeFor,
		signals:  make(map[string]*debounceState),
	}
}

// Observe feeds the raw signal value and returns the debounced state.
func (d *Debounce) Observe(name string, raw bool) bool {
	now := d.clk.MonotonicNow()
	st, ok := d.signals[name]
	if !ok {
		st = &debounceState{raw: raw, rawSince: now}
		d.signals[name] = st
		return st.active
	}
	if st.raw != raw {
		st.raw = raw
		st.rawSince = now
	}

	if !st.active && st.raw && now-st.rawSince >= d.openFor {
		st.active = true
		st.lastTransition = now
	} else if st.active && !st.raw && now-st.rawSince >= d.closeFor {
		st.active = false
		st.lastTransition = now
	}
	return st.active
}

// Active reports the debounced state without feeding a new observation.
func (d *Debounce) Active(name string) bool {
	st, ok := d.signals[name]
	return ok && st.active
}

// LastTransition returns the monotonic timestamp of the signal's most recent
// activation or deactivation.
func (d *Debounce) LastTransition(name string) (time.Duration, bool) {
	st, ok := d.signals[name]
	if !ok {
		return 0, false
	}
	return st.lastTransition, true
}
