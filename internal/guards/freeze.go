package guards

import (
	"errors"
	"sort"
	"time"

	"github.com/sawpanic/soakring/internal/clock"
	"github.com/sawpanic/soakring/internal/params"
)

// ErrEdgeNotFreezable rejects any attempt to freeze the edge subsystem.
// Edge computation must keep running even in the most defensive posture.
var ErrEdgeNotFreezable = errors.New("edge subsystem is not freezable")

// FreezableSubsystems lists every tag the freeze tracker reports on: the
// registry's parameter subsystems plus rescue_taker, which carries no
// tunable parameter but can still be frozen.
var FreezableSubsystems = append(params.Default().Subsystems(), "rescue_taker")

// DefaultMinFreeze is the minimum time a subsystem stays frozen; an earlier
// Deactivate is a no-op.
const DefaultMinFreeze = 5000 * time.Millisecond

// PartialFreeze tracks which subsystem tags are frozen for tuning purposes.
type PartialFreeze struct {
	clk       clock.Clock
	minFreeze time.Duration
	frozen    map[string]freezeEntry
}

type freezeEntry struct {
	since  time.Duration
	reason string
}

// NewPartialFreeze builds a freeze tracker; a non-positive minFreeze selects
// the default.
func NewPartialFreeze(clk clock.Clock, minFreeze time.Duration) *PartialFreeze {
	if minFreeze <= 0 {
		minFreeze = DefaultMinFreeze
	}
	return &PartialFreeze{
		clk:       clk,
		minFreeze: minFreeze,
		frozen:    make(map[string]freezeEntry),
	}
}

// Activate freezes the given subsystem tags. Freezing "edge" fails the whole
// call before any tag is recorded.
func (pf *PartialFreeze) Activate(tags []string, reason string) error {
	for _, tag := range tags {
		if tag == "edge" {
			return ErrEdgeNotFreezable
		}
	}
	now := pf.clk.MonotonicNow()
	for _, tag := range tags {
		if _, already := pf.frozen[tag]; !already {
			pf.frozen[tag] = freezeEntry{since: now, reason: reason}
		}
	}
	return nil
}

// Deactivate unfreezes a tag. Before the minimum freeze duration has
// elapsed the call is a no-op and returns false.
func (pf *PartialFreeze) Deactivate(tag string) bool {
	entry, ok := pf.frozen[tag]
	if !ok {
		return false
	}
	if pf.clk.MonotonicNow()-entry.since < pf.minFreeze {
		return false
	}
	delete(pf.frozen, tag)
	return true
}

// IsFrozen reports membership.
func (pf *PartialFreeze) IsFrozen(tag string) bool {
	_, ok := pf.frozen[tag]
	return ok
}

// Frozen returns the sorted set of frozen tags.
func (pf *PartialFreeze) Frozen() []string {
	out := make([]string, 0, len(pf.frozen))
	for tag := range pf.frozen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Reason returns why a tag was frozen.
func (pf *PartialFreeze) Reason(tag string) (string, bool) {
	entry, ok := pf.frozen[tag]
	if !ok {
		return "", false
	}
	return entry.reason, true
}
