package clock

import (
	"os"
	"time"
)

const (
	// EnvFreezeUTC forces the wall-clock used in serialized artifacts, for
	// reproducible builds and byte-stable bundles.
	EnvFreezeUTC = "MM_FREEZE_UTC_ISO"
	// EnvVersion forces the version string stamped into artifacts.
	EnvVersion = "MM_VERSION"

	defaultVersion = "v0.0.0-dev"
)

// Clock provides wall-clock and monotonic time. Wall-clock honors
// MM_FREEZE_UTC_ISO for serialization; monotonic time never does, so guards
// and durations behave normally under frozen clocks.
type Clock interface {
	Now() time.Time
	MonotonicNow() time.Duration
}

type systemClock struct {
	start  time.Time
	frozen *time.Time
}

// New returns a clock honoring MM_FREEZE_UTC_ISO when set. An unparseable
// value is ignored and the real clock is used.
func New() Clock {
	c := &systemClock{start: time.Now()}
	if raw := os.Getenv(EnvFreezeUTC); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			utc := t.UTC()
			c.frozen = &utc
		}
	}
	return c
}

func (c *systemClock) Now() time.Time {
	if c.frozen != nil {
		return *c.frozen
	}
	return time.Now().UTC()
}

func (c *systemClock) MonotonicNow() time.Duration {
	return time.Since(c.start)
}

// Version returns the version string for artifacts: MM_VERSION when set,
// otherwise a dev placeholder.
func Version() string {
	if v := os.Getenv(EnvVersion); v != "" {
		return v
	}
	return defaultVersion
}

// Frozen is a fixed-time clock for tests.
type Frozen struct {
	Wall time.Time
	Mono time.Duration
}

func (f *Frozen) Now() time.Time              { return f.Wall }
func (f *Frozen) MonotonicNow() time.Duration { return f.Mono }

// Advance moves both the wall and monotonic clocks forward.
func (f *Frozen) Advance(d time.Duration) {
	f.Wall = f.Wall.Add(d)
	f.Mono += d
}
