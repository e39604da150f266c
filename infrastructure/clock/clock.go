// Package clock provides the process-wide virtual clock. It reads wall time
// by default and can be frozen or advanced for deterministic testing.
// Reads are lock-free.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock is a virtual time source: wall clock plus an offset, optionally
// frozen at a fixed instant.
type Clock struct {
	offsetNanos atomic.Int64
	frozen      atomic.Bool
	frozenAt    atomic.Int64 // unix nanos, valid while frozen
}

// New returns an unfrozen clock with zero offset.
func New() *Clock {
	return &Clock{}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	off := time.Duration(c.offsetNanos.Load())
	if c.frozen.Load() {
		return time.Unix(0, c.frozenAt.Load()).Add(off)
	}
	return time.Now().Add(off)
}

// Freeze pins the clock at t. Subsequent Advance calls still apply.
func (c *Clock) Freeze(t time.Time) {
	c.frozenAt.Store(t.UnixNano())
	c.offsetNanos.Store(0)
	c.frozen.Store(true)
}

// Unfreeze resumes wall-clock time, keeping the accumulated offset.
func (c *Clock) Unfreeze() {
	c.frozen.Store(false)
}

// Advance shifts the clock forward (or backward for negative d).
func (c *Clock) Advance(d time.Duration) {
	c.offsetNanos.Add(int64(d))
}

// Reset clears the offset and unfreezes.
func (c *Clock) Reset() {
	c.offsetNanos.Store(0)
	c.frozen.Store(false)
}

// Frozen reports whether the clock is pinned.
func (c *Clock) Frozen() bool {
	return c.frozen.Load()
}

var defaultClock = New()

// Default returns the process-wide clock shared by components that are not
// handed an explicit instance.
func Default() *Clock {
	return defaultClock
}

// Now reads the process-wide clock.
func Now() time.Time {
	return defaultClock.Now()
}
