// Package clock supplies the two time sources the runtime schedules against:
// a monotonic millisecond tick for wheel and timeout arithmetic, and a wall
// clock for calendar timers.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source consumed by every scheduling component.
type Clock interface {
	// Millis returns monotonic milliseconds. Only differences are meaningful
	// within one process, but values are anchored to the unix epoch so they
	// stay comparable across a restart that resumes a region.
	Millis() int64
	// Now returns the local wall-clock time.
	Now() time.Time
}

// System reads the OS clock.
type System struct{}

// Millis returns unix milliseconds.
func (System) Millis() int64 { return time.Now().UnixMilli() }

// Now returns time.Now.
func (System) Now() time.Time { return time.Now() }

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Millis returns the current time in unix milliseconds.
func (m *Manual) Millis() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now.UnixMilli()
}

// Now returns the current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
