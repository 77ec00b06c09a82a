package trans

import (
	"fmt"
	"time"
)

// Code is the result a trans finished with. Zero is success; the negative
// values below are set by the scheduler itself.
type Code int32

const (
	CodeOK          Code = 0
	CodeTimeout     Code = -1
	CodeRunTooMuch  Code = -2
	CodeAborted     Code = -3
	CodeOwnerLost   Code = -4
	CodeInterrupted Code = -5 // still running when a drain gave up
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeTimeout:
		return "timeout"
	case CodeRunTooMuch:
		return "run-too-much"
	case CodeAborted:
		return "aborted"
	case CodeOwnerLost:
		return "owner-lost"
	case CodeInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

const (
	flagFinished uint16 = 1 << iota
	flagNotified        // OnFinished has run
	flagProgress        // Advance or Touch since the last visit
	flagLifetime        // timed out on the total lifetime bound
)

// Base is the scheduler-owned prefix of every trans payload. It is
// pointer-free and lives in the region with the rest of the payload.
type Base struct {
	start         int64 // unix ms
	active        int64 // last forward progress, unix ms
	activeTimeout int64 // ms
	runTimes      uint32
	maxRunTimes   uint32
	retCode       int32
	state         uint16
	flags         uint16
}

// State returns the application state value.
func (b *Base) State() uint16 { return b.state }

// SetState changes the state value without counting as progress.
func (b *Base) SetState(s uint16) { b.state = s }

// Advance records one step of forward progress: the run count goes up, the
// state becomes s and the active time is refreshed when the current visit
// ends. Advancing past the run bound finishes the trans with CodeRunTooMuch.
func (b *Base) Advance(s uint16) error {
	if b.Finished() {
		return ErrFinished
	}
	if b.maxRunTimes > 0 && b.runTimes >= b.maxRunTimes {
		b.SetFinished(CodeRunTooMuch)
		return fmt.Errorf("%w: %d", ErrRunTooMuch, b.runTimes)
	}
	b.runTimes++
	b.state = s
	b.flags |= flagProgress
	return nil
}

// Touch marks forward progress without changing the state or run count.
func (b *Base) Touch() { b.flags |= flagProgress }

// Finished reports whether SetFinished has been called.
func (b *Base) Finished() bool { return b.flags&flagFinished != 0 }

// SetFinished marks the trans finished. Only the first non-zero code sticks.
func (b *Base) SetFinished(code Code) {
	if code != CodeOK && b.retCode == 0 {
		b.retCode = int32(code)
	}
	b.flags |= flagFinished
}

// Code returns the result code.
func (b *Base) Code() Code { return Code(b.retCode) }

// RunTimes returns how often Advance succeeded.
func (b *Base) RunTimes() int { return int(b.runTimes) }

// StartTime returns the creation time.
func (b *Base) StartTime() time.Time { return time.UnixMilli(b.start) }

// ActiveTime returns the time of the last recorded progress.
func (b *Base) ActiveTime() time.Time { return time.UnixMilli(b.active) }

// SetActiveTimeout overrides the idle bound for this trans.
func (b *Base) SetActiveTimeout(d time.Duration) { b.activeTimeout = d.Milliseconds() }

// ActiveTimeout returns the idle bound.
func (b *Base) ActiveTimeout() time.Duration {
	return time.Duration(b.activeTimeout) * time.Millisecond
}

// SetMaxRunTimes overrides the run bound for this trans.
func (b *Base) SetMaxRunTimes(n uint32) { b.maxRunTimes = n }

// LifetimeExceeded reports whether the trans timed out on the total
// lifetime bound rather than the idle bound.
func (b *Base) LifetimeExceeded() bool { return b.flags&flagLifetime != 0 }

func (b *Base) String() string {
	return fmt.Sprintf("state=%d runs=%d finished=%t code=%s", b.state, b.runTimes, b.Finished(), b.Code())
}
