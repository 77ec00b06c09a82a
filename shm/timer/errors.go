package timer

import "errors"

var (
	// ErrTimerNotFound indicates no timer has the given id.
	ErrTimerNotFound = errors.New("timer: not found")

	// ErrTimerDeleted indicates the timer is already pending removal.
	ErrTimerDeleted = errors.New("timer: already deleted")

	// ErrNoHandler indicates the owner's type hooks do not implement Handler.
	ErrNoHandler = errors.New("timer: owner type has no OnTimer handler")

	// ErrOwner indicates the owner reference is not a live object.
	ErrOwner = errors.New("timer: owner not alive")

	// ErrInvalidTime indicates a calendar field out of range.
	ErrInvalidTime = errors.New("timer: invalid calendar time")

	// ErrCorrupt indicates wheel bookkeeping disagrees with itself.
	ErrCorrupt = errors.New("timer: wheel corruption")
)
