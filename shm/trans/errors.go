package trans

import "errors"

var (
	// ErrFull indicates the trans vector is at capacity.
	ErrFull = errors.New("trans: vector full")

	// ErrNotTrans indicates the type was not registered through Register.
	ErrNotTrans = errors.New("trans: not a trans type")

	// ErrNoBase indicates the payload type does not embed Base first.
	ErrNoBase = errors.New("trans: payload must embed trans.Base as its first field")

	// ErrRunTooMuch indicates a trans advanced past its run bound.
	ErrRunTooMuch = errors.New("trans: run count exceeded")

	// ErrFinished indicates the trans has already finished.
	ErrFinished = errors.New("trans: already finished")
)
