package alloc

import "errors"

var (
	// ErrNoSpace indicates the pool's fixed capacity is exhausted.
	ErrNoSpace = errors.New("alloc: pool capacity exhausted")

	// ErrBadRef indicates an out-of-range or unallocated chunk index.
	ErrBadRef = errors.New("alloc: bad chunk reference")

	// ErrConfig indicates invalid pool parameters.
	ErrConfig = errors.New("alloc: invalid pool config")

	// ErrCorrupt indicates a resumed pool header disagrees with its config,
	// or block bookkeeping is inconsistent.
	ErrCorrupt = errors.New("alloc: pool corrupt")
)
