package region

import "errors"

var (
	// ErrNoSpace indicates the mapping cannot fit another extent.
	ErrNoSpace = errors.New("region: no space for extent")

	// ErrDirectoryFull indicates the header directory has no free entry.
	ErrDirectoryFull = errors.New("region: extent directory full")

	// ErrLayoutMismatch indicates a resumed extent or table disagrees with
	// what the running code expects. It is an internal-corruption error.
	ErrLayoutMismatch = errors.New("region: layout mismatch")

	// ErrNotResumable indicates ModeResume found nothing valid to resume.
	ErrNotResumable = errors.New("region: nothing to resume")

	// ErrClosed indicates the region was already closed.
	ErrClosed = errors.New("region: closed")

	// ErrSize indicates the requested mapping size is too small.
	ErrSize = errors.New("region: size below minimum")
)
