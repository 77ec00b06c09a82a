package format

import "errors"

var (
	// ErrSignatureMismatch indicates the region header had an unexpected magic.
	ErrSignatureMismatch = errors.New("format: signature mismatch")
	// ErrTruncated indicates the buffer lacked the bytes required for a structure.
	ErrTruncated = errors.New("format: truncated buffer")
	// ErrVersion indicates the region was written by an incompatible layout version.
	ErrVersion = errors.New("format: unsupported layout version")
	// ErrNameTooLong indicates an extent name does not fit the directory entry.
	ErrNameTooLong = errors.New("format: extent name too long")
)
