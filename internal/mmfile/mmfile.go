// Package mmfile provides platform-specific helpers for memory-mapping region files.
package mmfile

import (
	"errors"
	"os"
)

var (
	// ErrLocked indicates another process holds the exclusive lock on the file.
	ErrLocked = errors.New("mmfile: file is locked by another process")
	// ErrUnsupported indicates read-write mappings are unavailable on this platform.
	ErrUnsupported = errors.New("mmfile: read-write mapping unsupported on this platform")
	// ErrSize indicates the requested mapping size is invalid.
	ErrSize = errors.New("mmfile: invalid mapping size")
)

// File is a read-write shared mapping of a file. The mapping stays valid until
// Close; the file descriptor is kept open so it can be synced and locked.
type File struct {
	f    *os.File
	data []byte
}

// Bytes returns the mapped bytes.
func (m *File) Bytes() []byte { return m.data }

// FD returns the file descriptor backing the mapping.
func (m *File) FD() int { return int(m.f.Fd()) }

// Name returns the path the mapping was opened from.
func (m *File) Name() string { return m.f.Name() }
