package dirty

import "context"

// DirtyTracker is the minimal interface for reporting modified byte ranges.
// Allocators and tables only need this half.
type DirtyTracker interface {
	// Add marks a byte range as dirty.
	// off is the offset from the start of the region, length is the number of bytes.
	Add(off, length int)
}

// FlushableTracker extends DirtyTracker with methods for flushing dirty pages.
// The region's commit path uses it.
type FlushableTracker interface {
	DirtyTracker

	// FlushDataOnly flushes only the data pages (not the header page).
	FlushDataOnly(ctx context.Context) error

	// FlushHeaderAndMeta flushes the header page and syncs per mode.
	FlushHeaderAndMeta(ctx context.Context, mode FlushMode) error
}

// Backing is the mapping a tracker flushes.
type Backing interface {
	Bytes() []byte
	// FD returns the file descriptor of a file-backed mapping, or -1.
	FD() int
}
