package dirty

import (
	"context"
	"math/bits"
)

// standardPageSize is the typical OS page size (4KB).
const standardPageSize = 4096

// FlushMode controls durability guarantees for region commits.
type FlushMode int

const (
	// FlushAuto provides safe defaults for most use cases:
	// - msync() dirty data pages
	// - fdatasync() after header write
	FlushAuto FlushMode = iota

	// FlushDataOnly only flushes dirty pages via msync().
	// The caller is responsible for calling fdatasync() later.
	FlushDataOnly

	// FlushFull provides ultra-safe durability:
	// - msync() dirty data pages and header page
	// - fdatasync() file descriptor
	// - On macOS, uses F_FULLFSYNC
	FlushFull
)

// String returns the mode name used in configuration.
func (m FlushMode) String() string {
	switch m {
	case FlushDataOnly:
		return "data"
	case FlushFull:
		return "full"
	default:
		return "auto"
	}
}

// ParseFlushMode maps a configuration name to a FlushMode. Unknown names map
// to FlushAuto.
func ParseFlushMode(s string) FlushMode {
	switch s {
	case "data":
		return FlushDataOnly
	case "full":
		return FlushFull
	default:
		return FlushAuto
	}
}

// Range represents a dirty byte range (absolute region offsets).
type Range struct {
	Off int64 // Absolute offset in region
	Len int64 // Length in bytes
}

// Tracker accumulates dirty pages and flushes them efficiently.
//
// NOT thread-safe. Only one goroutine should use it at a time.
type Tracker struct {
	b        Backing
	pages    []uint64 // one bit per page
	npages   int64    // pages covered by the mapping
	count    int      // number of set bits
	pageSize int64
}

// NewTracker creates a dirty tracker sized for the backing's current mapping.
func NewTracker(b Backing) *Tracker {
	n := (len(b.Bytes()) + standardPageSize - 1) / standardPageSize
	return &Tracker{
		b:        b,
		pages:    make([]uint64, (n+63)/64),
		npages:   int64(n),
		pageSize: standardPageSize,
	}
}

// Add records a dirty range. Ranges falling outside the mapping are clipped.
func (t *Tracker) Add(off, length int) {
	if length <= 0 || off < 0 {
		return
	}
	first := int64(off) / t.pageSize
	last := (int64(off) + int64(length) - 1) / t.pageSize
	if last >= t.npages {
		last = t.npages - 1
	}
	for p := first; p <= last; p++ {
		w, bit := p/64, uint64(1)<<(p%64)
		if t.pages[w]&bit == 0 {
			t.pages[w] |= bit
			t.count++
		}
	}
}

// DirtyPages returns the number of distinct dirty pages.
func (t *Tracker) DirtyPages() int { return t.count }

// FlushDataOnly flushes all dirty data pages (not the header page).
//
// This method:
//  1. Coalesces dirty pages into runs
//  2. Flushes each run using msync()
//  3. Clears the data bits (the header bit survives until FlushHeaderAndMeta)
//
// The context can be used to cancel the flush operation. If cancelled during
// flushing, some ranges may have been flushed while others have not.
func (t *Tracker) FlushDataOnly(ctx context.Context) error {
	if t.count == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	headerDirty := t.pages[0]&1 != 0
	if t.b.FD() >= 0 {
		data := t.b.Bytes()
		if len(data) == 0 {
			return nil
		}
		if err := t.flushRanges(ctx, data); err != nil {
			return err
		}
	}

	clear(t.pages)
	t.count = 0
	if headerDirty {
		t.pages[0] = 1
		t.count = 1
	}
	return nil
}

// FlushHeaderAndMeta flushes the header page and optionally syncs the file descriptor.
//
// This method:
//  1. Flushes the header page (offset 0, length 4096) using msync()
//  2. Calls fdatasync() based on the FlushMode:
//     - FlushAuto: fdatasync()
//     - FlushDataOnly: no fdatasync()
//     - FlushFull: fdatasync() + F_FULLFSYNC on macOS
func (t *Tracker) FlushHeaderAndMeta(ctx context.Context, mode FlushMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(t.pages) > 0 && t.pages[0]&1 != 0 {
		t.pages[0] &^= 1
		t.count--
	}

	fd := t.b.FD()
	if fd < 0 {
		return nil
	}
	data := t.b.Bytes()
	if len(data) == 0 {
		return nil
	}

	headerLen := int(t.pageSize)
	if headerLen > len(data) {
		headerLen = len(data)
	}
	if err := msync(data[:headerLen]); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if mode == FlushDataOnly {
		return nil
	}
	return fdatasync(fd, mode == FlushFull)
}

// Reset clears all tracked pages.
func (t *Tracker) Reset() {
	clear(t.pages)
	t.count = 0
}

// Ranges returns the coalesced dirty ranges, header page included.
//
// These are page-aligned, sorted, and merged ranges.
func (t *Tracker) Ranges() []Range {
	return t.coalesce()
}

// coalesce walks the bitmap and merges consecutive dirty pages.
func (t *Tracker) coalesce() []Range {
	if t.count == 0 {
		return nil
	}
	var (
		out   []Range
		start int64 = -1
	)
	for p := int64(0); p < t.npages; p++ {
		word := t.pages[p/64]
		if word == 0 && start < 0 {
			// Skip the rest of an empty word.
			p = (p/64)*64 + 63
			continue
		}
		set := word&(1<<uint(p%64)) != 0
		switch {
		case set && start < 0:
			start = p
		case !set && start >= 0:
			out = append(out, Range{Off: start * t.pageSize, Len: (p - start) * t.pageSize})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, Range{Off: start * t.pageSize, Len: (t.npages - start) * t.pageSize})
	}
	return out
}

// bitCount recounts the bitmap; tests compare it against count.
func (t *Tracker) bitCount() int {
	n := 0
	for _, w := range t.pages {
		n += bits.OnesCount64(w)
	}
	return n
}
