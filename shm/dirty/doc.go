// Package dirty provides page-level dirty tracking for a mapped region.
//
// # Overview
//
// The tracker records which 4KB pages of the region have been modified since
// the last flush, using one bit per page. Add is O(pages touched) and never
// allocates, so every mutation path of the runtime can report its writes.
//
// # Usage
//
//	tracker := dirty.NewTracker(backing)
//	tracker.Add(0x5000, 128)             // after writing a chunk header
//	err := tracker.FlushDataOnly(ctx)    // msync dirty data pages
//	err = tracker.FlushHeaderAndMeta(ctx, dirty.FlushAuto)
//
// # Range Coalescing
//
// Consecutive dirty pages are merged into single ranges before flushing:
//
//	Dirty pages: [1, 2, 5, 6] → Ranges: [0x1000-0x3000, 0x5000-0x7000]
//
// The header page (page 0) is excluded from data flushes; it is written by
// FlushHeaderAndMeta after all data pages are durable.
//
// # Heap regions
//
// A backing whose FD is negative is not file-backed. Flushes only clear the
// bitmap in that case.
//
// # Thread Safety
//
// Tracker instances are not thread-safe. The runtime has a single mutator.
package dirty
