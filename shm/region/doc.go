// Package region owns the single contiguous mapping that holds every piece of
// runtime state.
//
// A region is either a read-write MAP_SHARED file mapping (surviving process
// restarts) or a heap buffer (tests, throwaway runs). Its first page is the
// header described in internal/format; the rest is divided into named
// extents carved by a bump pointer. Components ask for their extent by name:
// on a fresh region the extent is carved and zeroed, on a resumed region the
// existing bytes are returned untouched. Nothing stored in a region is a
// pointer, so the mapping may land at a different base address on every open.
//
// Begin and Commit bracket one unit of mutation with the header's
// primary/secondary sequence pair. A region reopened with the two numbers
// out of step was last written by a process that died mid-tick.
package region
