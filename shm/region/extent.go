package region

import (
	"fmt"
	"unsafe"

	"github.com/joshuapare/shmkit/internal/buf"
)

// Extent is a named byte range of a region. It is a value type; copies stay
// valid for as long as the region is open.
type Extent struct {
	r    *Region
	Name string
	Off  int // offset from region start
	Size int
}

// Bytes returns the extent's bytes.
func (e Extent) Bytes() []byte {
	return e.r.data[e.Off : e.Off+e.Size]
}

// Touch marks [off, off+n) of the extent dirty.
func (e Extent) Touch(off, n int) {
	e.r.MarkDirty(e.Off+off, n)
}

// Release hands the whole pages inside [off, off+n) of the extent back to the OS.
func (e Extent) Release(off, n int) error {
	return e.r.Release(e.Off+off, n)
}

// Region returns the owning region.
func (e Extent) Region() *Region { return e.r }

// At overlays a T at byte offset off of e. T must be pointer-free and off
// must be aligned for T; the extent itself is 64-byte aligned.
//
// An out-of-range overlay means a table layout was computed wrongly, which
// is a programming error, so At panics.
func At[T any](e Extent, off int) *T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if _, ok := buf.Slice(e.Bytes(), off, size); !ok {
		panic(fmt.Sprintf("region: overlay %T at %d+%d outside extent %q (%d bytes)", zero, off, size, e.Name, e.Size))
	}
	return (*T)(unsafe.Pointer(&e.r.data[e.Off+off]))
}

// SliceOf overlays n consecutive T values starting at byte offset off of e.
func SliceOf[T any](e Extent, off, n int) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if _, err := buf.Span(e.Size, off, n, size); err != nil {
		panic(fmt.Sprintf("region: overlay []%T in extent %q: %v", zero, e.Name, err))
	}
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&e.r.data[e.Off+off])), n)
}

// SizeOf returns the byte size of n consecutive T values.
func SizeOf[T any](n int) int {
	var zero T
	return int(unsafe.Sizeof(zero)) * n
}
