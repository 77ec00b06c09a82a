package format

// Alignment utilities for the region layout. Every extent and every chunk is
// aligned so that fixed-size records can be overlaid directly on region bytes.

// Align8 returns n aligned up to the next 8-byte boundary.
// Used for chunk headers and record sizes.
//
// Example:
//
//	Align8(1)  = 8
//	Align8(8)  = 8
//	Align8(9)  = 16
func Align8(n int) int {
	return (n + align8Mask) & ^align8Mask
}

// AlignExtent returns n aligned up to the next extent boundary (64 bytes).
//
// Example:
//
//	AlignExtent(1)  = 64
//	AlignExtent(64) = 64
//	AlignExtent(65) = 128
func AlignExtent(n int) int {
	return (n + ExtentAlignment - 1) & ^(ExtentAlignment - 1)
}

// AlignPage returns n aligned up to the next page boundary (4096 bytes).
//
// Example:
//
//	AlignPage(1)    = 4096
//	AlignPage(4096) = 4096
//	AlignPage(4097) = 8192
func AlignPage(n int) int {
	return (n + PageSize - 1) & ^(PageSize - 1)
}
