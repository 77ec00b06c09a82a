package buf

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrOverflow reports a size or offset computation that does not fit in int.
	ErrOverflow = errors.New("buf: overflow")
	// ErrBounds reports a range that extends past the end of a buffer.
	ErrBounds = errors.New("buf: out of bounds")
)

// Add returns a+b for non-negative operands, or false if the sum overflows.
func Add(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 || sum > uint64(maxInt) {
		return 0, false
	}
	return int(sum), true
}

// Mul returns a*b for non-negative operands, or false if the product overflows.
func Mul(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > uint64(maxInt) {
		return 0, false
	}
	return int(lo), true
}

const maxInt = int(^uint(0) >> 1)

// Span checks that count elements of size bytes starting at off fit in a
// buffer of length n and returns the end offset.
//
//	end, err := buf.Span(ext.Size, hdrSize, capacity, entrySize)
func Span(n, off, count, size int) (int, error) {
	if off < 0 || count < 0 || size < 0 {
		return 0, fmt.Errorf("off=%d count=%d size=%d: %w", off, count, size, ErrBounds)
	}
	total, ok := Mul(count, size)
	if !ok {
		return 0, fmt.Errorf("%d x %d bytes: %w", count, size, ErrOverflow)
	}
	end, ok := Add(off, total)
	if !ok {
		return 0, fmt.Errorf("%d + %d: %w", off, total, ErrOverflow)
	}
	if end > n {
		return 0, fmt.Errorf("end %d > len %d: %w", end, n, ErrBounds)
	}
	return end, nil
}

// Slice returns b[off:off+n] if it lies within b.
func Slice(b []byte, off, n int) ([]byte, bool) {
	end, err := Span(len(b), off, n, 1)
	if err != nil {
		return nil, false
	}
	return b[off:end], true
}

// Has reports whether b[off:off+n] lies within b.
func Has(b []byte, off, n int) bool {
	_, ok := Slice(b, off, n)
	return ok
}
