//go:build !unix

package mmfile

import "os"

// Map reads the entire file when mmap is not available.
func Map(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, func() error { return nil }, err
	}
	return data, func() error { return nil }, nil
}

// OpenRW is unsupported without mmap.
func OpenRW(path string, size int) (*File, error) {
	return nil, ErrUnsupported
}

// Advise is a no-op without mmap.
func Advise(b []byte) error { return nil }

// Close releases the descriptor.
func (m *File) Close() error {
	if m == nil || m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}
