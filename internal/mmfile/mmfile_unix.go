//go:build unix

package mmfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map maps the file at path read-only and returns its contents.
func Map(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close() // safe before return; mapping keeps pages alive

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	if size == 0 {
		return []byte{}, func() error { return nil }, nil
	}
	if size > int64(^uint(0)>>1) {
		return nil, nil, fmt.Errorf("mmfile: file too large to map (%d bytes)", size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error {
		if data == nil {
			return nil
		}
		err := unix.Munmap(data)
		data = nil
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, cleanup, nil
}

// OpenRW opens (creating if needed) the file at path, takes an exclusive
// advisory lock, grows it to size bytes when it is smaller, and maps it
// read-write with MAP_SHARED.
//
// When size is 0 the current file size is used, which must be non-zero.
func OpenRW(path string, size int) (*File, error) {
	if size < 0 {
		return nil, ErrSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("mmfile: flock %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	cur := info.Size()
	if size == 0 {
		if cur == 0 {
			f.Close()
			return nil, fmt.Errorf("%s: empty file: %w", path, ErrSize)
		}
		size = int(cur)
	}
	if cur < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("mmfile: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmfile: mmap %s: %w", path, err)
	}
	return &File{f: f, data: data}, nil
}

// Advise tells the kernel the pages backing b are no longer needed. The next
// access reads zeroes back from the file's page cache or the file itself.
func Advise(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// Close unmaps the file, releases the lock and closes the descriptor.
func (m *File) Close() error {
	if m == nil || m.f == nil {
		return nil
	}
	var firstErr error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil && !errors.Is(err, unix.EINVAL) {
			firstErr = err
		}
		m.data = nil
	}
	_ = unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
	if err := m.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.f = nil
	return firstErr
}
