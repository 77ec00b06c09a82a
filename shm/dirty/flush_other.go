//go:build !linux && !freebsd && !darwin

package dirty

import "context"

// flushRanges is a no-op where the region cannot be file-backed.
func (t *Tracker) flushRanges(ctx context.Context, data []byte) error {
	return ctx.Err()
}

func msync(data []byte) error { return nil }

func fdatasync(fd int, _ bool) error { return nil }
