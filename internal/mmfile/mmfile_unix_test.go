//go:build unix

package mmfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapReadOnlyUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bin")
	want := []byte{0xde, 0xad, 0xbe, 0xef, 0x42}
	require.NoError(t, os.WriteFile(path, want, 0o644))

	data, cleanup, err := Map(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, cleanup())
	}()
	require.Equal(t, want, data)
}

func TestMapReadOnlyUnixZeroLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	data, cleanup, err := Map(path)
	require.NoError(t, err)
	require.Empty(t, data)
	require.NotNil(t, cleanup)
	require.NoError(t, cleanup())
}

func TestOpenRWGrowsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.shm")

	m, err := OpenRW(path, 8192)
	require.NoError(t, err)
	require.Len(t, m.Bytes(), 8192)
	m.Bytes()[100] = 0x7f
	require.NoError(t, m.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 8192, info.Size())

	// Size 0 reuses the existing file size.
	m, err = OpenRW(path, 0)
	require.NoError(t, err)
	defer m.Close()
	require.Len(t, m.Bytes(), 8192)
	require.Equal(t, byte(0x7f), m.Bytes()[100])
}

func TestOpenRWExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.shm")

	first, err := OpenRW(path, 4096)
	require.NoError(t, err)
	defer first.Close()

	_, err = OpenRW(path, 4096)
	require.True(t, errors.Is(err, ErrLocked), "got %v", err)
}

func TestOpenRWEmptyFileNeedsSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.shm")
	_, err := OpenRW(path, 0)
	require.True(t, errors.Is(err, ErrSize))
}

func TestAdviseReleasesRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adv.shm")
	m, err := OpenRW(path, 8192)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, Advise(m.Bytes()[4096:]))
	require.NoError(t, Advise(nil))
}
