package format

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	b := make([]byte, HeaderSize)
	want := Header{
		Version:           LayoutVersion,
		PrimarySequence:   7,
		SecondarySequence: 6,
		TotalSize:         1 << 20,
		Bump:              DataOffset + 128,
		CreatedUnixNano:   1700000000000000000,
		ResumeCount:       3,
		ExtentCount:       2,
		InstanceID:        [16]byte{1, 2, 3, 4},
		PageSize:          PageSize,
		Flags:             FlagInitialized,
	}
	require.NoError(t, EncodeHeader(b, want))

	got, err := ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestParseHeaderErrors(t *testing.T) {
	b := make([]byte, HeaderSize)

	_, err := ParseHeader(b[:10])
	require.True(t, errors.Is(err, ErrTruncated))

	_, err = ParseHeader(b)
	require.True(t, errors.Is(err, ErrSignatureMismatch))

	require.NoError(t, EncodeHeader(b, Header{Version: LayoutVersion + 1}))
	_, err = ParseHeader(b)
	require.True(t, errors.Is(err, ErrVersion))
}

func TestDirEntryRoundTrip(t *testing.T) {
	b := make([]byte, HeaderSize)
	e := DirEntry{Name: "obj.segment.7", Offset: 8192, Size: 640}
	require.NoError(t, EncodeDirEntry(b, 3, e))

	got, err := ParseDirEntry(b, 3)
	require.NoError(t, err)
	require.Equal(t, e, got)

	// Re-encoding a shorter name must not leave stale bytes behind.
	require.NoError(t, EncodeDirEntry(b, 3, DirEntry{Name: "x", Offset: 1, Size: 2}))
	got, err = ParseDirEntry(b, 3)
	require.NoError(t, err)
	require.Equal(t, "x", got.Name)
}

func TestDirEntryBounds(t *testing.T) {
	b := make([]byte, HeaderSize)
	_, err := ParseDirEntry(b, MaxExtents)
	require.Error(t, err)

	long := make([]byte, DirNameSize)
	for i := range long {
		long[i] = 'a'
	}
	err = EncodeDirEntry(b, 0, DirEntry{Name: string(long)})
	require.True(t, errors.Is(err, ErrNameTooLong))
	require.Error(t, EncodeDirEntry(b, 0, DirEntry{}))
}

func TestAlign(t *testing.T) {
	require.Equal(t, 8, Align8(1))
	require.Equal(t, 16, Align8(9))
	require.Equal(t, 64, AlignExtent(1))
	require.Equal(t, 128, AlignExtent(65))
	require.Equal(t, 4096, AlignPage(1))
	require.Equal(t, 8192, AlignPage(4097))
}
