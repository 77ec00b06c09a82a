package dirty

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/shmkit/internal/mmfile"
)

type heapBacking []byte

func (h heapBacking) Bytes() []byte { return h }
func (heapBacking) FD() int         { return -1 }

func newHeap(pages int) heapBacking { return make(heapBacking, pages*standardPageSize) }

func Test_DirtyTracker_PageAlignment(t *testing.T) {
	tracker := NewTracker(newHeap(4))

	// offset 100, length 200 stays inside page 0
	tracker.Add(100, 200)

	ranges := tracker.Ranges()
	require.Equal(t, []Range{{Off: 0, Len: 4096}}, ranges)
}

func Test_DirtyTracker_SpanningWrite(t *testing.T) {
	tracker := NewTracker(newHeap(4))
	tracker.Add(4000, 200) // crosses into page 1
	require.Equal(t, []Range{{Off: 0, Len: 8192}}, tracker.Ranges())
	require.Equal(t, 2, tracker.DirtyPages())
}

func Test_DirtyTracker_Coalesce(t *testing.T) {
	tracker := NewTracker(newHeap(200))
	for _, p := range []int{1, 2, 5, 6, 64, 65, 199} {
		tracker.Add(p*standardPageSize+10, 1)
	}
	// Duplicate marks do not double count.
	tracker.Add(1*standardPageSize, 1)

	require.Equal(t, []Range{
		{Off: 0x1000, Len: 0x2000},
		{Off: 0x5000, Len: 0x2000},
		{Off: 64 * 0x1000, Len: 0x2000},
		{Off: 199 * 0x1000, Len: 0x1000},
	}, tracker.Ranges())
	require.Equal(t, 7, tracker.DirtyPages())
	require.Equal(t, tracker.DirtyPages(), tracker.bitCount())
}

func Test_DirtyTracker_ClipsOutOfRange(t *testing.T) {
	tracker := NewTracker(newHeap(2))
	tracker.Add(standardPageSize, 10*standardPageSize)
	tracker.Add(-5, 10)
	tracker.Add(0, 0)
	require.Equal(t, []Range{{Off: 0x1000, Len: 0x1000}}, tracker.Ranges())
}

func Test_DirtyTracker_FlushKeepsHeaderBit(t *testing.T) {
	tracker := NewTracker(newHeap(4))
	tracker.Add(0, 8)
	tracker.Add(2*standardPageSize, 8)

	require.NoError(t, tracker.FlushDataOnly(context.Background()))
	require.Equal(t, []Range{{Off: 0, Len: 4096}}, tracker.Ranges())

	require.NoError(t, tracker.FlushHeaderAndMeta(context.Background(), FlushAuto))
	require.Empty(t, tracker.Ranges())
	require.Zero(t, tracker.DirtyPages())
}

func Test_DirtyTracker_Reset(t *testing.T) {
	tracker := NewTracker(newHeap(4))
	tracker.Add(0, 3*standardPageSize)
	tracker.Reset()
	require.Zero(t, tracker.DirtyPages())
	require.Nil(t, tracker.Ranges())
}

func TestTracker_FlushDataOnly_PreCancelled(t *testing.T) {
	tracker := NewTracker(newHeap(4))
	tracker.Add(4096, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tracker.FlushDataOnly(ctx)
	require.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got: %v", err)
	require.Equal(t, 1, tracker.DirtyPages(), "cancelled flush must keep pages dirty")

	err = tracker.FlushHeaderAndMeta(ctx, FlushFull)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestTracker_FileBackedFlush(t *testing.T) {
	m, err := mmfile.OpenRW(filepath.Join(t.TempDir(), "r.shm"), 4*standardPageSize)
	require.NoError(t, err)
	defer m.Close()

	tracker := NewTracker(m)
	m.Bytes()[0] = 1
	m.Bytes()[3*standardPageSize] = 2
	tracker.Add(0, 1)
	tracker.Add(3*standardPageSize, 1)

	ctx := context.Background()
	require.NoError(t, tracker.FlushDataOnly(ctx))
	require.NoError(t, tracker.FlushHeaderAndMeta(ctx, FlushAuto))
	require.NoError(t, tracker.FlushHeaderAndMeta(ctx, FlushDataOnly))
	require.Zero(t, tracker.DirtyPages())
}

func TestFlushModeNames(t *testing.T) {
	for _, m := range []FlushMode{FlushAuto, FlushDataOnly, FlushFull} {
		require.Equal(t, m, ParseFlushMode(m.String()))
	}
	require.Equal(t, FlushAuto, ParseFlushMode("bogus"))
}
