package obj

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/shmkit/internal/logger"
	"github.com/joshuapare/shmkit/shm/region"
)

func openTestSegment(t *testing.T, spec Spec, payload int) *Segment {
	t.Helper()
	r, err := region.Open(region.Options{Size: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	s, err := openSegment(r, spec, payload, logger.L)
	require.NoError(t, err)
	return s
}

func TestSegment_DenseSwapRemove(t *testing.T) {
	s := openTestSegment(t, Spec{ID: 20, Name: "s", Capacity: 4}, 8)

	var chunks []int32
	for i := 0; i < 4; i++ {
		c, err := s.Alloc()
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
	_, err := s.Alloc()
	require.ErrorIs(t, err, ErrNoSpace)

	require.NoError(t, s.Free(chunks[1]))
	require.Equal(t, 3, s.Count())
	pos, err := s.Position(chunks[3])
	require.NoError(t, err)
	require.Equal(t, 1, pos)
	require.Equal(t, chunks[3], s.At(1))

	_, err = s.Position(chunks[1])
	require.Error(t, err)
	require.Error(t, s.Free(chunks[1]))
}

func TestSegment_HashIndex(t *testing.T) {
	s := openTestSegment(t, Spec{ID: 21, Name: "h", Capacity: 64, Hashed: true}, 8)

	for k := uint64(1); k <= 64; k++ {
		c, err := s.Alloc()
		require.NoError(t, err)
		require.NoError(t, s.HashInsert(k*97, c))
	}
	require.Equal(t, 64, s.HashLen())
	require.ErrorIs(t, s.HashInsert(97, 0), ErrDuplicateKey)

	for k := uint64(1); k <= 64; k += 2 {
		require.True(t, s.HashErase(k*97))
	}
	require.False(t, s.HashErase(97))
	for k := uint64(1); k <= 64; k++ {
		_, ok := s.HashFind(k * 97)
		require.Equal(t, k%2 == 0, ok, "key %d", k*97)
	}
}

// occupied counts hash slots that are not empty.
func occupied(s *Segment) int {
	n := 0
	for _, slot := range s.hash {
		if slot.State != slotEmpty {
			n++
		}
	}
	return n
}

func TestSegment_HashChurnLeavesNoTombstones(t *testing.T) {
	s := openTestSegment(t, Spec{ID: 23, Name: "churn", Capacity: 64, Hashed: true}, 8)
	pinned, err := s.Alloc()
	require.NoError(t, err)
	require.NoError(t, s.HashInsert(1, pinned))

	c, err := s.Alloc()
	require.NoError(t, err)
	for k := uint64(2); k < 2002; k++ {
		require.NoError(t, s.HashInsert(k, c))
		require.True(t, s.HashErase(k))
	}
	require.Equal(t, 1, s.HashLen())
	require.Zero(t, s.hdr.HashTombs)
	require.Equal(t, 1, occupied(s))

	got, ok := s.HashFind(1)
	require.True(t, ok)
	require.Equal(t, pinned, got)
	_, ok = s.HashFind(5000)
	require.False(t, ok)
}

func TestSegment_HashRandomChurn(t *testing.T) {
	s := openTestSegment(t, Spec{ID: 24, Name: "rand", Capacity: 64, Hashed: true}, 8)
	rng := rand.New(rand.NewPCG(7, 11))
	live := map[uint64]int32{}

	for i := 0; i < 20000; i++ {
		k := rng.Uint64N(256)
		if _, ok := live[k]; ok {
			require.True(t, s.HashErase(k))
			delete(live, k)
			continue
		}
		if len(live) == 64 {
			continue
		}
		c := int32(i % 64)
		require.NoError(t, s.HashInsert(k, c))
		live[k] = c
	}
	require.Equal(t, len(live), s.HashLen())
	require.Equal(t, len(live), occupied(s))
	for k := uint64(0); k < 256; k++ {
		c, ok := s.HashFind(k)
		want, wantOK := live[k]
		require.Equal(t, wantOK, ok, "key %d", k)
		if ok {
			require.Equal(t, want, c)
		}
	}
}

func TestSegment_NotHashed(t *testing.T) {
	s := openTestSegment(t, Spec{ID: 22, Name: "plain", Capacity: 2}, 8)
	require.ErrorIs(t, s.HashInsert(1, 0), ErrNotHashType)
}
