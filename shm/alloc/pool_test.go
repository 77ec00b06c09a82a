package alloc

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/shmkit/shm/region"
)

func newPool(t *testing.T, cfg Config) (*Pool, *region.Region) {
	t.Helper()
	size, err := Layout(cfg)
	require.NoError(t, err)
	r, err := region.Open(region.Options{Size: size + region.MinSize})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	ext, err := r.Extent("pool", size)
	require.NoError(t, err)
	p, err := New(ext, cfg, nil)
	require.NoError(t, err)
	return p, r
}

func Test_Pool_CapacityScenario(t *testing.T) {
	p, _ := newPool(t, Config{ChunkSize: 16, Capacity: 3})

	a, err := p.Alloc()
	require.NoError(t, err)
	b, err := p.Alloc()
	require.NoError(t, err)
	c, err := p.Alloc()
	require.NoError(t, err)

	_, err = p.Alloc()
	require.True(t, errors.Is(err, ErrNoSpace))

	require.NoError(t, p.Free(b))
	e, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, b, e, "freed chunk is reused first")
	require.ElementsMatch(t, []int32{0, 1, 2}, []int32{a, e, c})
	require.NoError(t, p.Check())
}

func Test_Pool_BadFree(t *testing.T) {
	p, _ := newPool(t, Config{ChunkSize: 16, Capacity: 8})
	idx, err := p.Alloc()
	require.NoError(t, err)

	require.True(t, errors.Is(p.Free(idx+1), ErrBadRef), "never allocated")
	require.True(t, errors.Is(p.Free(-1), ErrBadRef))
	require.True(t, errors.Is(p.Free(1000), ErrBadRef))
	require.NoError(t, p.Free(idx))
	require.True(t, errors.Is(p.Free(idx), ErrBadRef), "double free")
	require.NoError(t, p.Check())
}

func Test_Pool_PrefersPartialBlocks(t *testing.T) {
	p, _ := newPool(t, Config{ChunkSize: 16, Capacity: 8, PerBlock: 2})

	ids := make([]int32, 0, 6)
	for i := 0; i < 6; i++ {
		idx, err := p.Alloc()
		require.NoError(t, err)
		ids = append(ids, idx)
	}
	s := p.Stats()
	require.Equal(t, 3, s.Full)
	require.Equal(t, 1, s.Uncarved)

	// Empty block 1 completely, leave block 2 half full.
	require.NoError(t, p.Free(ids[2]))
	require.NoError(t, p.Free(ids[3]))
	require.NoError(t, p.Free(ids[4]))
	s = p.Stats()
	require.Equal(t, 1, s.Empty)
	require.Equal(t, 1, s.Partial)

	// Next allocation must land in the partially used block 2.
	idx, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, int32(2), idx/2)
	require.NoError(t, p.Check())

	// Then the empty block before carving the last one.
	idx, err = p.Alloc()
	require.NoError(t, err)
	require.Equal(t, int32(1), idx/2)
	require.Equal(t, 1, p.Stats().Uncarved)
}

func Test_Pool_FreeToSystem(t *testing.T) {
	p, _ := newPool(t, Config{ChunkSize: 4096, Capacity: 8, PerBlock: 2, FreeToSys: true})
	ids := make([]int32, 8)
	for i := range ids {
		var err error
		ids[i], err = p.Alloc()
		require.NoError(t, err)
	}
	for _, idx := range ids {
		require.NoError(t, p.Free(idx))
	}
	s := p.Stats()
	// Blocks are released while more than 2 blocks' worth of chunks are free.
	require.Equal(t, 2, s.Released)
	require.Equal(t, 2, s.Empty)
	require.Equal(t, 2, s.Releases)
	require.NoError(t, p.Check())

	// Released blocks come back into service.
	for i := 0; i < 8; i++ {
		_, err := p.Alloc()
		require.NoError(t, err)
	}
	require.Equal(t, 4, p.Stats().Full)
	require.NoError(t, p.Check())
}

func Test_Pool_IndexOf(t *testing.T) {
	p, _ := newPool(t, Config{ChunkSize: 24, Capacity: 4})
	idx, err := p.Alloc()
	require.NoError(t, err)

	got, err := p.IndexOf(p.Offset(idx))
	require.NoError(t, err)
	require.Equal(t, idx, got)

	_, err = p.IndexOf(p.Offset(idx) + 3)
	require.True(t, errors.Is(err, ErrBadRef))
	_, err = p.IndexOf(p.Offset(idx + 1))
	require.True(t, errors.Is(err, ErrBadRef))
	_, err = p.IndexOf(0)
	require.True(t, errors.Is(err, ErrBadRef))
}

func Test_Pool_ChunkBytes(t *testing.T) {
	p, _ := newPool(t, Config{ChunkSize: 10, Capacity: 4})
	require.Equal(t, 16, p.ChunkSize())
	idx, err := p.Alloc()
	require.NoError(t, err)
	c := p.Chunk(idx)
	require.Len(t, c, 16)
	c[15] = 0xAB
	require.Equal(t, byte(0xAB), p.Chunk(idx)[15])
	require.Nil(t, p.Chunk(p.Limit()))
}

func Test_Pool_RandomizedInvariants(t *testing.T) {
	const capacity = 97
	p, _ := newPool(t, Config{ChunkSize: 32, Capacity: capacity, PerBlock: 7, FreeToSys: true})
	rng := rand.New(rand.NewSource(1))
	live := map[int32]bool{}

	for step := 0; step < 5000; step++ {
		if rng.Intn(3) > 0 {
			idx, err := p.Alloc()
			if len(live) == capacity {
				require.True(t, errors.Is(err, ErrNoSpace))
				continue
			}
			require.NoError(t, err)
			require.False(t, live[idx], "chunk %d handed out twice", idx)
			live[idx] = true
		} else if len(live) > 0 {
			for idx := range live {
				require.NoError(t, p.Free(idx))
				delete(live, idx)
				break
			}
		}
		require.LessOrEqual(t, p.Live(), capacity)
		require.Equal(t, len(live), p.Live())
	}
	require.NoError(t, p.Check())
}

func Test_Pool_ResumeFromFile(t *testing.T) {
	cfg := Config{ChunkSize: 16, Capacity: 10, PerBlock: 4}
	size, err := Layout(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pool.shm")

	r, err := region.Open(region.Options{Path: path, Size: size + region.MinSize})
	require.NoError(t, err)
	ext, err := r.Extent("pool", size)
	require.NoError(t, err)
	p, err := New(ext, cfg, nil)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := p.Alloc()
		require.NoError(t, err)
	}
	require.NoError(t, p.Free(2))
	r.MarkInitialized()
	require.NoError(t, r.Close())

	r, err = region.Open(region.Options{Path: path, Mode: region.ModeResume})
	require.NoError(t, err)
	defer r.Close()
	ext, err = r.Extent("pool", size)
	require.NoError(t, err)
	p, err = New(ext, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 5, p.Live())
	require.False(t, p.Allocated(2))
	require.True(t, p.Allocated(3))
	require.NoError(t, p.Check())

	idx, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, int32(2), idx)

	// A different chunk size is a corrupt layout.
	_, err = New(ext, Config{ChunkSize: 8, Capacity: 10, PerBlock: 4}, nil)
	require.Error(t, err)
}

func Test_Pool_ConfigErrors(t *testing.T) {
	_, err := Layout(Config{ChunkSize: 2, Capacity: 1})
	require.True(t, errors.Is(err, ErrConfig))
	_, err = Layout(Config{ChunkSize: 8})
	require.True(t, errors.Is(err, ErrConfig))

	r, err := region.Open(region.Options{Size: region.MinSize * 2})
	require.NoError(t, err)
	defer r.Close()
	ext, err := r.Extent("tiny", 64)
	require.NoError(t, err)
	_, err = New(ext, Config{ChunkSize: 8, Capacity: 100}, nil)
	require.True(t, errors.Is(err, ErrConfig))
}
