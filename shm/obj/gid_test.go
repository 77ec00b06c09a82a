package obj

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/shmkit/shm/region"
)

func openTestRegistry(t *testing.T, capacity int, round uint32) *Registry {
	t.Helper()
	r, err := region.Open(region.Options{Size: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	g, err := openRegistry(r, capacity, round)
	require.NoError(t, err)
	return g
}

func TestRegistry_AllocLookupRelease(t *testing.T) {
	g := openTestRegistry(t, 5, 0)
	require.Equal(t, 8, g.Stats().Capacity)

	id, err := g.Alloc(typePoint, 3)
	require.NoError(t, err)
	require.NotZero(t, id)

	typ, chunk, ok := g.Lookup(id)
	require.True(t, ok)
	require.Equal(t, typePoint, typ)
	require.EqualValues(t, 3, chunk)

	require.NoError(t, g.Release(id))
	_, _, ok = g.Lookup(id)
	require.False(t, ok)
	require.ErrorIs(t, g.Release(id), ErrNotFound)
	require.ErrorIs(t, g.Release(0), ErrNotFound)
}

func TestRegistry_Exhaustion(t *testing.T) {
	g := openTestRegistry(t, 4, 0)
	for i := 0; i < 4; i++ {
		_, err := g.Alloc(typePoint, int32(i))
		require.NoError(t, err)
	}
	_, err := g.Alloc(typePoint, 9)
	require.ErrorIs(t, err, ErrGIDExhausted)
}

func TestRegistry_IDsNotReusedWithinRound(t *testing.T) {
	g := openTestRegistry(t, 8, 0)

	// Churn one live object: every id handed out in a long run must differ
	// from the others while the table slots are recycled.
	seen := map[ID]bool{}
	for i := 0; i < 200; i++ {
		id, err := g.Alloc(typePoint, 0)
		require.NoError(t, err)
		require.False(t, seen[id], "id %d reissued", id)
		seen[id] = true
		require.NoError(t, g.Release(id))
	}
	require.Greater(t, g.Stats().Round, 1)
}

func TestRegistry_SeedRound(t *testing.T) {
	g := openTestRegistry(t, 16, 7)
	id, err := g.Alloc(typePoint, 0)
	require.NoError(t, err)
	require.EqualValues(t, 7*16, id)
}

func TestBumpRoundFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x_globalid")

	n, err := bumpRoundFile(path)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = bumpRoundFile(path)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "2\n", string(data))

	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o644))
	_, err = bumpRoundFile(path)
	require.Error(t, err)
}

func TestBumpRoundFile_ReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x_globalid")
	for i := 1; i <= 5; i++ {
		n, err := bumpRoundFile(path)
		require.NoError(t, err)
		require.EqualValues(t, i, n)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files left behind")
	require.Equal(t, "x_globalid", entries[0].Name())

	_, err = bumpRoundFile(filepath.Join(dir, "missing", "x_globalid"))
	require.Error(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "5\n", string(data))
}
