package obj

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"github.com/joshuapare/shmkit/shm/region"
)

const gidMagic = 0x44494753 // "SGID"

// gidHeader is the region-resident registry header.
type gidHeader struct {
	Magic      uint32
	Capacity   uint32
	Round      uint32
	Used       uint32
	QHead      uint32
	QTail      uint32
	QLen       uint32
	SinceRound uint32 // allocations since Round last advanced
	RoundSpan  uint32 // allocations that make up the current round
	_          [28]byte
}

// gidEntry maps one table index to its current owner.
type gidEntry struct {
	ID    ID
	Type  TypeID
	_     uint16
	Chunk int32
}

// GIDStats is a registry usage snapshot.
type GIDStats struct {
	Capacity  int
	Used      int
	Round     int
	RoundSpan int
}

// Registry hands out global ids.
//
// An id is index + round*capacity, where index is a table slot taken from a
// FIFO queue of free slots. A released slot goes to the back of the queue,
// and the round advances once as many ids have been issued as there were
// free slots when the round began, so an id is only reissued after the
// queue has cycled and the round has moved on.
//
// NOT thread-safe.
type Registry struct {
	ext   region.Extent
	hdr   *gidHeader
	queue []uint32
	table []gidEntry
	mask  uint64
}

// gidLayout returns the extent size for a registry of capacity ids.
func gidLayout(capacity int) int {
	return int(unsafe.Sizeof(gidHeader{})) + capacity*4 + capacity*int(unsafe.Sizeof(gidEntry{}))
}

// roundUpPow2 returns the smallest power of two >= n (minimum 2).
func roundUpPow2(n int) int {
	c := 2
	for c < n {
		c <<= 1
	}
	return c
}

// openRegistry carves or reopens the "gid" extent. round seeds the first
// round of a fresh registry and is ignored on resume.
func openRegistry(r *region.Region, capacity int, round uint32) (*Registry, error) {
	capacity = roundUpPow2(capacity)
	ext, err := r.Extent("gid", gidLayout(capacity))
	if err != nil {
		return nil, err
	}
	hdrSize := int(unsafe.Sizeof(gidHeader{}))
	g := &Registry{
		ext:   ext,
		hdr:   region.At[gidHeader](ext, 0),
		queue: region.SliceOf[uint32](ext, hdrSize, capacity),
		table: region.SliceOf[gidEntry](ext, hdrSize+capacity*4, capacity),
		mask:  uint64(capacity - 1),
	}
	if g.hdr.Magic == 0 {
		if round == 0 {
			round = 1
		}
		*g.hdr = gidHeader{
			Magic:     gidMagic,
			Capacity:  uint32(capacity),
			Round:     round,
			QLen:      uint32(capacity),
			RoundSpan: uint32(capacity),
		}
		for i := range g.queue {
			g.queue[i] = uint32(i)
		}
		ext.Touch(0, ext.Size)
		return g, nil
	}
	if g.hdr.Magic != gidMagic || g.hdr.Capacity != uint32(capacity) {
		return nil, fmt.Errorf("gid registry capacity %d, want %d: %w", g.hdr.Capacity, capacity, region.ErrLayoutMismatch)
	}
	if g.hdr.Used+g.hdr.QLen != g.hdr.Capacity {
		return nil, fmt.Errorf("gid registry used %d + free %d != %d: %w", g.hdr.Used, g.hdr.QLen, capacity, ErrCorrupt)
	}
	return g, nil
}

// Alloc issues an id for the object at (typ, chunk).
func (g *Registry) Alloc(typ TypeID, chunk int32) (ID, error) {
	h := g.hdr
	if h.QLen == 0 {
		return 0, ErrGIDExhausted
	}
	index := g.queue[h.QHead]
	h.QHead = (h.QHead + 1) & uint32(g.mask)
	h.QLen--

	id := ID(uint64(index) + uint64(h.Round)*uint64(h.Capacity))
	g.table[index] = gidEntry{ID: id, Type: typ, Chunk: chunk}
	h.Used++

	h.SinceRound++
	if h.SinceRound >= h.RoundSpan {
		h.Round++
		h.SinceRound = 0
		h.RoundSpan = max(h.Capacity-h.Used, 1)
	}
	g.touch(index)
	return id, nil
}

// Release returns id's slot to the back of the free queue.
func (g *Registry) Release(id ID) error {
	index := uint32(uint64(id) & g.mask)
	if id == 0 || g.table[index].ID != id {
		return fmt.Errorf("release gid %d: %w", id, ErrNotFound)
	}
	h := g.hdr
	g.table[index] = gidEntry{Chunk: -1}
	tail := h.QTail
	g.queue[tail] = index
	h.QTail = (tail + 1) & uint32(g.mask)
	h.QLen++
	h.Used--
	g.touch(index)
	g.ext.Touch(int(unsafe.Sizeof(gidHeader{}))+int(tail)*4, 4)
	return nil
}

// Lookup returns the type and chunk registered for id.
func (g *Registry) Lookup(id ID) (TypeID, int32, bool) {
	if id == 0 {
		return TypeNone, -1, false
	}
	e := g.table[uint64(id)&g.mask]
	if e.ID != id {
		return TypeNone, -1, false
	}
	return e.Type, e.Chunk, true
}

// Stats returns a usage snapshot.
func (g *Registry) Stats() GIDStats {
	return GIDStats{
		Capacity:  int(g.hdr.Capacity),
		Used:      int(g.hdr.Used),
		Round:     int(g.hdr.Round),
		RoundSpan: int(g.hdr.RoundSpan),
	}
}

func (g *Registry) touch(index uint32) {
	hdrSize := int(unsafe.Sizeof(gidHeader{}))
	cap4 := int(g.hdr.Capacity) * 4
	g.ext.Touch(0, hdrSize)
	g.ext.Touch(hdrSize+cap4+int(index)*int(unsafe.Sizeof(gidEntry{})), int(unsafe.Sizeof(gidEntry{})))
}

// bumpRoundFile reads the round persisted at path, increments it, writes it
// back and returns the new value. A missing file starts from zero.
func bumpRoundFile(path string) (uint32, error) {
	var round uint64
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		round, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("round file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return 0, fmt.Errorf("round file %s: %w", path, err)
	}
	round++

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("round file %s: %w", path, err)
	}
	_, err = tmp.WriteString(strconv.FormatUint(round, 10) + "\n")
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("round file %s: %w", path, err)
	}
	syncDir(filepath.Dir(path))
	return uint32(round), nil
}

// syncDir flushes a directory entry after a rename. Platforms that cannot
// fsync a directory just skip it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
