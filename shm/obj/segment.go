package obj

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/joshuapare/shmkit/internal/format"
	"github.com/joshuapare/shmkit/shm/alloc"
	"github.com/joshuapare/shmkit/shm/region"
)

const (
	segMagic = 0x47455353 // "SSEG"

	slotEmpty uint32 = 0
	slotUsed  uint32 = 1
	slotTomb  uint32 = 2
)

// segHeader is the region-resident header of a segment index extent.
type segHeader struct {
	Magic     uint32
	Type      uint32
	Capacity  uint32
	Count     uint32
	HashSlots uint32
	HashUsed  uint32
	HashTombs uint32
	_         [36]byte
}

// hashSlot is one open-addressing slot.
type hashSlot struct {
	Key   uint64
	Chunk int32
	State uint32
}

// Segment binds a chunk pool to a dense live-object vector and an optional
// hash index. It knows nothing about global ids or hooks.
//
// NOT thread-safe.
type Segment struct {
	typ   TypeID
	pool  *alloc.Pool
	idx   region.Extent
	hdr   *segHeader
	dense []int32
	hash  []hashSlot
	mask  uint64
}

// segmentLayout returns the pool config and index extent size for spec.
func segmentLayout(spec Spec, payload int) (alloc.Config, int, int) {
	cfg := alloc.Config{
		ChunkSize: HeaderSize + payload,
		Capacity:  spec.Capacity,
		PerBlock:  spec.PerBlock,
		FreeToSys: spec.FreeToSys,
	}
	slots := 0
	if spec.Hashed {
		slots = hashSlotsFor(spec.Capacity)
	}
	denseBytes := format.Align8(spec.Capacity * 4)
	idxSize := int(unsafe.Sizeof(segHeader{})) + denseBytes + slots*int(unsafe.Sizeof(hashSlot{}))
	poolSize, _ := alloc.Layout(cfg)
	return cfg, poolSize, idxSize
}

// hashSlotsFor keeps the load factor at or below one half.
func hashSlotsFor(capacity int) int {
	n := 8
	for n < capacity*2 {
		n <<= 1
	}
	return n
}

// openSegment carves (or reopens) the extents of a segment.
func openSegment(r *region.Region, spec Spec, payload int, log *slog.Logger) (*Segment, error) {
	cfg, poolSize, idxSize := segmentLayout(spec, payload)
	poolExt, err := r.Extent(fmt.Sprintf("t%d.pool", spec.ID), poolSize)
	if err != nil {
		return nil, err
	}
	pool, err := alloc.New(poolExt, cfg, log)
	if err != nil {
		return nil, err
	}
	idxExt, err := r.Extent(fmt.Sprintf("t%d.idx", spec.ID), idxSize)
	if err != nil {
		return nil, err
	}

	s := &Segment{
		typ:  spec.ID,
		pool: pool,
		idx:  idxExt,
		hdr:  region.At[segHeader](idxExt, 0),
	}
	hdrSize := int(unsafe.Sizeof(segHeader{}))
	s.dense = region.SliceOf[int32](idxExt, hdrSize, spec.Capacity)
	slots := 0
	if spec.Hashed {
		slots = hashSlotsFor(spec.Capacity)
		s.hash = region.SliceOf[hashSlot](idxExt, hdrSize+format.Align8(spec.Capacity*4), slots)
		s.mask = uint64(slots - 1)
	}

	if s.hdr.Magic == 0 {
		*s.hdr = segHeader{
			Magic:     segMagic,
			Type:      uint32(spec.ID),
			Capacity:  uint32(spec.Capacity),
			HashSlots: uint32(slots),
		}
		idxExt.Touch(0, hdrSize)
		return s, nil
	}
	if s.hdr.Magic != segMagic || s.hdr.Type != uint32(spec.ID) ||
		s.hdr.Capacity != uint32(spec.Capacity) || s.hdr.HashSlots != uint32(slots) {
		return nil, fmt.Errorf("segment %d header %+v: %w", spec.ID, *s.hdr, region.ErrLayoutMismatch)
	}
	if int(s.hdr.Count) != pool.Live() {
		return nil, fmt.Errorf("segment %d: dense count %d, pool live %d: %w", spec.ID, s.hdr.Count, pool.Live(), ErrCorrupt)
	}
	return s, nil
}

// Alloc takes a chunk from the pool and appends it to the dense vector.
// The header's Link is set; every other header field is zeroed.
func (s *Segment) Alloc() (int32, error) {
	chunk, err := s.pool.Alloc()
	if err != nil {
		if errors.Is(err, alloc.ErrNoSpace) {
			return -1, fmt.Errorf("type %d: %w", s.typ, ErrNoSpace)
		}
		return -1, err
	}
	n := s.hdr.Count
	s.dense[n] = chunk
	s.hdr.Count++
	s.idx.Touch(0, 16)
	s.idx.Touch(int(unsafe.Sizeof(segHeader{}))+int(n)*4, 4)

	b := s.pool.Chunk(chunk)
	clear(b)
	h := (*Header)(unsafe.Pointer(&b[0]))
	h.Link = int32(n)
	s.pool.Touch(chunk, 0, len(b))
	return chunk, nil
}

// Free removes chunk from the dense vector by swapping the last entry into
// its position, then returns the chunk to the pool.
func (s *Segment) Free(chunk int32) error {
	if !s.pool.Allocated(chunk) {
		return fmt.Errorf("type %d: free chunk %d: %w", s.typ, chunk, alloc.ErrBadRef)
	}
	h := s.header(chunk)
	pos := h.Link
	if pos < 0 || uint32(pos) >= s.hdr.Count || s.dense[pos] != chunk {
		return fmt.Errorf("type %d: chunk %d back-index %d: %w", s.typ, chunk, pos, ErrCorrupt)
	}
	last := s.hdr.Count - 1
	if uint32(pos) != last {
		moved := s.dense[last]
		s.dense[pos] = moved
		s.header(moved).Link = pos
		s.pool.Touch(moved, 0, 4)
	}
	s.dense[last] = -1
	s.hdr.Count--
	h.Link = -1
	s.idx.Touch(0, 16)
	s.idx.Touch(int(unsafe.Sizeof(segHeader{}))+int(pos)*4, 4)
	s.idx.Touch(int(unsafe.Sizeof(segHeader{}))+int(last)*4, 4)
	return s.pool.Free(chunk)
}

// Count returns the number of live objects.
func (s *Segment) Count() int { return int(s.hdr.Count) }

// Capacity returns the fixed capacity.
func (s *Segment) Capacity() int { return int(s.hdr.Capacity) }

// At returns the chunk at dense position i.
func (s *Segment) At(i int) int32 { return s.dense[i] }

// Live reports whether chunk is allocated in this segment.
func (s *Segment) Live(chunk int32) bool { return s.pool.Allocated(chunk) }

// Position returns chunk's dense position after validating the back-index,
// the O(1) chunk→id direction.
func (s *Segment) Position(chunk int32) (int, error) {
	if !s.pool.Allocated(chunk) {
		return -1, fmt.Errorf("type %d: chunk %d: %w", s.typ, chunk, alloc.ErrBadRef)
	}
	pos := s.header(chunk).Link
	if pos < 0 || uint32(pos) >= s.hdr.Count || s.dense[pos] != chunk {
		return -1, fmt.Errorf("type %d: chunk %d back-index %d: %w", s.typ, chunk, pos, ErrCorrupt)
	}
	return int(pos), nil
}

func (s *Segment) header(chunk int32) *Header {
	return (*Header)(unsafe.Pointer(&s.pool.Chunk(chunk)[0]))
}

func (s *Segment) payload(chunk int32) []byte {
	return s.pool.Chunk(chunk)[HeaderSize:]
}

// Pool exposes the underlying chunk pool.
func (s *Segment) Pool() *alloc.Pool { return s.pool }

// HashInsert indexes chunk under key. Duplicate keys are rejected.
func (s *Segment) HashInsert(key uint64, chunk int32) error {
	if s.hash == nil {
		return ErrNotHashType
	}
	tomb := -1
	for i, probe := mix(key)&s.mask, uint64(0); probe <= s.mask; i, probe = (i+1)&s.mask, probe+1 {
		slot := &s.hash[i]
		switch slot.State {
		case slotUsed:
			if slot.Key == key {
				return fmt.Errorf("type %d key %d: %w", s.typ, key, ErrDuplicateKey)
			}
		case slotTomb:
			if tomb < 0 {
				tomb = int(i)
			}
		case slotEmpty:
			if tomb >= 0 {
				i = uint64(tomb)
				s.hdr.HashTombs--
			}
			s.hash[i] = hashSlot{Key: key, Chunk: chunk, State: slotUsed}
			s.hdr.HashUsed++
			s.touchSlot(int(i))
			return nil
		}
	}
	if tomb >= 0 {
		s.hash[tomb] = hashSlot{Key: key, Chunk: chunk, State: slotUsed}
		s.hdr.HashTombs--
		s.hdr.HashUsed++
		s.touchSlot(tomb)
		return nil
	}
	return fmt.Errorf("type %d: hash index full: %w", s.typ, ErrCorrupt)
}

// HashFind returns the chunk indexed under key.
func (s *Segment) HashFind(key uint64) (int32, bool) {
	i, ok := s.find(key)
	if !ok {
		return -1, false
	}
	return s.hash[i].Chunk, true
}

// HashErase removes key from the index.
func (s *Segment) HashErase(key uint64) bool {
	i, ok := s.find(key)
	if !ok {
		return false
	}
	s.hdr.HashUsed--
	s.shiftBack(uint64(i))
	if s.hdr.HashUsed == 0 && s.hdr.HashTombs > 0 {
		clear(s.hash)
		s.hdr.HashTombs = 0
		s.idx.Touch(0, s.idx.Size)
	}
	return true
}

// shiftBack empties slot hole and pulls later entries of its probe run back
// into it, so erasing never leaves a tombstone. Tombstones from older
// regions stay in place; lookups step over them.
func (s *Segment) shiftBack(hole uint64) {
	s.hash[hole] = hashSlot{}
	s.touchSlot(int(hole))
	for j := (hole + 1) & s.mask; s.hash[j].State != slotEmpty; j = (j + 1) & s.mask {
		if s.hash[j].State != slotUsed {
			continue
		}
		home := mix(s.hash[j].Key) & s.mask
		// Entry j may move to hole only if hole lies on its probe path.
		if (j-home)&s.mask < (j-hole)&s.mask {
			continue
		}
		s.hash[hole] = s.hash[j]
		s.hash[j] = hashSlot{}
		s.touchSlot(int(hole))
		s.touchSlot(int(j))
		hole = j
	}
}

// HashLen returns the number of indexed keys.
func (s *Segment) HashLen() int { return int(s.hdr.HashUsed) }

func (s *Segment) find(key uint64) (int, bool) {
	if s.hash == nil {
		return -1, false
	}
	for i, probe := mix(key)&s.mask, uint64(0); probe <= s.mask; i, probe = (i+1)&s.mask, probe+1 {
		slot := &s.hash[i]
		switch slot.State {
		case slotEmpty:
			return -1, false
		case slotUsed:
			if slot.Key == key {
				return int(i), true
			}
		}
	}
	return -1, false
}

func (s *Segment) touchSlot(i int) {
	off := int(unsafe.Sizeof(segHeader{})) + format.Align8(int(s.hdr.Capacity)*4) + i*int(unsafe.Sizeof(hashSlot{}))
	s.idx.Touch(off, int(unsafe.Sizeof(hashSlot{})))
	s.idx.Touch(0, int(unsafe.Sizeof(segHeader{})))
}

// mix is the splitmix64 finalizer; sequential keys otherwise cluster.
func mix(k uint64) uint64 {
	k ^= k >> 30
	k *= 0xbf58476d1ce4e5b9
	k ^= k >> 27
	k *= 0x94d049bb133111eb
	k ^= k >> 31
	return k
}
