package alloc

import (
	"fmt"
	"log/slog"

	"github.com/joshuapare/shmkit/internal/buf"
	"github.com/joshuapare/shmkit/internal/logger"
	"github.com/joshuapare/shmkit/shm/region"
)

// Pool is a fixed-capacity chunk allocator over one region extent.
//
// NOT thread-safe. Only one goroutine should use it at a time.
type Pool struct {
	ext     region.Extent
	cfg     Config
	hdr     *poolHeader
	blocks  []block
	bitmap  []uint64
	dataOff int
	log     *slog.Logger
}

// New binds a pool to ext. A zeroed extent is initialised; an extent that
// already holds a pool is validated against cfg and reused as-is.
func New(ext region.Extent, cfg Config, log *slog.Logger) (*Pool, error) {
	c, err := cfg.normalize()
	if err != nil {
		return nil, fmt.Errorf("%s: %+v: %w", ext.Name, cfg, err)
	}
	need, _ := Layout(c)
	if ext.Size < need {
		return nil, fmt.Errorf("%s: extent %d bytes, need %d: %w", ext.Name, ext.Size, need, ErrConfig)
	}

	p := &Pool{
		ext:     ext,
		cfg:     c,
		hdr:     region.At[poolHeader](ext, 0),
		blocks:  region.SliceOf[block](ext, headerBytes, c.maxBlocks()),
		bitmap:  region.SliceOf[uint64](ext, c.bitmapOff(), (c.maxBlocks()*c.PerBlock+63)/64),
		dataOff: c.chunksOff(),
		log:     logger.Or(log),
	}

	if p.hdr.Magic == 0 {
		p.init()
		return p, nil
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ext.Name, err)
	}
	// Free-to-system is a runtime policy, not layout.
	p.hdr.FreeToSys = boolU32(c.FreeToSys)
	return p, nil
}

func (p *Pool) init() {
	c := p.cfg
	*p.hdr = poolHeader{
		Magic:     poolMagic,
		ChunkSize: uint32(c.ChunkSize),
		PerBlock:  uint32(c.PerBlock),
		MaxBlocks: uint32(c.maxBlocks()),
		Capacity:  uint32(c.Capacity),
		Partial:   none,
		Full:      none,
		Empty:     none,
		Released:  none,
		FreeToSys: boolU32(c.FreeToSys),
	}
	for i := range p.blocks {
		p.blocks[i] = block{Prev: none, Next: none, List: listUncarved, FreeHead: none}
	}
	p.ext.Touch(0, p.dataOff)
}

func (p *Pool) validate() error {
	h, c := p.hdr, p.cfg
	if h.Magic != poolMagic {
		return fmt.Errorf("magic %#x: %w", h.Magic, ErrCorrupt)
	}
	if h.ChunkSize != uint32(c.ChunkSize) || h.PerBlock != uint32(c.PerBlock) ||
		h.MaxBlocks != uint32(c.maxBlocks()) || h.Capacity != uint32(c.Capacity) {
		return fmt.Errorf("header {chunk %d, per block %d, capacity %d} vs config {%d, %d, %d}: %w",
			h.ChunkSize, h.PerBlock, h.Capacity, c.ChunkSize, c.PerBlock, c.Capacity, ErrCorrupt)
	}
	if h.Live > h.Capacity || h.Carved > h.MaxBlocks {
		return fmt.Errorf("live %d carved %d: %w", h.Live, h.Carved, ErrCorrupt)
	}
	return nil
}

// Alloc returns the index of a fresh chunk. The chunk bytes are not zeroed.
func (p *Pool) Alloc() (int32, error) {
	h := p.hdr
	if h.Live >= h.Capacity {
		return none, ErrNoSpace
	}

	b := h.Partial
	if b == none {
		b = h.Empty
	}
	if b == none {
		var err error
		if b, err = p.carve(); err != nil {
			return none, err
		}
	}

	blk := &p.blocks[b]
	var slot int32
	if blk.FreeHead != none {
		slot = blk.FreeHead
		blk.FreeHead = buf.I32LE(p.chunk(b*int32(h.PerBlock) + slot))
	} else {
		if blk.Bump >= h.PerBlock {
			return none, fmt.Errorf("block %d: free %d but bump exhausted: %w", b, blk.Free, ErrCorrupt)
		}
		slot = int32(blk.Bump)
		blk.Bump++
	}
	blk.Free--
	h.FreeChunks--
	h.Live++

	p.relist(b)
	idx := b*int32(h.PerBlock) + slot
	p.setBit(idx, true)
	p.touchBlock(b)
	return idx, nil
}

// carve brings an uncarved or released block into service on the empty list.
func (p *Pool) carve() (int32, error) {
	h := p.hdr
	var b int32
	switch {
	case h.Released != none:
		b = h.Released
		h.Released = p.blocks[b].Next
	case h.Carved < h.MaxBlocks:
		b = int32(h.Carved)
		h.Carved++
	default:
		return none, ErrNoSpace
	}
	p.blocks[b] = block{Prev: none, Next: none, List: listUncarved, FreeHead: none, Free: h.PerBlock}
	h.FreeChunks += h.PerBlock
	p.link(b, listEmpty)
	p.log.Debug("alloc: block carved", "pool", p.ext.Name, "block", b)
	return b, nil
}

// Free returns chunk idx to its block.
func (p *Pool) Free(idx int32) error {
	if !p.Allocated(idx) {
		return fmt.Errorf("%s: free %d: %w", p.ext.Name, idx, ErrBadRef)
	}
	h := p.hdr
	b, slot := idx/int32(h.PerBlock), idx%int32(h.PerBlock)
	blk := &p.blocks[b]

	buf.PutU32LE(p.chunk(idx), uint32(blk.FreeHead))
	p.touchChunk(idx, LinkSize)
	blk.FreeHead = slot
	blk.Free++
	h.FreeChunks++
	h.Live--
	p.setBit(idx, false)

	if blk.Free == h.PerBlock && h.FreeToSys != 0 && h.FreeChunks > 2*h.PerBlock {
		p.release(b)
	} else {
		p.relist(b)
	}
	p.touchBlock(b)
	return nil
}

// release unlinks a fully free block and hands its pages back to the OS.
func (p *Pool) release(b int32) {
	h := p.hdr
	p.unlink(b)
	blk := &p.blocks[b]
	blk.List = listReleased
	blk.Prev = none
	blk.Next = h.Released
	h.Released = b
	h.FreeChunks -= h.PerBlock
	h.Releases++

	off := p.dataOff + int(b)*int(h.PerBlock)*p.cfg.ChunkSize
	if err := p.ext.Release(off, int(h.PerBlock)*p.cfg.ChunkSize); err != nil {
		p.log.Warn("alloc: release block pages", "pool", p.ext.Name, "block", b, "err", err)
	}
	p.log.Debug("alloc: block released", "pool", p.ext.Name, "block", b)
}

// relist moves block b to the list its free count selects.
func (p *Pool) relist(b int32) {
	blk := &p.blocks[b]
	want := listPartial
	switch blk.Free {
	case 0:
		want = listFull
	case p.hdr.PerBlock:
		want = listEmpty
	}
	if blk.List == want {
		return
	}
	p.unlink(b)
	p.link(b, want)
}

func (p *Pool) head(list int32) *int32 {
	switch list {
	case listPartial:
		return &p.hdr.Partial
	case listFull:
		return &p.hdr.Full
	case listEmpty:
		return &p.hdr.Empty
	}
	return nil
}

// link pushes b onto the head of list.
func (p *Pool) link(b, list int32) {
	head := p.head(list)
	blk := &p.blocks[b]
	blk.List = list
	blk.Prev = none
	blk.Next = *head
	if *head != none {
		p.blocks[*head].Prev = b
		p.touchBlock(*head)
	}
	*head = b
}

func (p *Pool) unlink(b int32) {
	blk := &p.blocks[b]
	head := p.head(blk.List)
	if head == nil {
		return
	}
	if blk.Prev != none {
		p.blocks[blk.Prev].Next = blk.Next
		p.touchBlock(blk.Prev)
	} else {
		*head = blk.Next
	}
	if blk.Next != none {
		p.blocks[blk.Next].Prev = blk.Prev
		p.touchBlock(blk.Next)
	}
	blk.Prev, blk.Next = none, none
	blk.List = listUncarved
}

// Allocated reports whether idx names a live chunk.
func (p *Pool) Allocated(idx int32) bool {
	if idx < 0 || int(idx) >= len(p.bitmap)*64 {
		return false
	}
	b := idx / int32(p.hdr.PerBlock)
	if int(b) >= len(p.blocks) {
		return false
	}
	switch p.blocks[b].List {
	case listPartial, listFull:
	default:
		return false
	}
	return p.bitmap[idx/64]&(1<<uint(idx%64)) != 0
}

func (p *Pool) setBit(idx int32, on bool) {
	w, bit := idx/64, uint64(1)<<uint(idx%64)
	if on {
		p.bitmap[w] |= bit
	} else {
		p.bitmap[w] &^= bit
	}
	p.ext.Touch(p.cfg.bitmapOff()+int(w)*8, 8)
}

// Chunk returns the bytes of chunk idx, or nil for a bad index.
func (p *Pool) Chunk(idx int32) []byte {
	if idx < 0 || int(idx) >= int(p.hdr.MaxBlocks)*int(p.hdr.PerBlock) {
		return nil
	}
	return p.chunk(idx)
}

func (p *Pool) chunk(idx int32) []byte {
	off := p.dataOff + int(idx)*p.cfg.ChunkSize
	return p.ext.Bytes()[off : off+p.cfg.ChunkSize]
}

// Offset returns the extent-relative byte offset of chunk idx.
func (p *Pool) Offset(idx int32) int {
	return p.dataOff + int(idx)*p.cfg.ChunkSize
}

// IndexOf maps an extent-relative byte offset back to its chunk index. The
// offset must point at the start of a live chunk.
func (p *Pool) IndexOf(off int) (int32, error) {
	rel := off - p.dataOff
	if rel < 0 || rel%p.cfg.ChunkSize != 0 {
		return none, fmt.Errorf("%s: offset %d: %w", p.ext.Name, off, ErrBadRef)
	}
	idx := int32(rel / p.cfg.ChunkSize)
	if !p.Allocated(idx) {
		return none, fmt.Errorf("%s: offset %d (chunk %d): %w", p.ext.Name, off, idx, ErrBadRef)
	}
	return idx, nil
}

// Touch marks n bytes at offset off of chunk idx dirty.
func (p *Pool) Touch(idx int32, off, n int) {
	p.ext.Touch(p.Offset(idx)+off, n)
}

func (p *Pool) touchChunk(idx int32, n int) {
	p.ext.Touch(p.Offset(idx), n)
}

func (p *Pool) touchBlock(b int32) {
	p.ext.Touch(0, headerBytes)
	p.ext.Touch(headerBytes+int(b)*blockBytes, blockBytes)
}

// ChunkSize returns the chunk stride in bytes.
func (p *Pool) ChunkSize() int { return p.cfg.ChunkSize }

// Capacity returns the maximum live chunk count.
func (p *Pool) Capacity() int { return int(p.hdr.Capacity) }

// Live returns the number of allocated chunks.
func (p *Pool) Live() int { return int(p.hdr.Live) }

// Limit returns one past the highest chunk index the pool can hand out.
func (p *Pool) Limit() int32 { return int32(p.hdr.MaxBlocks * p.hdr.PerBlock) }

// Stats walks the block table.
func (p *Pool) Stats() Stats {
	s := Stats{
		ChunkSize: p.cfg.ChunkSize,
		Capacity:  int(p.hdr.Capacity),
		Live:      int(p.hdr.Live),
		PerBlock:  int(p.hdr.PerBlock),
		MaxBlocks: int(p.hdr.MaxBlocks),
		Releases:  int(p.hdr.Releases),
	}
	for _, b := range p.blocks {
		switch b.List {
		case listPartial:
			s.Partial++
		case listFull:
			s.Full++
		case listEmpty:
			s.Empty++
		case listReleased:
			s.Released++
		default:
			s.Uncarved++
		}
	}
	return s
}

// Check verifies block bookkeeping: list membership matches free counts,
// free counts match the bitmap, and the live counter matches both.
func (p *Pool) Check() error {
	h := p.hdr
	live, free := 0, 0
	for i := range p.blocks {
		blk := &p.blocks[i]
		if blk.List == listUncarved || blk.List == listReleased {
			continue
		}
		used := 0
		for s := 0; s < int(h.PerBlock); s++ {
			idx := i*int(h.PerBlock) + s
			if p.bitmap[idx/64]&(1<<uint(idx%64)) != 0 {
				used++
			}
		}
		if used+int(blk.Free) != int(h.PerBlock) {
			return fmt.Errorf("block %d: %d used + %d free != %d: %w", i, used, blk.Free, h.PerBlock, ErrCorrupt)
		}
		want := listPartial
		switch blk.Free {
		case 0:
			want = listFull
		case h.PerBlock:
			want = listEmpty
		}
		if blk.List != want {
			return fmt.Errorf("block %d: on list %d, want %d: %w", i, blk.List, want, ErrCorrupt)
		}
		live += used
		free += int(blk.Free)
	}
	if live != int(h.Live) || free != int(h.FreeChunks) {
		return fmt.Errorf("live %d/%d free %d/%d: %w", live, h.Live, free, h.FreeChunks, ErrCorrupt)
	}
	for _, list := range []int32{listPartial, listFull, listEmpty} {
		prev := none
		for b := *p.head(list); b != none; b = p.blocks[b].Next {
			if p.blocks[b].List != list || p.blocks[b].Prev != prev {
				return fmt.Errorf("list %d broken at block %d: %w", list, b, ErrCorrupt)
			}
			prev = b
		}
	}
	return nil
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
