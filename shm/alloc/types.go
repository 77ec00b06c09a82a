package alloc

import (
	"github.com/joshuapare/shmkit/internal/format"
)

const (
	// DefaultPerBlock caps the number of chunks carved per block.
	DefaultPerBlock = 500

	// LinkSize is the number of leading chunk bytes the pool uses for the
	// free-list link while a chunk is free.
	LinkSize = 4

	poolMagic = 0x4c4f4f50 // "POOL"

	headerBytes = 64
	blockBytes  = 24
)

const (
	listPartial int32 = iota
	listFull
	listEmpty
	listReleased
	listUncarved
)

const none int32 = -1

// Config describes a pool.
type Config struct {
	ChunkSize int  // bytes per chunk, rounded up to 8
	Capacity  int  // maximum live chunks
	PerBlock  int  // chunks per block; 0 selects min(Capacity, DefaultPerBlock)
	FreeToSys bool // release fully free blocks to the OS
}

func (c Config) normalize() (Config, error) {
	if c.ChunkSize < LinkSize || c.Capacity <= 0 || c.PerBlock < 0 {
		return c, ErrConfig
	}
	c.ChunkSize = format.Align8(c.ChunkSize)
	if c.PerBlock == 0 {
		c.PerBlock = min(c.Capacity, DefaultPerBlock)
	}
	if c.PerBlock > c.Capacity {
		c.PerBlock = c.Capacity
	}
	return c, nil
}

func (c Config) maxBlocks() int {
	return (c.Capacity + c.PerBlock - 1) / c.PerBlock
}

func (c Config) bitmapOff() int {
	return headerBytes + c.maxBlocks()*blockBytes
}

func (c Config) chunksOff() int {
	n := c.maxBlocks() * c.PerBlock
	return format.AlignPage(c.bitmapOff() + (n+63)/64*8)
}

// Layout returns the extent size a pool with cfg needs.
func Layout(cfg Config) (int, error) {
	c, err := cfg.normalize()
	if err != nil {
		return 0, err
	}
	return c.chunksOff() + c.maxBlocks()*c.PerBlock*c.ChunkSize, nil
}

// poolHeader is the region-resident pool header.
type poolHeader struct {
	Magic      uint32
	ChunkSize  uint32
	PerBlock   uint32
	MaxBlocks  uint32
	Capacity   uint32
	Live       uint32
	FreeChunks uint32 // free chunks inside carved blocks
	Carved     uint32 // high-water mark of carved blocks
	Partial    int32
	Full       int32
	Empty      int32
	Released   int32 // stack of released blocks, linked by Next
	FreeToSys  uint32
	Releases   uint32
	_          [8]byte
}

// block is one block-table entry.
type block struct {
	Prev     int32
	Next     int32
	List     int32
	FreeHead int32 // in-block index of the first free chunk, or -1
	Bump     uint32
	Free     uint32
}

// Stats summarizes a pool for capacity sizing.
type Stats struct {
	ChunkSize int
	Capacity  int
	Live      int
	PerBlock  int
	MaxBlocks int
	Partial   int
	Full      int
	Empty     int
	Released  int
	Uncarved  int
	Releases  int // total blocks handed back to the OS
}
