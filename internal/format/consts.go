// Package format describes the on-region layout shared by every shmkit
// component: the header page at offset 0 and the extent directory that maps
// component names to byte ranges carved out of the rest of the mapping.
package format

var (
	// RegionSignature is the four-byte magic at offset 0 of every region.
	RegionSignature = []byte{'S', 'H', 'M', 'R'}
)

const (
	// PageSize is the assumed OS page size. Dirty tracking and block release
	// operate on this granularity.
	PageSize = 4096

	// HeaderSize is the size of the region header. The header occupies the
	// first page so it can be flushed independently of data pages.
	HeaderSize = PageSize

	// LayoutVersion is bumped whenever the layout of any region-resident
	// structure changes incompatibly.
	LayoutVersion = 1

	// ExtentAlignment is the alignment of every extent start offset.
	ExtentAlignment = 64

	align8Mask = 7

	// Header field offsets.
	SignatureSize      = 4
	VersionOffset      = 0x004
	PrimarySeqOffset   = 0x008
	SecondarySeqOffset = 0x00C
	TotalSizeOffset    = 0x010
	BumpOffset         = 0x018
	CreatedOffset      = 0x020
	ResumeCountOffset  = 0x028
	ExtentCountOffset  = 0x02C
	InstanceIDOffset   = 0x030
	InstanceIDSize     = 16
	LastCommitOffset   = 0x040
	PageSizeOffset     = 0x048
	FlagsOffset        = 0x04C

	// DirectoryOffset is where the extent directory starts inside the header.
	DirectoryOffset = 0x100
	// DirEntrySize is the size of a single directory entry.
	DirEntrySize = 64
	// DirNameSize is the space reserved for an extent name (NUL padded).
	DirNameSize = 48
	// MaxExtents is the number of directory entries that fit in the header.
	MaxExtents = (HeaderSize - DirectoryOffset) / DirEntrySize

	// DataOffset is the first byte available to extents.
	DataOffset = HeaderSize
)

const (
	// FlagInitialized is set once a freshly created region has finished
	// its first full startup. A region without it is treated as never created.
	FlagInitialized uint32 = 1 << 0
)
