package format

import (
	"bytes"
	"fmt"

	"github.com/joshuapare/shmkit/internal/buf"
)

// Header captures the region header. The diagram below lists every field.
//
//	Offset  Size  Description
//	------  ----  ----------------------------------------------------------
//	 0x000   4    'S' 'H' 'M' 'R'
//	 0x004   4    Layout version
//	 0x008   4    Primary sequence number (bumped when a tick begins)
//	 0x00C   4    Secondary sequence number (set to primary on commit)
//	 0x010   8    Total mapping size in bytes
//	 0x018   8    Bump offset (next free byte for extents)
//	 0x020   8    Creation time (unix nanoseconds)
//	 0x028   4    Resume count
//	 0x02C   4    Extent count
//	 0x030  16    Instance id (UUID)
//	 0x040   8    Last commit time (unix nanoseconds)
//	 0x048   4    Page size at creation
//	 0x04C   4    Flags
//	 0x100        Extent directory (MaxExtents × 64 bytes)
//
// All fields are little-endian.
type Header struct {
	Version           uint32
	PrimarySequence   uint32
	SecondarySequence uint32
	TotalSize         uint64
	Bump              uint64
	CreatedUnixNano   int64
	ResumeCount       uint32
	ExtentCount       uint32
	InstanceID        [InstanceIDSize]byte
	LastCommitNano    int64
	PageSize          uint32
	Flags             uint32
}

// ParseHeader validates and extracts the region header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("region header: %w", ErrTruncated)
	}
	if !bytes.Equal(b[:SignatureSize], RegionSignature) {
		return Header{}, fmt.Errorf("region header: %w", ErrSignatureMismatch)
	}
	h := Header{
		Version:           buf.U32LE(b[VersionOffset:]),
		PrimarySequence:   buf.U32LE(b[PrimarySeqOffset:]),
		SecondarySequence: buf.U32LE(b[SecondarySeqOffset:]),
		TotalSize:         buf.U64LE(b[TotalSizeOffset:]),
		Bump:              buf.U64LE(b[BumpOffset:]),
		CreatedUnixNano:   buf.I64LE(b[CreatedOffset:]),
		ResumeCount:       buf.U32LE(b[ResumeCountOffset:]),
		ExtentCount:       buf.U32LE(b[ExtentCountOffset:]),
		LastCommitNano:    buf.I64LE(b[LastCommitOffset:]),
		PageSize:          buf.U32LE(b[PageSizeOffset:]),
		Flags:             buf.U32LE(b[FlagsOffset:]),
	}
	copy(h.InstanceID[:], b[InstanceIDOffset:InstanceIDOffset+InstanceIDSize])
	if h.Version != LayoutVersion {
		return h, fmt.Errorf("region header: version %d: %w", h.Version, ErrVersion)
	}
	if h.ExtentCount > MaxExtents {
		return h, fmt.Errorf("region header: extent count %d: %w", h.ExtentCount, ErrTruncated)
	}
	return h, nil
}

// EncodeHeader writes h into the first HeaderSize bytes of b. The directory
// area is left untouched.
func EncodeHeader(b []byte, h Header) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("region header: %w", ErrTruncated)
	}
	copy(b[:SignatureSize], RegionSignature)
	buf.PutU32LE(b[VersionOffset:], h.Version)
	buf.PutU32LE(b[PrimarySeqOffset:], h.PrimarySequence)
	buf.PutU32LE(b[SecondarySeqOffset:], h.SecondarySequence)
	buf.PutU64LE(b[TotalSizeOffset:], h.TotalSize)
	buf.PutU64LE(b[BumpOffset:], h.Bump)
	buf.PutI64LE(b[CreatedOffset:], h.CreatedUnixNano)
	buf.PutU32LE(b[ResumeCountOffset:], h.ResumeCount)
	buf.PutU32LE(b[ExtentCountOffset:], h.ExtentCount)
	copy(b[InstanceIDOffset:InstanceIDOffset+InstanceIDSize], h.InstanceID[:])
	buf.PutI64LE(b[LastCommitOffset:], h.LastCommitNano)
	buf.PutU32LE(b[PageSizeOffset:], h.PageSize)
	buf.PutU32LE(b[FlagsOffset:], h.Flags)
	return nil
}

// DirEntry is one extent directory record.
//
//	Offset  Size  Description
//	------  ----  ----------------------------------------------------------
//	 0x00   48    Name (NUL padded)
//	 0x30    8    Extent offset from region start
//	 0x38    8    Extent size in bytes
type DirEntry struct {
	Name   string
	Offset uint64
	Size   uint64
}

// ParseDirEntry decodes directory entry i from the header page.
func ParseDirEntry(b []byte, i int) (DirEntry, error) {
	off := DirectoryOffset + i*DirEntrySize
	rec, ok := buf.Slice(b, off, DirEntrySize)
	if !ok || i < 0 || i >= MaxExtents {
		return DirEntry{}, fmt.Errorf("dir entry %d: %w", i, ErrTruncated)
	}
	name := rec[:DirNameSize]
	if n := bytes.IndexByte(name, 0); n >= 0 {
		name = name[:n]
	}
	return DirEntry{
		Name:   string(name),
		Offset: buf.U64LE(rec[DirNameSize:]),
		Size:   buf.U64LE(rec[DirNameSize+8:]),
	}, nil
}

// EncodeDirEntry writes e as directory entry i.
func EncodeDirEntry(b []byte, i int, e DirEntry) error {
	if len(e.Name) == 0 || len(e.Name) >= DirNameSize {
		return fmt.Errorf("dir entry %q: %w", e.Name, ErrNameTooLong)
	}
	off := DirectoryOffset + i*DirEntrySize
	rec, ok := buf.Slice(b, off, DirEntrySize)
	if !ok || i < 0 || i >= MaxExtents {
		return fmt.Errorf("dir entry %d: %w", i, ErrTruncated)
	}
	clear(rec[:DirNameSize])
	copy(rec[:DirNameSize], e.Name)
	buf.PutU64LE(rec[DirNameSize:], e.Offset)
	buf.PutU64LE(rec[DirNameSize+8:], e.Size)
	return nil
}
