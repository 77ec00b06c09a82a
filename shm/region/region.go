package region

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/joshuapare/shmkit/internal/format"
	"github.com/joshuapare/shmkit/internal/logger"
	"github.com/joshuapare/shmkit/internal/mmfile"
	"github.com/joshuapare/shmkit/shm/dirty"
)

// Mode is the process-wide create-vs-resume decision.
type Mode int

const (
	// ModeAuto resumes a valid initialized region, otherwise creates.
	ModeAuto Mode = iota
	// ModeCreate initialises a fresh region.
	ModeCreate
	// ModeResume requires an initialized region.
	ModeResume
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeResume:
		return "resume"
	default:
		return "auto"
	}
}

// ParseMode maps a configuration name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "auto":
		return ModeAuto, nil
	case "create":
		return ModeCreate, nil
	case "resume":
		return ModeResume, nil
	}
	return ModeAuto, fmt.Errorf("region: unknown mode %q", s)
}

// MinSize is the smallest mapping Open accepts: the header plus one page.
const MinSize = format.HeaderSize + format.PageSize

// Options configures Open.
type Options struct {
	// Path of the backing file. Empty selects a heap region.
	Path string
	// Size of a fresh mapping. Resume uses the existing file size.
	Size int
	// Mode is the create-vs-resume flag.
	Mode Mode
	// FlushMode controls Commit durability.
	FlushMode dirty.FlushMode
	// Logger defaults to logger.L.
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Region is an opened mapping.
//
// NOT thread-safe. The runtime has exactly one mutator.
type Region struct {
	data    []byte
	file    *mmfile.File
	heap    []uint64 // keeps a heap region alive and 8-byte aligned
	hdr     format.Header
	fresh   bool
	clean   bool
	inTick  bool
	closed  bool
	mode    dirty.FlushMode
	tracker *dirty.Tracker
	extents map[string]Extent
	log     *slog.Logger
	now     func() time.Time
}

// Open maps a region according to opts.
func Open(opts Options) (*Region, error) {
	r := &Region{
		mode:    opts.FlushMode,
		extents: make(map[string]Extent),
		log:     logger.Or(opts.Logger),
		now:     opts.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}

	if opts.Path == "" {
		if opts.Mode == ModeResume {
			return nil, fmt.Errorf("heap region: %w", ErrNotResumable)
		}
		if opts.Size < MinSize {
			return nil, fmt.Errorf("size %d: %w", opts.Size, ErrSize)
		}
		r.heap = make([]uint64, format.AlignPage(opts.Size)/8)
		r.data = unsafe.Slice((*byte)(unsafe.Pointer(&r.heap[0])), len(r.heap)*8)
		if err := r.create(); err != nil {
			return nil, err
		}
		r.tracker = dirty.NewTracker(r)
		r.log.Info("region created", "backing", "heap", "size", len(r.data), "instance", r.InstanceID())
		return r, nil
	}

	size := 0
	if info, err := os.Stat(opts.Path); err != nil || info.Size() == 0 || opts.Mode == ModeCreate {
		if opts.Size < MinSize {
			return nil, fmt.Errorf("size %d: %w", opts.Size, ErrSize)
		}
		size = format.AlignPage(opts.Size)
	}
	f, err := mmfile.OpenRW(opts.Path, size)
	if err != nil {
		return nil, err
	}
	r.file = f
	r.data = f.Bytes()

	resumeErr := error(ErrNotResumable)
	if opts.Mode != ModeCreate {
		resumeErr = r.resume()
	}
	switch {
	case resumeErr == nil:
	case opts.Mode == ModeResume:
		f.Close()
		return nil, fmt.Errorf("resume %s: %w", opts.Path, resumeErr)
	default:
		if len(r.data) < MinSize {
			f.Close()
			return nil, fmt.Errorf("size %d: %w", len(r.data), ErrSize)
		}
		if err := r.create(); err != nil {
			f.Close()
			return nil, err
		}
	}
	r.tracker = dirty.NewTracker(r)

	if r.fresh {
		r.log.Info("region created", "path", opts.Path, "size", len(r.data), "instance", r.InstanceID())
	} else {
		r.log.Info("region resumed", "path", opts.Path, "size", len(r.data), "instance", r.InstanceID(),
			"resumes", r.hdr.ResumeCount, "extents", len(r.extents), "clean", r.clean)
		if !r.clean {
			r.log.Warn("region was not committed by its last writer",
				"primary", r.hdr.PrimarySequence, "secondary", r.hdr.SecondarySequence)
		}
	}
	return r, nil
}

// create writes a fresh header. Extent bytes are zeroed lazily when carved.
func (r *Region) create() error {
	clear(r.data[:format.HeaderSize])
	r.hdr = format.Header{
		Version:         format.LayoutVersion,
		TotalSize:       uint64(len(r.data)),
		Bump:            format.DataOffset,
		CreatedUnixNano: r.now().UnixNano(),
		PageSize:        format.PageSize,
		InstanceID:      uuid.New(),
	}
	r.fresh = true
	r.clean = true
	return format.EncodeHeader(r.data, r.hdr)
}

// resume validates the existing header and loads the extent directory.
func (r *Region) resume() error {
	hdr, err := format.ParseHeader(r.data)
	if err != nil {
		return err
	}
	if hdr.Flags&format.FlagInitialized == 0 {
		return fmt.Errorf("region never finished initialising: %w", ErrNotResumable)
	}
	if hdr.TotalSize != uint64(len(r.data)) {
		return fmt.Errorf("header size %d, mapping %d: %w", hdr.TotalSize, len(r.data), ErrLayoutMismatch)
	}
	extents := make(map[string]Extent, hdr.ExtentCount)
	for i := 0; i < int(hdr.ExtentCount); i++ {
		e, err := format.ParseDirEntry(r.data, i)
		if err != nil {
			return err
		}
		if e.Offset < format.DataOffset || e.Offset+e.Size > hdr.Bump || hdr.Bump > hdr.TotalSize {
			return fmt.Errorf("extent %q [%d,+%d): %w", e.Name, e.Offset, e.Size, ErrLayoutMismatch)
		}
		extents[e.Name] = Extent{r: r, Name: e.Name, Off: int(e.Offset), Size: int(e.Size)}
	}
	hdr.ResumeCount++
	r.hdr = hdr
	r.extents = extents
	r.clean = hdr.PrimarySequence == hdr.SecondarySequence
	r.fresh = false
	return format.EncodeHeader(r.data, r.hdr)
}

// Fresh reports whether this Open created the region.
func (r *Region) Fresh() bool { return r.fresh }

// Clean reports whether the previous writer committed its last tick.
func (r *Region) Clean() bool { return r.clean }

// Header returns a copy of the current header.
func (r *Region) Header() format.Header { return r.hdr }

// InstanceID returns the id minted when the region was created.
func (r *Region) InstanceID() uuid.UUID { return uuid.UUID(r.hdr.InstanceID) }

// Bytes returns the whole mapping.
func (r *Region) Bytes() []byte { return r.data }

// FD returns the backing file descriptor, or -1 for a heap region.
func (r *Region) FD() int {
	if r.file == nil {
		return -1
	}
	return r.file.FD()
}

// Extent returns the extent called name, carving a zeroed one of size bytes
// when it does not exist yet. An existing extent of another size is a
// layout mismatch.
func (r *Region) Extent(name string, size int) (Extent, error) {
	if r.closed {
		return Extent{}, ErrClosed
	}
	if e, ok := r.extents[name]; ok {
		if e.Size != format.AlignExtent(size) {
			return Extent{}, fmt.Errorf("extent %q size %d, want %d: %w", name, e.Size, format.AlignExtent(size), ErrLayoutMismatch)
		}
		return e, nil
	}
	if size <= 0 {
		return Extent{}, fmt.Errorf("extent %q size %d: %w", name, size, ErrSize)
	}
	if int(r.hdr.ExtentCount) >= format.MaxExtents {
		return Extent{}, fmt.Errorf("extent %q: %w", name, ErrDirectoryFull)
	}
	size = format.AlignExtent(size)
	off := format.AlignExtent(int(r.hdr.Bump))
	if off+size > len(r.data) {
		return Extent{}, fmt.Errorf("extent %q needs %d bytes, %d free: %w", name, size, len(r.data)-off, ErrNoSpace)
	}
	idx := int(r.hdr.ExtentCount)
	if err := format.EncodeDirEntry(r.data, idx, format.DirEntry{Name: name, Offset: uint64(off), Size: uint64(size)}); err != nil {
		return Extent{}, err
	}
	clear(r.data[off : off+size])
	r.hdr.ExtentCount++
	r.hdr.Bump = uint64(off + size)
	r.writeHeader()
	r.MarkDirty(off, size)

	e := Extent{r: r, Name: name, Off: off, Size: size}
	r.extents[name] = e
	r.log.Debug("extent carved", "name", name, "off", off, "size", size)
	return e, nil
}

// Lookup returns an existing extent.
func (r *Region) Lookup(name string) (Extent, bool) {
	e, ok := r.extents[name]
	return e, ok
}

// Extents lists the directory in offset order.
func (r *Region) Extents() []Extent {
	out := make([]Extent, 0, len(r.extents))
	for _, e := range r.extents {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Off < out[j].Off })
	return out
}

// Free returns the number of bytes still available for extents.
func (r *Region) Free() int {
	off := format.AlignExtent(int(r.hdr.Bump))
	if off > len(r.data) {
		return 0
	}
	return len(r.data) - off
}

// MarkDirty records a modified byte range for the next Commit.
func (r *Region) MarkDirty(off, n int) {
	if r.tracker != nil {
		r.tracker.Add(off, n)
	}
}

// DirtyPages returns the number of pages marked since the last Commit.
func (r *Region) DirtyPages() int { return r.tracker.DirtyPages() }

// Release hands the pages fully covered by [off, off+n) back to the OS.
// Partial pages at either end are kept.
func (r *Region) Release(off, n int) error {
	if r.file == nil {
		return nil
	}
	start := format.AlignPage(off)
	end := (off + n) &^ (format.PageSize - 1)
	if start >= end {
		return nil
	}
	return mmfile.Advise(r.data[start:end])
}

// MarkInitialized records that the region finished its first startup, so a
// later Open may resume it.
func (r *Region) MarkInitialized() {
	if r.hdr.Flags&format.FlagInitialized != 0 {
		return
	}
	r.hdr.Flags |= format.FlagInitialized
	r.writeHeader()
}

// Begin starts a unit of mutation by bumping the primary sequence number.
// It is idempotent while a unit is open.
func (r *Region) Begin() {
	if r.inTick {
		return
	}
	r.hdr.PrimarySequence++
	r.inTick = true
	r.writeHeader()
}

// InTick reports whether Begin was called without a matching Commit.
func (r *Region) InTick() bool { return r.inTick }

// Commit flushes dirty pages, closes the sequence pair and flushes the header.
//
// The context can be used to cancel the flush. A cancelled commit leaves the
// sequence numbers mismatched, exactly as a crash would.
func (r *Region) Commit(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	if err := r.tracker.FlushDataOnly(ctx); err != nil {
		return fmt.Errorf("commit data: %w", err)
	}
	r.hdr.SecondarySequence = r.hdr.PrimarySequence
	r.hdr.LastCommitNano = r.now().UnixNano()
	r.writeHeader()
	if err := r.tracker.FlushHeaderAndMeta(ctx, r.mode); err != nil {
		return fmt.Errorf("commit header: %w", err)
	}
	r.inTick = false
	return nil
}

// Close commits outstanding work and unmaps the region.
func (r *Region) Close() error {
	if r.closed {
		return nil
	}
	var err error
	if r.inTick || r.tracker.DirtyPages() > 0 {
		err = r.Commit(context.Background())
	}
	r.closed = true
	if r.file != nil {
		err = errors.Join(err, r.file.Close())
		r.file = nil
	}
	r.data = nil
	r.heap = nil
	return err
}

func (r *Region) writeHeader() {
	_ = format.EncodeHeader(r.data, r.hdr)
	r.MarkDirty(0, format.HeaderSize)
}
