package obj

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/joshuapare/shmkit/internal/logger"
	"github.com/joshuapare/shmkit/shm/region"
)

// Options configures New.
type Options struct {
	// GIDCapacity is rounded up to a power of two.
	GIDCapacity int
	// OwnerCapacity bounds objects that own timers or subscriptions.
	OwnerCapacity int
	// RoundFile, when set, persists the global-id round across cold starts.
	RoundFile string
	// Logger defaults to logger.L.
	Logger *slog.Logger
}

// DestroyHook is called for every destroyed object after its type's Destroy
// hook and before its global id is released.
type DestroyHook func(rt *Runtime, ref Ref, gid ID)

// Runtime is the object universe of one region.
//
// NOT thread-safe. One logic goroutine owns it.
type Runtime struct {
	reg      *region.Region
	log      *slog.Logger
	gids     *Registry
	meta     *meta
	metaExt  region.Extent
	types    [MaxTypes]*TypeInfo
	order    []TypeID
	hooks    []DestroyHook
	onStart  []func(*Runtime) error
	started  bool
	resumed  bool
	links    Kind[Links]
	ownerCap int
}

// New opens the runtime tables in reg. On a fresh region the global-id round
// is seeded from RoundFile (incremented there) when one is configured.
func New(reg *region.Region, opts Options) (*Runtime, error) {
	rt := &Runtime{
		reg:      reg,
		log:      logger.Or(opts.Logger),
		resumed:  !reg.Fresh(),
		ownerCap: opts.OwnerCapacity,
	}
	if opts.GIDCapacity <= 0 {
		opts.GIDCapacity = 1 << 20
	}
	if rt.ownerCap <= 0 {
		rt.ownerCap = 30000
	}

	var err error
	if rt.meta, rt.metaExt, err = openMeta(reg); err != nil {
		return nil, err
	}

	round := uint32(0)
	if opts.RoundFile != "" && reg.Fresh() {
		if round, err = bumpRoundFile(opts.RoundFile); err != nil {
			return nil, err
		}
	}
	if rt.gids, err = openRegistry(reg, opts.GIDCapacity, round); err != nil {
		return nil, err
	}

	if rt.links, err = registerLinks(rt); err != nil {
		return nil, err
	}
	rt.log.Debug("obj: runtime opened", "resumed", rt.resumed, "gid", rt.gids.Stats())
	return rt, nil
}

// Region returns the backing region.
func (rt *Runtime) Region() *region.Region { return rt.reg }

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.log }

// Resumed reports whether the runtime was opened over a resumed region.
func (rt *Runtime) Resumed() bool { return rt.resumed }

// OnDestroy registers a cascade hook run for every destroyed object.
func (rt *Runtime) OnDestroy(h DestroyHook) {
	rt.hooks = append(rt.hooks, h)
}

// OnStart registers fn to run at the end of Start, after resume hooks and
// singleton creation.
func (rt *Runtime) OnStart(fn func(*Runtime) error) {
	rt.onStart = append(rt.onStart, fn)
}

// Start closes registration. On a resumed region every live object's Resume
// hook runs, type by type in registration order; on a fresh region the
// singleton types are instantiated.
func (rt *Runtime) Start() error {
	if rt.started {
		return nil
	}
	rt.started = true

	if rt.resumed {
		for i, rec := range rt.meta.Types {
			if rec.Flags&recPresent != 0 && rt.types[i] == nil {
				rt.log.Warn("obj: region holds an unregistered type", "type", i, "size", rec.Size)
			}
		}
		for _, id := range rt.order {
			info := rt.types[id]
			for _, ref := range rt.Snapshot(id) {
				if err := info.hooks.Resume(rt, ref); err != nil {
					return fmt.Errorf("resume %q %s: %w", info.Name, ref, err)
				}
			}
		}
	}
	for _, id := range rt.order {
		info := rt.types[id]
		if info.Singleton && info.seg.Count() == 0 {
			if _, err := rt.create(info, 0); err != nil {
				return fmt.Errorf("singleton %q: %w", info.Name, err)
			}
		}
	}
	for _, fn := range rt.onStart {
		if err := fn(rt); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) info(id TypeID) (*TypeInfo, error) {
	if int(id) >= MaxTypes || rt.types[id] == nil {
		return nil, fmt.Errorf("type %d: %w", id, ErrUnknownType)
	}
	return rt.types[id], nil
}

// Create allocates an object of a non-hashed type.
func (rt *Runtime) Create(id TypeID) (Ref, error) {
	info, err := rt.info(id)
	if err != nil {
		return NilRef, err
	}
	if info.Hashed {
		return NilRef, fmt.Errorf("create %q: %w", info.Name, ErrHashType)
	}
	return rt.create(info, 0)
}

// CreateByHash allocates an object of a hashed type under key.
func (rt *Runtime) CreateByHash(id TypeID, key uint64) (Ref, error) {
	info, err := rt.info(id)
	if err != nil {
		return NilRef, err
	}
	if !info.Hashed {
		return NilRef, fmt.Errorf("create %q by key: %w", info.Name, ErrNotHashType)
	}
	if _, ok := info.seg.HashFind(key); ok {
		return NilRef, fmt.Errorf("create %q key %d: %w", info.Name, key, ErrDuplicateKey)
	}
	return rt.create(info, key)
}

func (rt *Runtime) create(info *TypeInfo, key uint64) (Ref, error) {
	seg := info.seg
	chunk, err := seg.Alloc()
	if err != nil {
		rt.log.Error("obj: create failed", "type", info.Name, "live", seg.Count(), "capacity", seg.Capacity(), "err", err)
		return NilRef, err
	}
	ref := Ref{Type: info.ID, Chunk: chunk}

	gid, err := rt.gids.Alloc(info.ID, chunk)
	if err != nil {
		_ = seg.Free(chunk)
		rt.log.Error("obj: create failed", "type", info.Name, "gid", rt.gids.Stats(), "err", err)
		return NilRef, err
	}

	h := seg.header(chunk)
	h.Type = info.ID
	h.Flags = flagLive
	h.Seq = rt.meta.NextSeq
	rt.meta.NextSeq++
	rt.metaExt.Touch(8, 8)
	h.GID = gid
	if info.Hashed {
		h.Key = key
		h.Flags |= flagHashed
		if err := seg.HashInsert(key, chunk); err != nil {
			rt.abandon(info, ref)
			return NilRef, err
		}
	}

	if err := info.hooks.Create(rt, ref); err != nil {
		rt.abandon(info, ref)
		return NilRef, fmt.Errorf("create %q: %w", info.Name, err)
	}
	return ref, nil
}

// abandon undoes a half-built create without running hooks.
func (rt *Runtime) abandon(info *TypeInfo, ref Ref) {
	h := info.seg.header(ref.Chunk)
	if h.Flags&flagHashed != 0 {
		info.seg.HashErase(h.Key)
	}
	_ = rt.gids.Release(h.GID)
	h.Seq = 0
	h.Flags = 0
	_ = info.seg.Free(ref.Chunk)
}

// live returns the header of ref after checking the chunk holds a live
// object of ref's type.
func (rt *Runtime) live(ref Ref) (*TypeInfo, *Header, bool) {
	if ref.IsNil() || int(ref.Type) >= MaxTypes {
		return nil, nil, false
	}
	info := rt.types[ref.Type]
	if info == nil || !info.seg.Live(ref.Chunk) {
		return nil, nil, false
	}
	h := info.seg.header(ref.Chunk)
	if h.Flags&flagLive == 0 || h.Type != ref.Type {
		return nil, nil, false
	}
	return info, h, true
}

// Alive reports whether ref addresses a live object.
func (rt *Runtime) Alive(ref Ref) bool {
	_, _, ok := rt.live(ref)
	return ok
}

// Get resolves a global id of any type.
func (rt *Runtime) Get(gid ID) (Ref, bool) {
	typ, chunk, ok := rt.gids.Lookup(gid)
	if !ok {
		return NilRef, false
	}
	ref := Ref{Type: typ, Chunk: chunk}
	_, h, ok := rt.live(ref)
	if !ok || h.GID != gid {
		return NilRef, false
	}
	return ref, true
}

// GetByGID resolves gid and checks its type: the exact type, or with
// withChildren any type descending from typ.
func (rt *Runtime) GetByGID(typ TypeID, gid ID, withChildren bool) (Ref, bool) {
	ref, ok := rt.Get(gid)
	if !ok {
		return NilRef, false
	}
	if ref.Type == typ || (withChildren && rt.IsA(ref.Type, typ)) {
		return ref, true
	}
	return NilRef, false
}

// GetByHash returns the object of typ stored under key.
func (rt *Runtime) GetByHash(typ TypeID, key uint64) (Ref, bool) {
	info, err := rt.info(typ)
	if err != nil || !info.Hashed {
		return NilRef, false
	}
	chunk, ok := info.seg.HashFind(key)
	if !ok {
		return NilRef, false
	}
	return Ref{Type: typ, Chunk: chunk}, true
}

// Singleton returns the only object of a singleton type, creating it when
// it does not exist yet.
func (rt *Runtime) Singleton(typ TypeID) (Ref, error) {
	info, err := rt.info(typ)
	if err != nil {
		return NilRef, err
	}
	if !info.Singleton {
		return NilRef, fmt.Errorf("singleton %q: %w", info.Name, ErrTypeConflict)
	}
	if info.seg.Count() > 0 {
		return Ref{Type: typ, Chunk: info.seg.At(0)}, nil
	}
	return rt.create(info, 0)
}

// GID returns the global id of a live object, or 0.
func (rt *Runtime) GID(ref Ref) ID {
	_, h, ok := rt.live(ref)
	if !ok {
		return 0
	}
	return h.GID
}

// Key returns the hash key of a live object of a hashed type.
func (rt *Runtime) Key(ref Ref) (uint64, bool) {
	_, h, ok := rt.live(ref)
	if !ok || h.Flags&flagHashed == 0 {
		return 0, false
	}
	return h.Key, true
}

// Seq returns the live sequence of ref, or 0.
func (rt *Runtime) Seq(ref Ref) uint64 {
	_, h, ok := rt.live(ref)
	if !ok {
		return 0
	}
	return h.Seq
}

// Destroy runs the type's Destroy hook and the cascade hooks, then removes
// the object from its hash index, releases its global id and frees its
// chunk. Destroying an object that is already being destroyed is a no-op.
func (rt *Runtime) Destroy(ref Ref) error {
	info, h, ok := rt.live(ref)
	if !ok {
		return fmt.Errorf("destroy %s: %w", ref, ErrNotFound)
	}
	if h.Flags&flagDestroying != 0 {
		return nil
	}
	h.Flags |= flagDestroying
	gid := h.GID

	info.hooks.Destroy(rt, ref)
	for _, hook := range rt.hooks {
		hook(rt, ref, gid)
	}
	if ref.Type != TypeOwnerLinks {
		rt.dropLinks(gid)
	}

	// Hooks may not move the chunk, so h is still valid.
	var errs []error
	if h.Flags&flagHashed != 0 && !info.seg.HashErase(h.Key) {
		errs = append(errs, fmt.Errorf("destroy %s: key %d not indexed: %w", ref, h.Key, ErrCorrupt))
	}
	if err := rt.gids.Release(gid); err != nil {
		errs = append(errs, fmt.Errorf("destroy %s: %w: %w", ref, ErrCorrupt, err))
	}
	h.Seq = 0
	h.Flags = 0
	h.GID = 0
	if err := info.seg.Free(ref.Chunk); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		rt.log.Error("obj: destroy bookkeeping", "type", info.Name, "ref", ref.String(), "err", err)
		return err
	}
	return nil
}

// DestroyGID destroys the object with global id gid.
func (rt *Runtime) DestroyGID(gid ID) error {
	ref, ok := rt.Get(gid)
	if !ok {
		return fmt.Errorf("destroy gid %d: %w", gid, ErrNotFound)
	}
	return rt.Destroy(ref)
}

// Count returns the number of live objects of typ.
func (rt *Runtime) Count(typ TypeID) int {
	info, err := rt.info(typ)
	if err != nil {
		return 0
	}
	return info.seg.Count()
}

// Each calls fn for every live object of typ in dense order until fn returns
// false. Order is not stable across destroys; fn must not destroy objects
// of typ, use Snapshot for that.
func (rt *Runtime) Each(typ TypeID, fn func(Ref) bool) {
	info, err := rt.info(typ)
	if err != nil {
		return
	}
	for i := 0; i < info.seg.Count(); i++ {
		if !fn(Ref{Type: typ, Chunk: info.seg.At(i)}) {
			return
		}
	}
}

// Snapshot returns the live objects of typ.
func (rt *Runtime) Snapshot(typ TypeID) []Ref {
	info, err := rt.info(typ)
	if err != nil {
		return nil
	}
	out := make([]Ref, info.seg.Count())
	for i := range out {
		out[i] = Ref{Type: typ, Chunk: info.seg.At(i)}
	}
	return out
}

// DestroyAutoErase destroys at most limit objects of typ for which pred
// holds (every object when pred is nil) and returns how many went.
func (rt *Runtime) DestroyAutoErase(typ TypeID, limit int, pred func(Ref) bool) int {
	n := 0
	for _, ref := range rt.Snapshot(typ) {
		if limit > 0 && n >= limit {
			break
		}
		if !rt.Alive(ref) || (pred != nil && !pred(ref)) {
			continue
		}
		if rt.Destroy(ref) == nil {
			n++
		}
	}
	return n
}

// ClearAll destroys every object of typ.
func (rt *Runtime) ClearAll(typ TypeID) int {
	return rt.DestroyAutoErase(typ, 0, nil)
}

// Payload returns a pointer to ref's payload and marks its chunk dirty.
// It returns nil when ref is not live.
func (rt *Runtime) Payload(ref Ref) unsafe.Pointer {
	info, _, ok := rt.live(ref)
	if !ok || info.Size == 0 {
		return nil
	}
	info.seg.pool.Touch(ref.Chunk, 0, info.seg.pool.ChunkSize())
	return unsafe.Pointer(&info.seg.payload(ref.Chunk)[0])
}

// View is Payload without the dirty mark. Writes through the result may be
// lost on the next Commit.
func (rt *Runtime) View(ref Ref) unsafe.Pointer {
	info, _, ok := rt.live(ref)
	if !ok || info.Size == 0 {
		return nil
	}
	return unsafe.Pointer(&info.seg.payload(ref.Chunk)[0])
}

// Bytes returns ref's payload bytes, or nil when ref is not live.
func (rt *Runtime) Bytes(ref Ref) []byte {
	info, _, ok := rt.live(ref)
	if !ok {
		return nil
	}
	info.seg.pool.Touch(ref.Chunk, 0, info.seg.pool.ChunkSize())
	return info.seg.payload(ref.Chunk)[:info.Size]
}

// Check validates the dense index of every registered type against the
// global-id table.
func (rt *Runtime) Check() error {
	for _, id := range rt.order {
		info := rt.types[id]
		if err := info.seg.pool.Check(); err != nil {
			return fmt.Errorf("type %q: %w", info.Name, err)
		}
		for i := 0; i < info.seg.Count(); i++ {
			chunk := info.seg.At(i)
			if pos, err := info.seg.Position(chunk); err != nil || pos != i {
				return fmt.Errorf("type %q dense %d: %w", info.Name, i, ErrCorrupt)
			}
			h := info.seg.header(chunk)
			typ, c, ok := rt.gids.Lookup(h.GID)
			if !ok || typ != id || c != chunk {
				return fmt.Errorf("type %q chunk %d: gid %d maps to %d/%d: %w", info.Name, chunk, h.GID, typ, c, ErrCorrupt)
			}
		}
	}
	return nil
}

// TypeStats is a usage snapshot of one type.
type TypeStats struct {
	ID       TypeID
	Name     string
	Live     int
	Capacity int
	Size     int
	Hashed   int
}

// Stats returns per-type usage in registration order.
func (rt *Runtime) Stats() []TypeStats {
	out := make([]TypeStats, 0, len(rt.order))
	for _, id := range rt.order {
		info := rt.types[id]
		out = append(out, TypeStats{
			ID:       id,
			Name:     info.Name,
			Live:     info.seg.Count(),
			Capacity: info.seg.Capacity(),
			Size:     info.Size,
			Hashed:   info.seg.HashLen(),
		})
	}
	return out
}

// GIDStats returns global-id usage.
func (rt *Runtime) GIDStats() GIDStats { return rt.gids.Stats() }
