package trans

import (
	"fmt"
	"log/slog"
	"reflect"
	"time"
	"unsafe"

	"github.com/joshuapare/shmkit/internal/logger"
	"github.com/joshuapare/shmkit/shm/clock"
	"github.com/joshuapare/shmkit/shm/obj"
	"github.com/joshuapare/shmkit/shm/region"
)

const (
	DefaultCapacity      = 10000
	DefaultPerTick       = 100
	DefaultMaxRunTimes   = 10000
	DefaultActiveTimeout = 10 * time.Second
	DefaultLifetime      = 300 * time.Second

	vecMagic = 0x534e5254 // "TRNS"
)

// Handler is the hook set of a trans type. Step runs once per scheduler visit
// while the trans is unfinished. A returned error is logged; to stop the
// workflow call SetFinished.
type Handler interface {
	obj.Hooks
	Step(m *Manager, ref obj.Ref, b *Base) error
}

// TimeoutHandler is implemented by trans types that react to a timeout
// before they are finished with CodeTimeout.
type TimeoutHandler interface {
	OnTimeout(m *Manager, ref obj.Ref, b *Base)
}

// Releaser overrides the release check. Without it a trans is released as
// soon as it is finished.
type Releaser interface {
	CanRelease(m *Manager, ref obj.Ref, b *Base) bool
}

// FinishHandler is told once when a trans finishes, whichever way.
type FinishHandler interface {
	OnFinished(m *Manager, ref obj.Ref, b *Base, code Code)
}

// Config sizes a Manager.
type Config struct {
	Capacity      int // live trans
	PerTick       int // trans visited per Tick
	MaxRunTimes   uint32
	ActiveTimeout time.Duration
	Lifetime      time.Duration
}

func (c Config) normalize() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.PerTick <= 0 {
		c.PerTick = DefaultPerTick
	}
	if c.MaxRunTimes == 0 {
		c.MaxRunTimes = DefaultMaxRunTimes
	}
	if c.ActiveTimeout <= 0 {
		c.ActiveTimeout = DefaultActiveTimeout
	}
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultLifetime
	}
	return c
}

type vecHeader struct {
	Magic    uint32
	Len      int32
	Cursor   int32
	Cap      int32
	Passes   uint64
	Created  uint64
	Released uint64
	TimedOut uint64
	Corrupt  uint64
	_        [16]byte
}

// Stats is a scheduler snapshot.
type Stats struct {
	Live     int
	Capacity int
	Cursor   int
	Running  int
	Finished int
	Passes   uint64
	Created  uint64
	Released uint64
	TimedOut uint64
	Corrupt  uint64
}

// Manager ticks every trans of one runtime.
//
// NOT thread-safe. Drive it from the runtime's logic goroutine.
type Manager struct {
	rt       *obj.Runtime
	clk      clock.Clock
	log      *slog.Logger
	cfg      Config
	ext      region.Extent
	hdr      *vecHeader
	ids      []obj.ID
	handlers [obj.MaxTypes]Handler
	busy     bool
}

// New opens the trans vector extent of rt. It must run before rt.Start.
func New(rt *obj.Runtime, clk clock.Clock, cfg Config, log *slog.Logger) (*Manager, error) {
	if clk == nil {
		clk = clock.System{}
	}
	m := &Manager{
		rt:  rt,
		clk: clk,
		log: logger.Or(log),
		cfg: cfg.normalize(),
	}

	hdrSize := int(unsafe.Sizeof(vecHeader{}))
	var err error
	m.ext, err = rt.Region().Extent("trans.vec", hdrSize+region.SizeOf[obj.ID](m.cfg.Capacity))
	if err != nil {
		return nil, fmt.Errorf("trans: %w", err)
	}
	m.hdr = region.At[vecHeader](m.ext, 0)
	m.ids = region.SliceOf[obj.ID](m.ext, hdrSize, m.cfg.Capacity)
	switch {
	case m.hdr.Magic == 0:
		m.hdr.Magic = vecMagic
		m.hdr.Cap = int32(m.cfg.Capacity)
		m.touchHeader()
	case m.hdr.Magic != vecMagic || int(m.hdr.Cap) != m.cfg.Capacity:
		return nil, fmt.Errorf("trans: vector magic %#x cap %d: %w", m.hdr.Magic, m.hdr.Cap, region.ErrLayoutMismatch)
	}

	rt.OnStart(func(rt *obj.Runtime) error {
		if rt.Resumed() {
			m.refresh()
		}
		return nil
	})
	return m, nil
}

// Register registers a trans type whose payload is T. T must be a struct
// whose first field is Base.
func Register[T any](m *Manager, spec obj.Spec, h Handler) (obj.Kind[T], error) {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Struct || t.NumField() == 0 ||
		t.Field(0).Type != reflect.TypeFor[Base]() || t.Field(0).Offset != 0 {
		return obj.Kind[T]{}, fmt.Errorf("trans: %s: %w", t, ErrNoBase)
	}
	k, err := obj.Register[T](m.rt, spec, h)
	if err != nil {
		return obj.Kind[T]{}, err
	}
	m.handlers[k.ID] = h
	return k, nil
}

// Create creates a trans of type k and appends it to the vector.
func Create[T any](m *Manager, k obj.Kind[T]) (obj.Ref, *T, error) {
	ref, _, err := m.Create(k.ID)
	if err != nil {
		return obj.NilRef, nil, err
	}
	return ref, k.Get(ref), nil
}

// Create creates a trans of type typ and appends it to the vector. Bounds
// the type's Create hook left at zero get the manager defaults.
func (m *Manager) Create(typ obj.TypeID) (obj.Ref, *Base, error) {
	if int(typ) >= obj.MaxTypes || m.handlers[typ] == nil {
		return obj.NilRef, nil, fmt.Errorf("trans: type %d: %w", typ, ErrNotTrans)
	}
	if int(m.hdr.Len) >= len(m.ids) {
		m.log.Error("trans: vector full", "type", typ, "capacity", len(m.ids))
		return obj.NilRef, nil, ErrFull
	}
	ref, err := m.rt.Create(typ)
	if err != nil {
		return obj.NilRef, nil, fmt.Errorf("trans: %w", err)
	}
	b := m.base(ref)
	now := m.clk.Millis()
	b.start = now
	b.active = now
	if b.activeTimeout == 0 {
		b.activeTimeout = m.cfg.ActiveTimeout.Milliseconds()
	}
	if b.maxRunTimes == 0 {
		b.maxRunTimes = m.cfg.MaxRunTimes
	}

	i := int(m.hdr.Len)
	m.ids[i] = m.rt.GID(ref)
	m.touchID(i)
	m.hdr.Len++
	m.hdr.Created++
	m.touchHeader()
	return ref, b, nil
}

// Get returns the trans with global id id.
func (m *Manager) Get(id obj.ID) (obj.Ref, *Base, bool) {
	ref, ok := m.rt.Get(id)
	if !ok || m.handlers[ref.Type] == nil {
		return obj.NilRef, nil, false
	}
	return ref, m.base(ref), true
}

// Base returns ref's scheduler state, or nil when ref is not a live trans.
func (m *Manager) Base(ref obj.Ref) *Base {
	if int(ref.Type) >= obj.MaxTypes || m.handlers[ref.Type] == nil || !m.rt.Alive(ref) {
		return nil
	}
	return m.base(ref)
}

func (m *Manager) base(ref obj.Ref) *Base { return (*Base)(m.rt.Payload(ref)) }

// Touch refreshes ref's active time now.
func (m *Manager) Touch(ref obj.Ref) {
	if b := m.Base(ref); b != nil {
		b.active = m.clk.Millis()
	}
}

// Finish finishes ref with code and runs its OnFinished hook. Finishing an
// already finished trans only records a first non-zero code.
func (m *Manager) Finish(ref obj.Ref, code Code) error {
	b := m.Base(ref)
	if b == nil {
		return fmt.Errorf("trans: %s: %w", ref, ErrNotTrans)
	}
	b.SetFinished(code)
	m.notify(ref, b)
	return nil
}

// Tick visits up to the configured number of trans, resuming where the
// previous call stopped. It stops early when it reaches the end of the
// vector and returns the number visited.
func (m *Manager) Tick() int { return m.tick(m.cfg.PerTick, false) }

// TickN is Tick with an explicit bound.
func (m *Manager) TickN(n int) int { return m.tick(n, false) }

// TickAll visits every trans once, starting from the front.
func (m *Manager) TickAll() int {
	if m.busy {
		return 0
	}
	m.hdr.Cursor = 0
	m.touchHeader()
	return m.tick(0, true)
}

func (m *Manager) tick(limit int, all bool) int {
	if m.busy {
		return 0
	}
	m.busy = true
	defer func() { m.busy = false }()

	visited := 0
	for all || visited < limit {
		if int(m.hdr.Cursor) >= int(m.hdr.Len) {
			m.hdr.Cursor = 0
			m.hdr.Passes++
			m.touchHeader()
			break
		}
		i := int(m.hdr.Cursor)
		id := m.ids[i]
		ref, ok := m.rt.Get(id)
		if !ok || m.handlers[ref.Type] == nil {
			m.log.Error("trans: vector entry does not resolve", "index", i, "gid", id)
			m.hdr.Corrupt++
			m.removeAt(i)
			continue
		}
		visited++
		if m.visit(ref, m.base(ref)) {
			m.removeAt(i)
			continue
		}
		m.hdr.Cursor++
		m.touchHeader()
	}
	return visited
}

// visit runs one scheduler step for ref and reports whether it is gone, either
// released here or destroyed by one of its own hooks.
func (m *Manager) visit(ref obj.Ref, b *Base) bool {
	now := m.clk.Millis()
	m.settle(b, now)

	if !b.Finished() && m.timedOut(b, now) {
		m.hdr.TimedOut++
		m.log.Warn("trans: timed out", "type", ref.Type, "gid", m.rt.GID(ref),
			"lifetime", b.LifetimeExceeded(), "idle", time.Duration(now-b.active)*time.Millisecond, "state", b.state)
		if h, ok := m.handlers[ref.Type].(TimeoutHandler); ok {
			h.OnTimeout(m, ref, b)
		}
		if !m.rt.Alive(ref) {
			return true
		}
		b.SetFinished(CodeTimeout)
		m.notify(ref, b)
	}

	if m.canRelease(ref, b) {
		gid := m.rt.GID(ref)
		if err := m.rt.Destroy(ref); err != nil {
			m.log.Error("trans: release failed", "gid", gid, "err", err)
		}
		m.hdr.Released++
		return true
	}
	if b.Finished() {
		return false
	}

	h := m.handlers[ref.Type]
	if err := h.Step(m, ref, b); err != nil {
		m.log.Warn("trans: step failed", "type", ref.Type, "gid", m.rt.GID(ref), "state", b.state, "err", err)
	}
	if !m.rt.Alive(ref) {
		return true
	}
	m.settle(b, m.clk.Millis())
	if b.Finished() {
		m.notify(ref, b)
	}
	return false
}

// settle folds recorded progress into the active time.
func (m *Manager) settle(b *Base, now int64) {
	if b.flags&flagProgress != 0 {
		b.active = now
		b.flags &^= flagProgress
	}
}

func (m *Manager) timedOut(b *Base, now int64) bool {
	if now >= b.active+b.activeTimeout {
		return true
	}
	if now >= b.start+m.cfg.Lifetime.Milliseconds() {
		b.flags |= flagLifetime
		return true
	}
	return false
}

func (m *Manager) canRelease(ref obj.Ref, b *Base) bool {
	if r, ok := m.handlers[ref.Type].(Releaser); ok {
		return r.CanRelease(m, ref, b)
	}
	return b.Finished()
}

func (m *Manager) notify(ref obj.Ref, b *Base) {
	if b.flags&flagNotified != 0 || !b.Finished() {
		return
	}
	b.flags |= flagNotified
	if h, ok := m.handlers[ref.Type].(FinishHandler); ok {
		h.OnFinished(m, ref, b, b.Code())
	}
}

// removeAt swap-removes entry i. The cursor stays on i so the moved entry
// is visited in the same pass.
func (m *Manager) removeAt(i int) {
	last := int(m.hdr.Len) - 1
	m.ids[i] = m.ids[last]
	m.ids[last] = 0
	m.touchID(i)
	m.touchID(last)
	m.hdr.Len--
	m.touchHeader()
}

// refresh resets the active time of every trans after a resume, so the time
// the process was down does not count against the idle bound.
func (m *Manager) refresh() {
	now := m.clk.Millis()
	for _, id := range m.ids[:m.hdr.Len] {
		if _, b, ok := m.Get(id); ok {
			b.active = now
		}
	}
	m.log.Info("trans: resumed", "live", m.hdr.Len)
}

// AllFinished reports whether every trans in the vector has finished.
func (m *Manager) AllFinished() bool {
	for _, id := range m.ids[:m.hdr.Len] {
		if _, b, ok := m.Get(id); ok && !b.Finished() {
			return false
		}
	}
	return true
}

// Abort finishes every unfinished trans with code. Used when a drain gives
// up waiting.
func (m *Manager) Abort(code Code) int {
	n := 0
	for _, id := range m.ids[:m.hdr.Len] {
		if ref, b, ok := m.Get(id); ok && !b.Finished() {
			b.SetFinished(code)
			m.notify(ref, b)
			n++
		}
	}
	return n
}

// Count returns the number of entries in the vector.
func (m *Manager) Count() int { return int(m.hdr.Len) }

// IDs returns a copy of the vector in visit order.
func (m *Manager) IDs() []obj.ID {
	return append([]obj.ID(nil), m.ids[:m.hdr.Len]...)
}

// Stats returns a scheduler snapshot.
func (m *Manager) Stats() Stats {
	s := Stats{
		Live:     int(m.hdr.Len),
		Capacity: len(m.ids),
		Cursor:   int(m.hdr.Cursor),
		Passes:   m.hdr.Passes,
		Created:  m.hdr.Created,
		Released: m.hdr.Released,
		TimedOut: m.hdr.TimedOut,
		Corrupt:  m.hdr.Corrupt,
	}
	for _, id := range m.ids[:m.hdr.Len] {
		if _, b, ok := m.Get(id); ok {
			if b.Finished() {
				s.Finished++
			} else {
				s.Running++
			}
		}
	}
	return s
}

// Check verifies every vector entry resolves to a distinct live trans.
func (m *Manager) Check() error {
	if m.hdr.Len < 0 || int(m.hdr.Len) > len(m.ids) || m.hdr.Cursor < 0 {
		return fmt.Errorf("trans: len %d cursor %d: %w", m.hdr.Len, m.hdr.Cursor, obj.ErrCorrupt)
	}
	seen := make(map[obj.ID]struct{}, m.hdr.Len)
	for i, id := range m.ids[:m.hdr.Len] {
		if _, _, ok := m.Get(id); !ok {
			return fmt.Errorf("trans: entry %d gid %d: %w", i, id, obj.ErrCorrupt)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("trans: entry %d gid %d duplicated: %w", i, id, obj.ErrCorrupt)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (m *Manager) touchHeader() { m.ext.Touch(0, int(unsafe.Sizeof(vecHeader{}))) }

func (m *Manager) touchID(i int) {
	sz := int(unsafe.Sizeof(obj.ID(0)))
	m.ext.Touch(int(unsafe.Sizeof(vecHeader{}))+i*sz, sz)
}
