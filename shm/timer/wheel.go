package timer

import (
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"github.com/joshuapare/shmkit/internal/logger"
	"github.com/joshuapare/shmkit/shm/clock"
	"github.com/joshuapare/shmkit/shm/obj"
	"github.com/joshuapare/shmkit/shm/region"
)

const (
	// SlotCount is the number of slots in the ring.
	SlotCount = 600
	// Quantum is the window one slot covers.
	Quantum = 32 * time.Millisecond
	// DefaultPerSlot bounds the timers examined per slot visit.
	DefaultPerSlot = 500
	// DefaultVisits bounds the slot visits per Tick.
	DefaultVisits = 10000
	// DefaultCapacity is the default number of live timers.
	DefaultCapacity = 30000

	quantumMs  = int64(Quantum / time.Millisecond)
	wheelMagic = 0x4c454857 // "WHEL"
)

// Handler receives timer callbacks. The owner's type hooks implement it.
// callCount counts from 1.
type Handler interface {
	OnTimer(rt *obj.Runtime, owner obj.Ref, id obj.ID, callCount int)
}

// Config sizes a Wheel.
type Config struct {
	Capacity int // live timers
	PerSlot  int // timers examined per slot visit
	Visits   int // slot visits per Tick
}

func (c Config) normalize() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.PerSlot <= 0 {
		c.PerSlot = DefaultPerSlot
	}
	if c.Visits <= 0 {
		c.Visits = DefaultVisits
	}
	return c
}

// wheelHeader is the region-resident wheel state.
type wheelHeader struct {
	Magic    uint32
	CurrSlot uint32
	Before   int64  // start of the current slot's window, unix ms
	Seq      uint32 // bumped every time the wheel advances
	_        uint32
	Fired    uint64
	Advanced uint64
	_        [24]byte
}

// slot is the region-resident state of one ring slot.
type slot struct {
	Head    int32 // chunk of the first timer, -1 when empty
	Tail    int32
	Count   int32
	CurRun  int32 // last timer kept by an unfinished traversal, -1 = before head
	ScanSeq uint32
	_       uint32
}

const (
	flagWaitDel uint8 = 1 << 0
	flagLinked  uint8 = 1 << 1 // on the owner's list
)

// record is the payload of a timer object.
type record struct {
	NextRun  int64 // unix ms
	Interval int64 // ms
	Begin    int64
	Owner    obj.Handle
	Prev     int32 // slot list
	Next     int32
	OPrev    int32 // owner list
	ONext    int32
	Slot     int32 // -1 while detached
	Rounds   int32
	Total    int32 // 0 = unlimited
	Calls    int32
	Kind     Kind
	Flags    uint8
	Day      int8 // weekday for Week, month day for Month
	Hour     int8
	Min      int8
	Sec      int8
	_        [2]byte
}

// Stats is a wheel snapshot.
type Stats struct {
	Live     int
	Capacity int
	CurrSlot int
	Before   int64
	Fired    uint64
	Advanced uint64
	Busiest  int // timers in the fullest slot
	Pending  int // timers detached for firing
}

// Wheel schedules timers for objects of one runtime.
//
// NOT thread-safe. Drive it from the runtime's logic goroutine.
type Wheel struct {
	rt    *obj.Runtime
	clk   clock.Clock
	log   *slog.Logger
	cfg   Config
	recs  obj.Kind[record]
	ext   region.Extent
	hdr   *wheelHeader
	slots []slot
	fired []firing
	busy  bool
	// passed is set between the end of the current slot's closing
	// traversal and the advance to the next slot.
	passed bool
}

type firing struct {
	ref obj.Ref
	seq uint64
}

type hooks struct {
	obj.NopHooks
	w *Wheel
}

func (h hooks) Destroy(_ *obj.Runtime, ref obj.Ref) {
	h.w.unbind(ref)
	h.w.unlinkOwner(ref)
}

// Resume re-attaches a timer a previous process detached for firing but did
// not get to reattach or destroy.
func (h hooks) Resume(rt *obj.Runtime, ref obj.Ref) error {
	r := h.w.recs.Get(ref)
	if r.Slot >= 0 {
		return nil
	}
	if r.Flags&flagWaitDel != 0 {
		return rt.Destroy(ref)
	}
	h.w.attach(ref, r, h.w.hdr.Before, false)
	return nil
}

// New registers the timer record type with rt and opens the wheel extent.
// It must run before rt.Start.
func New(rt *obj.Runtime, clk clock.Clock, cfg Config, log *slog.Logger) (*Wheel, error) {
	if clk == nil {
		clk = clock.System{}
	}
	w := &Wheel{
		rt:  rt,
		clk: clk,
		log: logger.Or(log),
		cfg: cfg.normalize(),
	}

	recs, err := obj.RegisterSystem[record](rt, obj.Spec{
		ID:       obj.TypeTimer,
		Name:     "timer",
		Capacity: w.cfg.Capacity,
	}, hooks{w: w})
	if err != nil {
		return nil, fmt.Errorf("timer: %w", err)
	}
	w.recs = recs

	hdrSize := int(unsafe.Sizeof(wheelHeader{}))
	w.ext, err = rt.Region().Extent("timer.wheel", hdrSize+SlotCount*int(unsafe.Sizeof(slot{})))
	if err != nil {
		return nil, fmt.Errorf("timer: %w", err)
	}
	w.hdr = region.At[wheelHeader](w.ext, 0)
	w.slots = region.SliceOf[slot](w.ext, hdrSize, SlotCount)
	switch {
	case w.hdr.Magic == 0:
		w.hdr.Magic = wheelMagic
		w.hdr.Before = clk.Millis()
		for i := range w.slots {
			w.slots[i] = slot{Head: -1, Tail: -1, CurRun: -1}
		}
		w.ext.Touch(0, w.ext.Size)
	case w.hdr.Magic != wheelMagic:
		return nil, fmt.Errorf("timer: wheel magic %#x: %w", w.hdr.Magic, region.ErrLayoutMismatch)
	}

	rt.OnDestroy(func(_ *obj.Runtime, ref obj.Ref, gid obj.ID) {
		if ref.Type == obj.TypeTimer || ref.Type == obj.TypeOwnerLinks {
			return
		}
		w.DeleteAll(gid)
	})
	return w, nil
}

func (w *Wheel) ref(chunk int32) obj.Ref { return obj.Ref{Type: obj.TypeTimer, Chunk: chunk} }

func (w *Wheel) rec(chunk int32) *record { return w.recs.Get(w.ref(chunk)) }

// peek is rec for reads; the chunk is not marked dirty.
func (w *Wheel) peek(chunk int32) *record { return w.recs.View(w.ref(chunk)) }

func (w *Wheel) touchHeader() { w.ext.Touch(0, int(unsafe.Sizeof(wheelHeader{}))) }

func (w *Wheel) touchSlot(i int) {
	sz := int(unsafe.Sizeof(slot{}))
	w.ext.Touch(int(unsafe.Sizeof(wheelHeader{}))+i*sz, sz)
}

// attach places r into the slot covering r.NextRun, measured from base (the
// start of the current slot's window). With notCurrent the current slot is
// skipped, which keeps a reattached loop timer out of the traversal that
// just fired it.
func (w *Wheel) attach(ref obj.Ref, r *record, base int64, notCurrent bool) {
	delta := max(r.NextRun-base, 0)
	ahead := delta / quantumMs
	if notCurrent && ahead == 0 {
		ahead = 1
	}
	idx := int((int64(w.hdr.CurrSlot) + ahead) % SlotCount)
	r.Rounds = int32(ahead / SlotCount)
	// The current slot has had its closing pass for this revolution, so
	// the next pass it gets already counts as one round.
	if w.passed && idx == int(w.hdr.CurrSlot) && r.Rounds > 0 {
		r.Rounds--
	}
	r.Slot = int32(idx)

	s := &w.slots[idx]
	r.Next = -1
	r.Prev = s.Tail
	if s.Tail >= 0 {
		w.rec(s.Tail).Next = ref.Chunk
	} else {
		s.Head = ref.Chunk
	}
	s.Tail = ref.Chunk
	s.Count++
	w.touchSlot(idx)
}

// unbind removes a timer from its slot, fixing the slot's traversal cursor.
func (w *Wheel) unbind(ref obj.Ref) {
	r := w.recs.Get(ref)
	if r == nil || r.Slot < 0 {
		return
	}
	idx := int(r.Slot)
	s := &w.slots[idx]
	if s.CurRun == ref.Chunk {
		s.CurRun = r.Prev
	}
	if r.Prev >= 0 {
		w.rec(r.Prev).Next = r.Next
	} else {
		s.Head = r.Next
	}
	if r.Next >= 0 {
		w.rec(r.Next).Prev = r.Prev
	} else {
		s.Tail = r.Prev
	}
	s.Count--
	r.Prev, r.Next, r.Slot = -1, -1, -1
	w.touchSlot(idx)
}

// Tick advances the wheel to the clock's current time and fires every due
// timer, within the per-slot and per-call bounds. It returns the number of
// callbacks run. A Tick from inside a timer callback does nothing.
func (w *Wheel) Tick() int {
	if w.busy {
		return 0
	}
	w.busy = true
	defer func() { w.busy = false }()

	now := w.clk.Millis()
	fired := 0
	for visits := 0; visits < w.cfg.Visits; visits++ {
		end := w.hdr.Before + quantumMs
		closed := now >= end

		var done bool
		if closed {
			done = w.traverse(int(w.hdr.CurrSlot))
		} else {
			w.scanDue(int(w.hdr.CurrSlot), now)
		}
		w.passed = closed && done
		fired += w.fire(now)
		w.passed = false

		if !closed || !done {
			return fired
		}
		w.hdr.Before = end
		w.hdr.Seq++
		w.hdr.Advanced++
		w.hdr.CurrSlot = (w.hdr.CurrSlot + 1) % SlotCount
		w.touchHeader()
	}
	w.log.Warn("timer: wheel lagging", "behind", time.Duration(now-w.hdr.Before)*time.Millisecond)
	return fired
}

// scanDue detaches the timers of an open slot that are on their last round
// and already due. It does not keep a cursor.
func (w *Wheel) scanDue(idx int, now int64) {
	s := &w.slots[idx]
	examined := 0
	for c := s.Head; c >= 0 && examined < w.cfg.PerSlot; examined++ {
		r := w.peek(c)
		next := r.Next
		if r.Rounds == 0 && r.NextRun <= now {
			w.detach(c)
		}
		c = next
	}
}

// traverse runs the closing visit of a slot: timers on their last round are
// detached for firing, the others lose one round. It reports whether the
// slot was traversed to the end.
func (w *Wheel) traverse(idx int) bool {
	s := &w.slots[idx]
	if s.ScanSeq != w.hdr.Seq {
		s.ScanSeq = w.hdr.Seq
		s.CurRun = -1
		w.touchSlot(idx)
	}
	for examined := 0; examined < w.cfg.PerSlot; examined++ {
		c := s.Head
		if s.CurRun >= 0 {
			c = w.peek(s.CurRun).Next
		}
		if c < 0 {
			s.CurRun = -1
			return true
		}
		if w.peek(c).Rounds > 0 {
			w.rec(c).Rounds--
			s.CurRun = c
			continue
		}
		w.detach(c)
	}
	w.touchSlot(idx)
	c := s.Head
	if s.CurRun >= 0 {
		c = w.peek(s.CurRun).Next
	}
	return c < 0
}

func (w *Wheel) detach(chunk int32) {
	ref := w.ref(chunk)
	w.unbind(ref)
	w.fired = append(w.fired, firing{ref: ref, seq: w.rt.Seq(ref)})
}

// fire runs the callbacks of the detached timers and reattaches or destroys
// each one.
func (w *Wheel) fire(now int64) int {
	if len(w.fired) == 0 {
		return 0
	}
	n := 0
	for _, f := range w.fired {
		if w.rt.Seq(f.ref) != f.seq {
			continue
		}
		r := w.recs.Get(f.ref)
		if r.Flags&flagWaitDel != 0 {
			w.destroy(f.ref)
			continue
		}
		id := w.rt.GID(f.ref)
		owner, ok := r.Owner.Peek(w.rt)
		if !ok {
			w.log.Warn("timer: owner gone, dropping timer", "timer", id, "owner", r.Owner.GID, "kind", r.Kind.String())
			w.destroy(f.ref)
			continue
		}
		h, ok := w.handler(owner)
		if !ok {
			w.log.Error("timer: owner type lost its handler", "timer", id, "owner", r.Owner.GID)
			w.destroy(f.ref)
			continue
		}

		r.Calls++
		calls := int(r.Calls)
		w.hdr.Fired++
		n++
		h.OnTimer(w.rt, owner, id, calls)

		// The callback may have deleted the timer or destroyed its owner.
		if w.rt.Seq(f.ref) != f.seq {
			continue
		}
		r = w.recs.Get(f.ref)
		if r.Flags&flagWaitDel != 0 || r.Kind == KindOnce || (r.Total > 0 && r.Calls >= r.Total) {
			w.destroy(f.ref)
			continue
		}
		w.reschedule(f.ref, r, now)
	}
	w.touchHeader()
	w.fired = w.fired[:0]
	return n
}

func (w *Wheel) reschedule(ref obj.Ref, r *record, now int64) {
	if r.Kind == KindMonth {
		next := nextMonthly(time.UnixMilli(r.NextRun).In(w.clk.Now().Location()), int(r.Day), int(r.Hour), int(r.Min), int(r.Sec))
		r.Interval = next.UnixMilli() - r.NextRun
	}
	r.NextRun += r.Interval
	if r.NextRun <= now {
		r.NextRun = now + quantumMs
	}
	w.attach(ref, r, w.hdr.Before, true)
}

func (w *Wheel) destroy(ref obj.Ref) {
	if err := w.rt.Destroy(ref); err != nil {
		w.log.Error("timer: destroy", "ref", ref.String(), "err", err)
	}
}

func (w *Wheel) handler(owner obj.Ref) (Handler, bool) {
	info, ok := w.rt.Type(owner.Type)
	if !ok {
		return nil, false
	}
	h, ok := info.Hooks().(Handler)
	return h, ok
}

// Len returns the number of live timers.
func (w *Wheel) Len() int { return w.recs.Count() }

// Stats returns a wheel snapshot.
func (w *Wheel) Stats() Stats {
	st := Stats{
		Live:     w.recs.Count(),
		Capacity: w.cfg.Capacity,
		CurrSlot: int(w.hdr.CurrSlot),
		Before:   w.hdr.Before,
		Fired:    w.hdr.Fired,
		Advanced: w.hdr.Advanced,
	}
	attached := 0
	for i := range w.slots {
		c := int(w.slots[i].Count)
		attached += c
		st.Busiest = max(st.Busiest, c)
	}
	st.Pending = st.Live - attached
	return st
}

// Check walks every slot list and verifies the links and counts.
func (w *Wheel) Check() error {
	attached := 0
	for i := range w.slots {
		s := &w.slots[i]
		n, prev := int32(0), int32(-1)
		for c := s.Head; c >= 0; c = w.peek(c).Next {
			r := w.peek(c)
			if r == nil || r.Slot != int32(i) || r.Prev != prev {
				return fmt.Errorf("slot %d chunk %d: %w", i, c, ErrCorrupt)
			}
			prev = c
			n++
			if n > s.Count {
				return fmt.Errorf("slot %d: list longer than count %d: %w", i, s.Count, ErrCorrupt)
			}
		}
		if n != s.Count || prev != s.Tail {
			return fmt.Errorf("slot %d: count %d tail %d, walked %d to %d: %w", i, s.Count, s.Tail, n, prev, ErrCorrupt)
		}
		attached += int(n)
	}
	if attached > w.recs.Count() {
		return fmt.Errorf("%d attached of %d live: %w", attached, w.recs.Count(), ErrCorrupt)
	}
	return nil
}
