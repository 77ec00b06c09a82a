package timer

import (
	"fmt"
	"time"

	"github.com/joshuapare/shmkit/shm/obj"
)

// Kind is the scheduling rule of a timer.
type Kind uint8

const (
	KindOnce Kind = iota + 1
	KindLoop
	KindDay
	KindWeek
	KindMonth
	KindAt
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindLoop:
		return "loop"
	case KindDay:
		return "day"
	case KindWeek:
		return "week"
	case KindMonth:
		return "month"
	case KindAt:
		return "at"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	dayMs  = int64(24 * time.Hour / time.Millisecond)
	weekMs = 7 * dayMs
)

// Info describes a live timer.
type Info struct {
	ID       obj.ID
	Owner    obj.ID
	Kind     Kind
	NextRun  time.Time
	Interval time.Duration
	Calls    int
	Total    int // 0 = unlimited
	Pending  bool
}

// Once fires owner's OnTimer once, delay from now. Delays below one quantum
// are raised to it.
func (w *Wheel) Once(owner obj.Ref, delay time.Duration) (obj.ID, error) {
	return w.schedule(owner, record{Kind: KindOnce, Total: 1}, ms(delay))
}

// Loop fires first after delay and then every interval, callCount times in
// total; callCount <= 0 repeats until deleted.
func (w *Wheel) Loop(owner obj.Ref, delay, interval time.Duration, callCount int) (obj.ID, error) {
	return w.schedule(owner, record{
		Kind:     KindLoop,
		Interval: max(ms(interval), quantumMs),
		Total:    int32(max(callCount, 0)),
	}, ms(delay))
}

// Day fires every day at hour:min:sec local time.
func (w *Wheel) Day(owner obj.Ref, hour, minute, sec, callCount int) (obj.ID, error) {
	if err := checkClock(hour, minute, sec); err != nil {
		return 0, err
	}
	now := w.clk.Now()
	next := nextDaily(now, hour, minute, sec)
	return w.schedule(owner, record{
		Kind:     KindDay,
		Interval: dayMs,
		Total:    int32(max(callCount, 0)),
		Hour:     int8(hour),
		Min:      int8(minute),
		Sec:      int8(sec),
	}, next.Sub(now).Milliseconds())
}

// Week fires every week on weekday at hour:min:sec local time.
func (w *Wheel) Week(owner obj.Ref, weekday time.Weekday, hour, minute, sec, callCount int) (obj.ID, error) {
	if weekday < time.Sunday || weekday > time.Saturday {
		return 0, fmt.Errorf("weekday %d: %w", weekday, ErrInvalidTime)
	}
	if err := checkClock(hour, minute, sec); err != nil {
		return 0, err
	}
	now := w.clk.Now()
	next := nextWeekly(now, weekday, hour, minute, sec)
	return w.schedule(owner, record{
		Kind:     KindWeek,
		Interval: weekMs,
		Total:    int32(max(callCount, 0)),
		Day:      int8(weekday),
		Hour:     int8(hour),
		Min:      int8(minute),
		Sec:      int8(sec),
	}, next.Sub(now).Milliseconds())
}

// Month fires every month on day at hour:min:sec local time. Months without
// that day are skipped.
func (w *Wheel) Month(owner obj.Ref, day, hour, minute, sec, callCount int) (obj.ID, error) {
	if day < 1 || day > 31 {
		return 0, fmt.Errorf("month day %d: %w", day, ErrInvalidTime)
	}
	if err := checkClock(hour, minute, sec); err != nil {
		return 0, err
	}
	now := w.clk.Now()
	next := nextMonthly(now, day, hour, minute, sec)
	return w.schedule(owner, record{
		Kind:  KindMonth,
		Total: int32(max(callCount, 0)),
		Day:   int8(day),
		Hour:  int8(hour),
		Min:   int8(minute),
		Sec:   int8(sec),
	}, next.Sub(now).Milliseconds())
}

// At fires at the unix time unixSec and then every interval. A time already
// past is moved a day ahead. With interval <= 0 it fires once.
func (w *Wheel) At(owner obj.Ref, unixSec int64, interval time.Duration, callCount int) (obj.ID, error) {
	delay := unixSec*1000 - w.clk.Millis()
	if delay < 0 {
		delay += dayMs
	}
	r := record{Kind: KindAt, Interval: ms(interval), Total: int32(max(callCount, 0))}
	if r.Interval <= 0 {
		r.Total = 1
	} else {
		r.Interval = max(r.Interval, quantumMs)
	}
	return w.schedule(owner, r, delay)
}

func (w *Wheel) schedule(owner obj.Ref, r record, delay int64) (obj.ID, error) {
	h := w.rt.HandleOf(owner)
	if h.IsZero() {
		return 0, fmt.Errorf("owner %s: %w", owner, ErrOwner)
	}
	if _, ok := w.handler(owner); !ok {
		return 0, fmt.Errorf("owner %s: %w", owner, ErrNoHandler)
	}

	ref, rec, err := w.recs.Create()
	if err != nil {
		w.log.Error("timer: create failed", "owner", h.GID, "kind", r.Kind.String(), "live", w.recs.Count(), "err", err)
		return 0, fmt.Errorf("timer: %w", err)
	}
	now := w.clk.Millis()
	*rec = r
	rec.Owner = h
	rec.Begin = now
	rec.NextRun = now + max(delay, quantumMs)
	rec.Prev, rec.Next, rec.Slot = -1, -1, -1
	if err := w.linkOwner(ref, h.GID); err != nil {
		w.destroy(ref)
		return 0, fmt.Errorf("timer: %w", err)
	}
	w.attach(ref, rec, w.hdr.Before, false)
	return w.rt.GID(ref), nil
}

// Delete cancels a timer. A timer whose callback is being run is destroyed
// once the callback returns.
func (w *Wheel) Delete(id obj.ID) error {
	ref, r, ok := w.recs.ByGID(id)
	if !ok {
		return fmt.Errorf("timer %d: %w", id, ErrTimerNotFound)
	}
	if r.Flags&flagWaitDel != 0 {
		return fmt.Errorf("timer %d: %w", id, ErrTimerDeleted)
	}
	if r.Slot < 0 {
		r.Flags |= flagWaitDel
		w.unlinkOwner(ref)
		return nil
	}
	w.destroy(ref)
	return nil
}

// DeleteAll cancels every timer of owner and returns how many were live.
func (w *Wheel) DeleteAll(owner obj.ID) int {
	l, _ := w.rt.Links(owner, false)
	if l == nil || l.TimerCount == 0 {
		return 0
	}
	var ids []obj.ID
	for c := l.TimerHead; c >= 0; c = w.peek(c).ONext {
		ids = append(ids, w.rt.GID(w.ref(c)))
	}
	n := 0
	for _, id := range ids {
		if w.Delete(id) == nil {
			n++
		}
	}
	return n
}

// Count returns the number of live timers of owner.
func (w *Wheel) Count(owner obj.ID) int {
	l, _ := w.rt.Links(owner, false)
	if l == nil {
		return 0
	}
	return int(l.TimerCount)
}

// Info describes timer id.
func (w *Wheel) Info(id obj.ID) (Info, error) {
	_, r, ok := w.recs.ByGID(id)
	if !ok {
		return Info{}, fmt.Errorf("timer %d: %w", id, ErrTimerNotFound)
	}
	return Info{
		ID:       id,
		Owner:    r.Owner.GID,
		Kind:     r.Kind,
		NextRun:  time.UnixMilli(r.NextRun),
		Interval: time.Duration(r.Interval) * time.Millisecond,
		Calls:    int(r.Calls),
		Total:    int(r.Total),
		Pending:  r.Flags&flagWaitDel != 0,
	}, nil
}

func (w *Wheel) linkOwner(ref obj.Ref, owner obj.ID) error {
	l, err := w.rt.Links(owner, true)
	if err != nil {
		return err
	}
	r := w.recs.Get(ref)
	r.OPrev = -1
	r.ONext = l.TimerHead
	if l.TimerHead >= 0 {
		w.rec(l.TimerHead).OPrev = ref.Chunk
	}
	l.TimerHead = ref.Chunk
	l.TimerCount++
	r.Flags |= flagLinked
	return nil
}

func (w *Wheel) unlinkOwner(ref obj.Ref) {
	r := w.recs.Get(ref)
	if r == nil || r.Flags&flagLinked == 0 {
		return
	}
	r.Flags &^= flagLinked
	if r.ONext >= 0 {
		w.rec(r.ONext).OPrev = r.OPrev
	}
	if r.OPrev >= 0 {
		w.rec(r.OPrev).ONext = r.ONext
	}
	owner := r.Owner.GID
	l, _ := w.rt.Links(owner, false)
	if l == nil {
		return
	}
	if l.TimerHead == ref.Chunk {
		l.TimerHead = r.ONext
	}
	l.TimerCount--
	r.OPrev, r.ONext = -1, -1
	w.rt.DropLinksIfEmpty(owner)
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

func checkClock(hour, minute, sec int) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || sec < 0 || sec > 59 {
		return fmt.Errorf("%02d:%02d:%02d: %w", hour, minute, sec, ErrInvalidTime)
	}
	return nil
}

// nextDaily returns the first hour:min:sec strictly after from.
func nextDaily(from time.Time, hour, minute, sec int) time.Time {
	t := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, sec, 0, from.Location())
	if !t.After(from) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// nextWeekly returns the first weekday hour:min:sec strictly after from.
func nextWeekly(from time.Time, weekday time.Weekday, hour, minute, sec int) time.Time {
	days := (int(weekday) - int(from.Weekday()) + 7) % 7
	t := time.Date(from.Year(), from.Month(), from.Day()+days, hour, minute, sec, 0, from.Location())
	if !t.After(from) {
		t = t.AddDate(0, 0, 7)
	}
	return t
}

// nextMonthly returns the first day hour:min:sec strictly after from in a
// month that has that day.
func nextMonthly(from time.Time, day, hour, minute, sec int) time.Time {
	y, m, _ := from.Date()
	for i := 0; i < 48; i++ {
		t := time.Date(y, m+time.Month(i), day, hour, minute, sec, 0, from.Location())
		if t.Day() == day && t.After(from) {
			return t
		}
	}
	return from.AddDate(0, 1, 0)
}
