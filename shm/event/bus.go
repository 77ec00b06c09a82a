package event

import (
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"google.golang.org/protobuf/proto"

	"github.com/joshuapare/shmkit/internal/logger"
	"github.com/joshuapare/shmkit/shm/obj"
)

const (
	// MaxFireDepth bounds nested Fire calls.
	MaxFireDepth = 50
	// MaxRefs bounds the references one subscription can hold.
	MaxRefs = 5
	// DescSize is the stored length of a subscription description.
	DescSize = 31

	// DefaultCapacity is the default number of live subscriptions.
	DefaultCapacity = 30000
	// DefaultKeyCapacity is the default number of distinct subscribed keys.
	DefaultKeyCapacity = 10000

	probeLimit = 8
)

// Handler receives events. The owner's type hooks implement it. An error is
// logged and does not stop delivery to other subscribers.
type Handler interface {
	OnExecute(rt *obj.Runtime, owner obj.Ref, key Key, msg proto.Message) error
}

// Config sizes a Bus.
type Config struct {
	Capacity    int // live subscriptions
	KeyCapacity int // distinct keys with at least one subscription
}

const (
	flagRemoved uint8 = 1 << 0
	flagLinked  uint8 = 1 << 1 // on the owner's list
)

// subscription is the payload of a subscription object.
type subscription struct {
	Key      Key
	Owner    obj.Handle
	List     int32 // chunk of the key list
	KPrev    int32
	KNext    int32
	OPrev    int32
	ONext    int32
	RefCount int32
	Flags    uint8
	DescLen  uint8
	Desc     [DescSize]byte
}

// keyList is the payload of a key list object.
type keyList struct {
	Key    Key
	Head   int32
	Count  int32
	Firing int32
	_      int32
}

// Stats is a bus snapshot.
type Stats struct {
	Subscriptions int
	Keys          int
	Capacity      int
	Fired         uint64
	Delivered     uint64
	Aborted       uint64
}

// Bus routes events to subscribed objects of one runtime.
//
// NOT thread-safe. Fire runs handlers synchronously on the caller's
// goroutine.
type Bus struct {
	rt    *obj.Runtime
	log   *slog.Logger
	cfg   Config
	subs  obj.Kind[subscription]
	lists obj.Kind[keyList]
	depth int

	fired, delivered, aborted uint64
}

type subHooks struct {
	obj.NopHooks
	b *Bus
}

func (h subHooks) Destroy(_ *obj.Runtime, ref obj.Ref) {
	h.b.unlinkOwner(ref)
	h.b.unlinkKey(ref)
}

// Resume clears references held by deliveries the previous process did not
// finish.
func (h subHooks) Resume(rt *obj.Runtime, ref obj.Ref) error {
	s := h.b.subs.Get(ref)
	s.RefCount = 0
	if s.Flags&flagRemoved != 0 {
		return rt.Destroy(ref)
	}
	return nil
}

type listHooks struct{ obj.NopHooks }

func (listHooks) Create(rt *obj.Runtime, ref obj.Ref) error {
	l := (*keyList)(rt.Payload(ref))
	l.Head = -1
	return nil
}

// Resume clears the delivery depth of an interrupted Fire. Subscriptions
// resume first, so a list whose last subscription was just destroyed is
// empty here and goes too.
func (listHooks) Resume(rt *obj.Runtime, ref obj.Ref) error {
	l := (*keyList)(rt.Payload(ref))
	l.Firing = 0
	if l.Count == 0 {
		return rt.Destroy(ref)
	}
	return nil
}

// New registers the subscription and key list types with rt. It must run
// before rt.Start.
func New(rt *obj.Runtime, cfg Config, log *slog.Logger) (*Bus, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.KeyCapacity <= 0 {
		cfg.KeyCapacity = DefaultKeyCapacity
	}
	b := &Bus{rt: rt, log: logger.Or(log), cfg: cfg}

	var err error
	b.subs, err = obj.RegisterSystem[subscription](rt, obj.Spec{
		ID:       obj.TypeSubscription,
		Name:     "subscription",
		Capacity: cfg.Capacity,
	}, subHooks{b: b})
	if err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}
	b.lists, err = obj.RegisterSystem[keyList](rt, obj.Spec{
		ID:       obj.TypeEventKey,
		Name:     "event_key",
		Capacity: cfg.KeyCapacity,
		Hashed:   true,
	}, listHooks{})
	if err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}

	rt.OnDestroy(func(_ *obj.Runtime, ref obj.Ref, gid obj.ID) {
		switch ref.Type {
		case obj.TypeSubscription, obj.TypeEventKey, obj.TypeOwnerLinks:
			return
		}
		b.UnsubscribeAll(gid)
	})
	return b, nil
}

func (b *Bus) subRef(chunk int32) obj.Ref {
	return obj.Ref{Type: obj.TypeSubscription, Chunk: chunk}
}

func (b *Bus) sub(chunk int32) *subscription { return b.subs.Get(b.subRef(chunk)) }

// peekSub is sub for reads; the chunk is not marked dirty.
func (b *Bus) peekSub(chunk int32) *subscription { return b.subs.View(b.subRef(chunk)) }

func (b *Bus) listRef(chunk int32) obj.Ref {
	return obj.Ref{Type: obj.TypeEventKey, Chunk: chunk}
}

// findList returns the key list of key. With create a missing list is made
// at the first free probe position. An existing list comes back as a View;
// callers that modify it fetch it again with b.lists.Get.
func (b *Bus) findList(key Key, create bool) (obj.Ref, *keyList, error) {
	h := key.hash()
	free := -1
	for i := 0; i < probeLimit; i++ {
		ref, l, ok := b.lists.ViewByHash(h + uint64(i))
		if !ok {
			if free < 0 {
				free = i
			}
			continue
		}
		if l.Key == key {
			return ref, l, nil
		}
	}
	if !create {
		return obj.NilRef, nil, nil
	}
	if free < 0 {
		return obj.NilRef, nil, fmt.Errorf("key %s: %w", key, ErrKeySpace)
	}
	ref, l, err := b.lists.CreateByHash(h + uint64(free))
	if err != nil {
		return obj.NilRef, nil, err
	}
	l.Key = key
	return ref, l, nil
}

// Subscribe binds owner to key. Subscribing the same owner to the same key
// twice creates two independent subscriptions.
func (b *Bus) Subscribe(owner obj.Ref, key Key, desc string) error {
	h := b.rt.HandleOf(owner)
	if h.IsZero() {
		return fmt.Errorf("owner %s: %w", owner, ErrOwner)
	}
	if _, ok := b.handler(owner); !ok {
		return fmt.Errorf("owner %s: %w", owner, ErrNoHandler)
	}

	listRef, l, err := b.findList(key, true)
	if err != nil {
		b.log.Error("event: subscribe failed", "key", key.String(), "keys", b.lists.Count(), "err", err)
		return fmt.Errorf("event: %w", err)
	}
	l = b.lists.Get(listRef)
	links, err := b.rt.Links(h.GID, true)
	if err != nil {
		b.dropListIfIdle(listRef)
		return fmt.Errorf("event: %w", err)
	}
	ref, s, err := b.subs.Create()
	if err != nil {
		b.log.Error("event: subscribe failed", "key", key.String(), "owner", h.GID, "live", b.subs.Count(), "err", err)
		b.rt.DropLinksIfEmpty(h.GID)
		b.dropListIfIdle(listRef)
		return fmt.Errorf("event: %w", err)
	}

	s.Key = key
	s.Owner = h
	s.DescLen = uint8(copy(s.Desc[:], clipDesc(desc)))

	s.List = listRef.Chunk
	s.KPrev = -1
	s.KNext = l.Head
	if l.Head >= 0 {
		b.sub(l.Head).KPrev = ref.Chunk
	}
	l.Head = ref.Chunk
	l.Count++

	s.OPrev = -1
	s.ONext = links.SubHead
	if links.SubHead >= 0 {
		b.sub(links.SubHead).OPrev = ref.Chunk
	}
	links.SubHead = ref.Chunk
	links.SubCount++
	s.Flags |= flagLinked
	return nil
}

// Unsubscribe removes every subscription of owner to key and returns how
// many went.
func (b *Bus) Unsubscribe(owner obj.ID, key Key) (int, error) {
	n := 0
	for _, ref := range b.ownerSubs(owner) {
		if b.subs.Get(ref).Key == key {
			b.remove(ref)
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("owner %d key %s: %w", owner, key, ErrNotSubscribed)
	}
	return n, nil
}

// UnsubscribeAll removes every subscription of owner.
func (b *Bus) UnsubscribeAll(owner obj.ID) int {
	refs := b.ownerSubs(owner)
	for _, ref := range refs {
		b.remove(ref)
	}
	return len(refs)
}

func (b *Bus) ownerSubs(owner obj.ID) []obj.Ref {
	l, _ := b.rt.Links(owner, false)
	if l == nil || l.SubCount == 0 {
		return nil
	}
	refs := make([]obj.Ref, 0, l.SubCount)
	for c := l.SubHead; c >= 0; c = b.sub(c).ONext {
		refs = append(refs, b.subRef(c))
	}
	return refs
}

// remove takes a subscription off its owner's list and then destroys it, or
// marks it when a delivery still references it.
func (b *Bus) remove(ref obj.Ref) {
	b.unlinkOwner(ref)
	s := b.subs.Get(ref)
	if s.RefCount > 0 {
		s.Flags |= flagRemoved
		return
	}
	b.destroy(ref)
}

func (b *Bus) destroy(ref obj.Ref) {
	if err := b.rt.Destroy(ref); err != nil {
		b.log.Error("event: destroy subscription", "ref", ref.String(), "err", err)
	}
}

func (b *Bus) unlinkOwner(ref obj.Ref) {
	s := b.subs.Get(ref)
	if s == nil || s.Flags&flagLinked == 0 {
		return
	}
	s.Flags &^= flagLinked
	if s.ONext >= 0 {
		b.sub(s.ONext).OPrev = s.OPrev
	}
	if s.OPrev >= 0 {
		b.sub(s.OPrev).ONext = s.ONext
	}
	owner, next := s.Owner.GID, s.ONext
	s.OPrev, s.ONext = -1, -1
	l, _ := b.rt.Links(owner, false)
	if l == nil {
		return
	}
	if l.SubHead == ref.Chunk {
		l.SubHead = next
	}
	l.SubCount--
	b.rt.DropLinksIfEmpty(owner)
}

func (b *Bus) unlinkKey(ref obj.Ref) {
	s := b.subs.Get(ref)
	if s == nil || s.List < 0 {
		return
	}
	listRef := b.listRef(s.List)
	l := b.lists.Get(listRef)
	if s.KNext >= 0 {
		b.sub(s.KNext).KPrev = s.KPrev
	}
	if s.KPrev >= 0 {
		b.sub(s.KPrev).KNext = s.KNext
	} else if l != nil {
		l.Head = s.KNext
	}
	s.KPrev, s.KNext, s.List = -1, -1, -1
	if l != nil {
		l.Count--
		b.dropListIfIdle(listRef)
	}
}

func (b *Bus) dropListIfIdle(ref obj.Ref) {
	l := b.lists.Get(ref)
	if l == nil || l.Count > 0 || l.Firing > 0 {
		return
	}
	if err := b.rt.Destroy(ref); err != nil {
		b.log.Error("event: destroy key list", "key", l.Key.String(), "err", err)
	}
}

// Fire delivers msg to the subscribers of key, then to the wildcard
// subscribers of key's source type. An aborted delivery keeps the effects of
// the handlers that already ran.
func (b *Bus) Fire(key Key, msg proto.Message) error {
	b.fired++
	if key.SrcID != 0 {
		if err := b.fire(key, key, msg); err != nil {
			return err
		}
	}
	if err := b.fire(key.Wildcard(), key, msg); err != nil {
		return err
	}
	b.log.Debug("event: fired", "key", key.String(), "payload", messageName(msg))
	return nil
}

func (b *Bus) fire(list, key Key, msg proto.Message) error {
	b.depth++
	defer func() { b.depth-- }()
	if b.depth >= MaxFireDepth {
		b.aborted++
		b.log.Error("event: fire nested too deep", "key", list.String(), "depth", b.depth)
		return fmt.Errorf("key %s depth %d: %w", list, b.depth, ErrFireDepth)
	}

	listRef, l, _ := b.findList(list, false)
	if l == nil {
		return nil
	}
	l = b.lists.Get(listRef)
	l.Firing++
	var (
		stale []obj.ID
		err   error
	)
	for c := l.Head; c >= 0; {
		ref := b.subRef(c)
		s := b.subs.Get(ref)
		if s.RefCount >= MaxRefs {
			b.aborted++
			b.log.Error("event: subscription reference overflow", "key", list.String(), "owner", s.Owner.GID)
			err = fmt.Errorf("key %s owner %d: %w", list, s.Owner.GID, ErrRefOverflow)
			break
		}
		if s.Flags&flagRemoved != 0 {
			next := s.KNext
			if s.RefCount == 0 {
				b.destroy(ref)
			}
			c = next
			continue
		}

		s.RefCount++
		if owner, ok := s.Owner.Peek(b.rt); ok {
			b.deliver(owner, s, key, msg)
		} else {
			stale = append(stale, s.Owner.GID)
			b.log.Error("event: subscriber gone", "key", list.String(), "owner", s.Owner.GID, "desc", desc(s))
		}
		s.RefCount--
		next := s.KNext
		if s.Flags&flagRemoved != 0 && s.RefCount == 0 {
			b.destroy(ref)
		}
		c = next
	}

	if l = b.lists.Get(listRef); l != nil {
		l.Firing--
		b.dropListIfIdle(listRef)
	}
	for _, gid := range stale {
		b.UnsubscribeAll(gid)
	}
	return err
}

func (b *Bus) deliver(owner obj.Ref, s *subscription, key Key, msg proto.Message) {
	h, ok := b.handler(owner)
	if !ok {
		b.log.Error("event: owner type lost its handler", "owner", s.Owner.GID)
		return
	}
	b.delivered++
	if err := h.OnExecute(b.rt, owner, key, msg); err != nil {
		b.log.Error("event: handler failed", "key", key.String(), "owner", s.Owner.GID, "desc", desc(s), "err", err)
	}
}

func (b *Bus) handler(owner obj.Ref) (Handler, bool) {
	info, ok := b.rt.Type(owner.Type)
	if !ok {
		return nil, false
	}
	h, ok := info.Hooks().(Handler)
	return h, ok
}

// Subscribers returns the number of live subscriptions on exactly key.
func (b *Bus) Subscribers(key Key) int {
	_, l, _ := b.findList(key, false)
	if l == nil {
		return 0
	}
	n := 0
	for c := l.Head; c >= 0; c = b.peekSub(c).KNext {
		if b.peekSub(c).Flags&flagRemoved == 0 {
			n++
		}
	}
	return n
}

// SubscriptionCount returns the number of subscriptions owner holds.
func (b *Bus) SubscriptionCount(owner obj.ID) int {
	l, _ := b.rt.Links(owner, false)
	if l == nil {
		return 0
	}
	return int(l.SubCount)
}

// Stats returns a bus snapshot.
func (b *Bus) Stats() Stats {
	return Stats{
		Subscriptions: b.subs.Count(),
		Keys:          b.lists.Count(),
		Capacity:      b.cfg.Capacity,
		Fired:         b.fired,
		Delivered:     b.delivered,
		Aborted:       b.aborted,
	}
}

// Check validates every key list against its records.
func (b *Bus) Check() error {
	var errs []error
	b.rt.Each(obj.TypeEventKey, func(ref obj.Ref) bool {
		l := b.lists.View(ref)
		n, prev := int32(0), int32(-1)
		for c := l.Head; c >= 0; c = b.peekSub(c).KNext {
			s := b.peekSub(c)
			if s.List != ref.Chunk || s.KPrev != prev || s.Key != l.Key {
				errs = append(errs, fmt.Errorf("key %s: record %d misfiled: %w", l.Key, c, obj.ErrCorrupt))
				return false
			}
			prev = c
			n++
		}
		if n != l.Count {
			errs = append(errs, fmt.Errorf("key %s: count %d, walked %d: %w", l.Key, l.Count, n, obj.ErrCorrupt))
		}
		return true
	})
	return errors.Join(errs...)
}

func desc(s *subscription) string { return string(s.Desc[:s.DescLen]) }

// clipDesc cuts d to at most DescSize bytes without splitting a rune.
func clipDesc(d string) string {
	if len(d) <= DescSize {
		return d
	}
	n := DescSize
	for n > 0 && !utf8.RuneStart(d[n]) {
		n--
	}
	return d[:n]
}

func messageName(msg proto.Message) string {
	if msg == nil {
		return ""
	}
	return string(msg.ProtoReflect().Descriptor().FullName())
}
