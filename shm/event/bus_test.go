package event

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joshuapare/shmkit/shm/obj"
	"github.com/joshuapare/shmkit/shm/region"
)

const typeSink obj.TypeID = obj.FirstUserType

type sink struct {
	Tag uint32
}

type delivery struct {
	owner obj.Ref
	key   Key
	text  string
}

type sinkHooks struct {
	obj.NopHooks
	got     []delivery
	onEvent func(owner obj.Ref, key Key) error
}

func (h *sinkHooks) OnExecute(_ *obj.Runtime, owner obj.Ref, key Key, msg proto.Message) error {
	d := delivery{owner: owner, key: key}
	if s, ok := msg.(*wrapperspb.StringValue); ok {
		d.text = s.GetValue()
	}
	h.got = append(h.got, d)
	if h.onEvent != nil {
		return h.onEvent(owner, key)
	}
	return nil
}

func (h *sinkHooks) owners() []obj.Ref {
	out := make([]obj.Ref, len(h.got))
	for i, d := range h.got {
		out[i] = d.owner
	}
	return out
}

type fixture struct {
	reg   *region.Region
	rt    *obj.Runtime
	bus   *Bus
	sinks obj.Kind[sink]
	hooks *sinkHooks
}

func openFixture(t *testing.T, path string) *fixture {
	t.Helper()
	reg, err := region.Open(region.Options{Path: path, Size: 8 << 20})
	require.NoError(t, err)
	rt, err := obj.New(reg, obj.Options{GIDCapacity: 1024, OwnerCapacity: 128})
	require.NoError(t, err)
	bus, err := New(rt, Config{Capacity: 256, KeyCapacity: 128}, nil)
	require.NoError(t, err)
	hooks := &sinkHooks{}
	sinks, err := obj.Register[sink](rt, obj.Spec{ID: typeSink, Name: "sink", Capacity: 100}, hooks)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	return &fixture{reg: reg, rt: rt, bus: bus, sinks: sinks, hooks: hooks}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := openFixture(t, "")
	t.Cleanup(func() { f.reg.Close() })
	return f
}

func (f *fixture) sink(t *testing.T) obj.Ref {
	t.Helper()
	ref, _, err := f.sinks.Create()
	require.NoError(t, err)
	return ref
}

var (
	playerLevel = NewKey(1, 100, 7, 0)
	player42    = NewKey(1, 100, 7, 42)
)

func TestBus_SelfUnsubscribeMidDelivery(t *testing.T) {
	f := newFixture(t)
	s := []obj.Ref{f.sink(t), f.sink(t), f.sink(t), f.sink(t)}
	for _, o := range s {
		require.NoError(t, f.bus.Subscribe(o, player42, "level"))
	}
	f.hooks.onEvent = func(owner obj.Ref, key Key) error {
		if owner == s[1] {
			n, err := f.bus.Unsubscribe(f.rt.GID(owner), key)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
		return nil
	}

	require.NoError(t, f.bus.Fire(player42, wrapperspb.String("up")))
	// Head insertion: most recent subscriber first.
	require.Equal(t, []obj.Ref{s[3], s[2], s[1], s[0]}, f.hooks.owners())
	require.Equal(t, 3, f.bus.Subscribers(player42))

	f.hooks.got = nil
	require.NoError(t, f.bus.Fire(player42, wrapperspb.String("again")))
	require.Equal(t, []obj.Ref{s[3], s[2], s[0]}, f.hooks.owners())
	require.Equal(t, "again", f.hooks.got[0].text)
	require.NoError(t, f.bus.Check())
}

func TestBus_UnsubscribeOtherMidDelivery(t *testing.T) {
	f := newFixture(t)
	a, b := f.sink(t), f.sink(t)
	require.NoError(t, f.bus.Subscribe(a, player42, ""))
	require.NoError(t, f.bus.Subscribe(b, player42, ""))

	// b runs first and removes a, which is not referenced yet.
	f.hooks.onEvent = func(owner obj.Ref, key Key) error {
		if owner == b {
			require.Equal(t, 1, f.bus.UnsubscribeAll(f.rt.GID(a)))
		}
		return nil
	}
	require.NoError(t, f.bus.Fire(player42, nil))
	require.Equal(t, []obj.Ref{b}, f.hooks.owners())
	require.Equal(t, 1, f.bus.Stats().Subscriptions)
}

func TestBus_ExactBeforeWildcard(t *testing.T) {
	f := newFixture(t)
	wild, exact := f.sink(t), f.sink(t)
	require.NoError(t, f.bus.Subscribe(wild, playerLevel, "all players"))
	require.NoError(t, f.bus.Subscribe(exact, player42, "player 42"))

	require.NoError(t, f.bus.Fire(player42, nil))
	require.Equal(t, []obj.Ref{exact, wild}, f.hooks.owners())
	for _, d := range f.hooks.got {
		require.Equal(t, player42, d.key)
	}

	// Another source only reaches the wildcard.
	f.hooks.got = nil
	require.NoError(t, f.bus.Fire(NewKey(1, 100, 7, 43), nil))
	require.Equal(t, []obj.Ref{wild}, f.hooks.owners())

	// A type-wide fire runs the wildcard list once.
	f.hooks.got = nil
	require.NoError(t, f.bus.Fire(playerLevel, nil))
	require.Equal(t, []obj.Ref{wild}, f.hooks.owners())
}

func TestBus_DuplicateSubscriptions(t *testing.T) {
	f := newFixture(t)
	o := f.sink(t)
	require.NoError(t, f.bus.Subscribe(o, player42, "first"))
	require.NoError(t, f.bus.Subscribe(o, player42, "second"))
	require.Equal(t, 2, f.bus.SubscriptionCount(f.rt.GID(o)))

	require.NoError(t, f.bus.Fire(player42, nil))
	require.Len(t, f.hooks.got, 2)

	n, err := f.bus.Unsubscribe(f.rt.GID(o), player42)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	_, err = f.bus.Unsubscribe(f.rt.GID(o), player42)
	require.ErrorIs(t, err, ErrNotSubscribed)
	require.Zero(t, f.bus.Stats().Keys)
	require.Zero(t, f.rt.Count(obj.TypeOwnerLinks))
}

func TestBus_FireDepthCap(t *testing.T) {
	f := newFixture(t)
	o := f.sink(t)
	for id := uint32(0); id < MaxFireDepth+5; id++ {
		require.NoError(t, f.bus.Subscribe(o, NewKey(1, id, 7, 0), ""))
	}
	var innermost error
	f.hooks.onEvent = func(_ obj.Ref, key Key) error {
		next := key
		next.EventID++
		if err := f.bus.Fire(next, nil); err != nil {
			if innermost == nil {
				innermost = err
			}
			return err
		}
		return nil
	}

	require.NoError(t, f.bus.Fire(NewKey(1, 0, 7, 0), nil))
	require.Len(t, f.hooks.got, MaxFireDepth-1)
	require.ErrorIs(t, innermost, ErrFireDepth)
	require.EqualValues(t, 1, f.bus.Stats().Aborted)
	require.Zero(t, f.bus.depth)
}

func TestBus_RefOverflow(t *testing.T) {
	f := newFixture(t)
	o := f.sink(t)
	require.NoError(t, f.bus.Subscribe(o, playerLevel, "loop"))

	var overflow error
	f.hooks.onEvent = func(_ obj.Ref, key Key) error {
		err := f.bus.Fire(key, nil)
		if errors.Is(err, ErrRefOverflow) && overflow == nil {
			overflow = err
		}
		return nil
	}
	require.NoError(t, f.bus.Fire(playerLevel, nil))
	require.Len(t, f.hooks.got, MaxRefs)
	require.ErrorIs(t, overflow, ErrRefOverflow)
	require.Equal(t, 1, f.bus.Subscribers(playerLevel))
}

func TestBus_OwnerDestroyCascades(t *testing.T) {
	f := newFixture(t)
	a, b := f.sink(t), f.sink(t)
	require.NoError(t, f.bus.Subscribe(a, player42, ""))
	require.NoError(t, f.bus.Subscribe(a, playerLevel, ""))
	require.NoError(t, f.bus.Subscribe(b, player42, ""))

	require.NoError(t, f.rt.Destroy(a))
	require.Equal(t, 1, f.bus.Stats().Subscriptions)
	require.Equal(t, 1, f.bus.Stats().Keys)
	require.NoError(t, f.bus.Fire(player42, nil))
	require.Equal(t, []obj.Ref{b}, f.hooks.owners())
}

func TestBus_OwnerDestroyedInsideHandler(t *testing.T) {
	f := newFixture(t)
	a, b := f.sink(t), f.sink(t)
	require.NoError(t, f.bus.Subscribe(b, player42, ""))
	require.NoError(t, f.bus.Subscribe(a, player42, ""))
	f.hooks.onEvent = func(owner obj.Ref, _ Key) error {
		if owner == a {
			require.NoError(t, f.rt.Destroy(a))
		}
		return nil
	}

	require.NoError(t, f.bus.Fire(player42, nil))
	require.Len(t, f.hooks.got, 2)
	require.Equal(t, 1, f.bus.Stats().Subscriptions)
	require.Equal(t, 1, f.bus.Subscribers(player42))
	require.NoError(t, f.bus.Check())
}

func TestBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	f := newFixture(t)
	a, b := f.sink(t), f.sink(t)
	require.NoError(t, f.bus.Subscribe(a, player42, ""))
	require.NoError(t, f.bus.Subscribe(b, player42, ""))
	f.hooks.onEvent = func(obj.Ref, Key) error { return errors.New("boom") }

	require.NoError(t, f.bus.Fire(player42, nil))
	require.Len(t, f.hooks.got, 2)
	require.EqualValues(t, 2, f.bus.Stats().Delivered)
}

func TestBus_SubscribeErrors(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.bus.Subscribe(obj.NilRef, player42, ""), ErrOwner)

	// Subscription records are objects without a handler.
	o := f.sink(t)
	require.NoError(t, f.bus.Subscribe(o, player42, strings.Repeat("x", 40)))
	var rec obj.Ref
	f.bus.subs.Each(func(ref obj.Ref, s *subscription) bool {
		rec = ref
		require.Equal(t, strings.Repeat("x", DescSize), desc(s))
		return false
	})
	require.ErrorIs(t, f.bus.Subscribe(rec, player42, ""), ErrNoHandler)
}

func TestKeyHashStable(t *testing.T) {
	require.Equal(t, player42.hash(), NewKey(1, 100, 7, 42).hash())
	require.NotEqual(t, player42.hash(), playerLevel.hash())
	require.Equal(t, playerLevel, player42.Wildcard())
	require.Equal(t, "1/100/7/42", player42.String())
}

func TestBus_ResumeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.shm")

	f := openFixture(t, path)
	o := f.sink(t)
	require.NoError(t, f.bus.Subscribe(o, player42, "kept"))
	f.reg.MarkInitialized()
	require.NoError(t, f.reg.Close())

	f = openFixture(t, path)
	defer f.reg.Close()
	require.Equal(t, 1, f.bus.Subscribers(player42))
	require.NoError(t, f.bus.Fire(player42, wrapperspb.String("after restart")))
	require.Equal(t, []obj.Ref{o}, f.hooks.owners())
	require.Equal(t, "after restart", f.hooks.got[0].text)
}

func TestBus_DescKeepsWholeRunes(t *testing.T) {
	f := newFixture(t)
	o := f.sink(t)
	// Both cut DescSize bytes in the middle of a rune.
	require.NoError(t, f.bus.Subscribe(o, player42, strings.Repeat("界", 11)))
	require.NoError(t, f.bus.Subscribe(o, playerLevel, "ab"+strings.Repeat("é", 20)))

	var got []string
	f.bus.subs.Each(func(_ obj.Ref, s *subscription) bool {
		got = append(got, desc(s))
		return true
	})
	require.ElementsMatch(t, []string{strings.Repeat("界", 10), "ab" + strings.Repeat("é", 14)}, got)
	for _, d := range got {
		require.True(t, utf8.ValidString(d), "%q", d)
		require.LessOrEqual(t, len(d), DescSize)
	}
}

func TestBus_ResumeDropsEmptiedKeyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.shm")

	f := openFixture(t, path)
	o := f.sink(t)
	require.NoError(t, f.bus.Subscribe(o, player42, "mid delivery"))
	// Leave the state of a Fire interrupted inside the handler, after the
	// handler unsubscribed itself.
	listRef, _, err := f.bus.findList(player42, false)
	require.NoError(t, err)
	f.bus.lists.Get(listRef).Firing = 1
	var subRef obj.Ref
	f.bus.subs.Each(func(ref obj.Ref, s *subscription) bool {
		subRef = ref
		s.RefCount = 1
		return false
	})
	f.bus.remove(subRef)
	require.Equal(t, 1, f.bus.Stats().Keys)
	f.reg.MarkInitialized()
	require.NoError(t, f.reg.Close())

	f = openFixture(t, path)
	defer f.reg.Close()
	require.Zero(t, f.bus.Stats().Subscriptions)
	require.Zero(t, f.bus.Stats().Keys)
	require.Zero(t, f.bus.Subscribers(player42))
	require.NoError(t, f.bus.Check())

	require.NoError(t, f.bus.Subscribe(o, player42, "again"))
	require.Equal(t, 1, f.bus.Stats().Keys)
}

func TestBus_ReadsLeavePagesClean(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.bus.Subscribe(f.sink(t), player42, "reader"))
	}
	require.NoError(t, f.reg.Commit(context.Background()))
	require.Zero(t, f.reg.DirtyPages())

	require.Equal(t, 5, f.bus.Subscribers(player42))
	require.Zero(t, f.bus.Subscribers(playerLevel))
	require.NoError(t, f.bus.Check())
	require.Zero(t, f.reg.DirtyPages())
}
