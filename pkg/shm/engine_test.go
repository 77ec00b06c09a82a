package shm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joshuapare/shmkit/internal/config"
	"github.com/joshuapare/shmkit/shm/clock"
	"github.com/joshuapare/shmkit/shm/event"
	"github.com/joshuapare/shmkit/shm/obj"
	"github.com/joshuapare/shmkit/shm/trans"
)

const (
	typePlayer obj.TypeID = obj.FirstUserType + iota
	typeQuest
)

type player struct {
	Level uint32
	Gold  uint32
}

type playerHooks struct {
	obj.NopHooks
	timers  int
	events  []string
	resumed int
}

func (h *playerHooks) Resume(*obj.Runtime, obj.Ref) error {
	h.resumed++
	return nil
}

func (h *playerHooks) OnTimer(*obj.Runtime, obj.Ref, obj.ID, int) { h.timers++ }

func (h *playerHooks) OnExecute(_ *obj.Runtime, _ obj.Ref, _ event.Key, msg proto.Message) error {
	h.events = append(h.events, msg.(*wrapperspb.StringValue).GetValue())
	return nil
}

type quest struct {
	trans.Base
	Need uint32
}

type questHooks struct {
	obj.NopHooks
	kind     obj.Kind[quest]
	finished []trans.Code
}

func (h *questHooks) Step(_ *trans.Manager, ref obj.Ref, b *trans.Base) error {
	q := h.kind.Get(ref)
	if q.Need == 0 {
		return nil
	}
	if err := b.Advance(b.State() + 1); err != nil {
		return err
	}
	if uint32(b.RunTimes()) >= q.Need {
		b.SetFinished(trans.CodeOK)
	}
	return nil
}

func (h *questHooks) OnFinished(_ *trans.Manager, _ obj.Ref, _ *trans.Base, code trans.Code) {
	h.finished = append(h.finished, code)
}

type world struct {
	eng     *Engine
	clk     *clock.Manual
	players obj.Kind[player]
	quests  obj.Kind[quest]
	ph      *playerHooks
	qh      *questHooks
}

var epoch = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

func testConfig(path string) config.Config {
	cfg := config.Default()
	cfg.Path = path
	cfg.Size = 8 << 20
	cfg.GIDCapacity = 4096
	cfg.TimerCapacity = 256
	cfg.SubscribeCapacity = 256
	cfg.EventKeyCapacity = 64
	cfg.OwnerCapacity = 128
	cfg.TransCapacity = 64
	cfg.FrameInterval = time.Millisecond
	cfg.DrainTimeout = time.Second
	return cfg
}

func openWorld(t *testing.T, cfg config.Config, clk *clock.Manual, opts ...Option) *world {
	t.Helper()
	eng, err := Open(cfg, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	w := &world{eng: eng, clk: clk, ph: &playerHooks{}, qh: &questHooks{}}
	w.players, err = Register[player](eng, obj.Spec{ID: typePlayer, Name: "player", Capacity: 32}, w.ph)
	require.NoError(t, err)
	w.quests, err = RegisterTrans[quest](eng, obj.Spec{ID: typeQuest, Name: "quest", Capacity: 32}, w.qh)
	require.NoError(t, err)
	w.qh.kind = w.quests
	require.NoError(t, eng.Start(context.Background()))
	return w
}

func newWorld(t *testing.T, opts ...Option) *world {
	t.Helper()
	w := openWorld(t, testConfig(""), clock.NewManual(epoch), opts...)
	t.Cleanup(func() { w.eng.Close() })
	return w
}

func (w *world) quest(t *testing.T, need uint32) obj.ID {
	t.Helper()
	ref, q, err := trans.Create(w.eng.Trans(), w.quests)
	require.NoError(t, err)
	q.Need = need
	return w.eng.Runtime().GID(ref)
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	eng, err := Open(testConfig(""))
	require.NoError(t, err)
	require.ErrorIs(t, eng.Tick(ctx), ErrNotStarted)
	require.ErrorIs(t, eng.Drain(ctx), ErrNotStarted)

	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Start(ctx))
	_, err = Register[player](eng, obj.Spec{ID: typePlayer, Name: "player", Capacity: 4}, &playerHooks{})
	require.ErrorIs(t, err, ErrStarted)
	require.NoError(t, eng.Tick(ctx))

	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
	require.ErrorIs(t, eng.Tick(ctx), ErrClosed)
	require.ErrorIs(t, eng.Start(ctx), ErrClosed)
}

func TestEngine_OpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.TimerCapacity = 0
	_, err := Open(cfg)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestEngine_TickDrivesTimersAndTrans(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	ref, _, err := w.players.Create()
	require.NoError(t, err)
	_, err = w.eng.Timers().Once(ref, 100*time.Millisecond)
	require.NoError(t, err)
	w.quest(t, 2)

	for range 12 {
		w.clk.Advance(10 * time.Millisecond)
		require.NoError(t, w.eng.Tick(ctx))
	}
	require.Equal(t, 1, w.ph.timers)
	require.Equal(t, []trans.Code{trans.CodeOK}, w.qh.finished)
	require.Zero(t, w.eng.Trans().Count())
	require.NoError(t, w.eng.Check())

	s := w.eng.Stats()
	require.Equal(t, uint64(12), s.Ticks)
	require.Equal(t, uint64(1), s.Timers.Fired)
	require.Equal(t, uint64(1), s.Trans.Released)
}

func TestEngine_Events(t *testing.T) {
	w := newWorld(t)
	ref, _, err := w.players.Create()
	require.NoError(t, err)

	key := event.NewKey(1, 100, uint32(typePlayer), 0)
	require.NoError(t, w.eng.Events().Subscribe(ref, key, "level up"))
	require.NoError(t, w.eng.Events().Fire(event.NewKey(1, 100, uint32(typePlayer), 7), wrapperspb.String("ding")))
	require.Equal(t, []string{"ding"}, w.ph.events)

	require.NoError(t, w.eng.Runtime().Destroy(ref))
	require.Zero(t, w.eng.Events().Stats().Subscriptions)
}

func TestEngine_CheckpointInterval(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	before, ok := w.eng.LastStats()
	require.True(t, ok)

	w.clk.Advance(500 * time.Millisecond)
	require.NoError(t, w.eng.Tick(ctx))
	s, _ := w.eng.LastStats()
	require.Equal(t, before.Ticks, s.Ticks, "no checkpoint inside the interval")
	require.True(t, w.eng.Region().InTick())

	w.clk.Advance(600 * time.Millisecond)
	require.NoError(t, w.eng.Tick(ctx))
	s, _ = w.eng.LastStats()
	require.Equal(t, uint64(2), s.Ticks)
	require.False(t, w.eng.Region().InTick())
}

func TestEngine_ResumeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.shm")
	cfg := testConfig(path)
	clk := clock.NewManual(epoch)
	ctx := context.Background()

	w := openWorld(t, cfg, clk)
	require.False(t, w.eng.Stats().Resumed)
	ref, p, err := w.players.Create()
	require.NoError(t, err)
	p.Level = 42
	gid := w.eng.Runtime().GID(ref)
	_, err = w.eng.Timers().Loop(ref, time.Second, time.Second, 0)
	require.NoError(t, err)
	w.quest(t, 0)
	instance := w.eng.Stats().Instance
	require.NoError(t, w.eng.Tick(ctx))
	require.NoError(t, w.eng.Close())

	clk.Advance(20 * time.Second)
	w = openWorld(t, cfg, clk)
	defer w.eng.Close()
	s := w.eng.Stats()
	require.True(t, s.Resumed)
	require.True(t, s.Clean)
	require.Equal(t, instance, s.Instance)
	require.Equal(t, 1, w.ph.resumed)

	_, p, ok := w.players.ByGID(gid)
	require.True(t, ok)
	require.Equal(t, uint32(42), p.Level)
	require.Equal(t, 1, w.eng.Timers().Count(gid))
	require.Equal(t, 1, w.eng.Trans().Count())

	for range 10 {
		w.clk.Advance(100 * time.Millisecond)
		require.NoError(t, w.eng.Tick(ctx))
	}
	require.GreaterOrEqual(t, w.ph.timers, 1)
	require.Equal(t, 1, w.eng.Trans().Count(), "resume refreshed the idle clock")
	require.NoError(t, w.eng.Check())
}

func TestEngine_DrainWaitsForTrans(t *testing.T) {
	w := newWorld(t)
	w.quest(t, 3)
	w.quest(t, 5)

	require.NoError(t, w.eng.Drain(context.Background()))
	require.Zero(t, w.eng.Trans().Count())
	require.Equal(t, []trans.Code{trans.CodeOK, trans.CodeOK}, w.qh.finished)
}

func TestEngine_DrainInterruptsStuckTrans(t *testing.T) {
	cfg := testConfig("")
	cfg.DrainTimeout = 20 * time.Millisecond
	w := openWorld(t, cfg, clock.NewManual(epoch))
	defer w.eng.Close()
	w.quest(t, 0)

	require.NoError(t, w.eng.Drain(context.Background()))
	require.Equal(t, []trans.Code{trans.CodeInterrupted}, w.qh.finished)
	require.Zero(t, w.eng.Trans().Count())
}

func TestEngine_RunUntilCancelled(t *testing.T) {
	cfg := testConfig("")
	eng, err := Open(cfg)
	require.NoError(t, err)
	defer eng.Close()
	require.NoError(t, eng.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, eng.Run(ctx))
	require.Positive(t, eng.Stats().Ticks)
	require.False(t, eng.Region().InTick())
}

func TestEngine_Shutdown(t *testing.T) {
	w := openWorld(t, testConfig(""), clock.NewManual(epoch))
	w.quest(t, 1)
	require.NoError(t, w.eng.Shutdown(context.Background()))
	require.Equal(t, []trans.Code{trans.CodeOK}, w.qh.finished)
	require.ErrorIs(t, w.eng.Tick(context.Background()), ErrClosed)
}

func TestEngine_Telemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	w := newWorld(t, WithMeterProvider(mp))
	_, _, err := w.players.Create()
	require.NoError(t, err)
	require.NoError(t, w.eng.Checkpoint(context.Background()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	live := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "shm.objects.live" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Gauge[int64]).DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("type"))
				live[v.AsString()] = dp.Value
			}
		}
	}
	require.Equal(t, int64(1), live["player"])
	require.Contains(t, live, "timer")
}
