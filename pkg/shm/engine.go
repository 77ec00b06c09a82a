package shm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/joshuapare/shmkit/internal/config"
	"github.com/joshuapare/shmkit/internal/logger"
	"github.com/joshuapare/shmkit/internal/telemetry"
	"github.com/joshuapare/shmkit/shm/clock"
	"github.com/joshuapare/shmkit/shm/dirty"
	"github.com/joshuapare/shmkit/shm/event"
	"github.com/joshuapare/shmkit/shm/obj"
	"github.com/joshuapare/shmkit/shm/region"
	"github.com/joshuapare/shmkit/shm/timer"
	"github.com/joshuapare/shmkit/shm/trans"
)

// Engine owns one region and the runtime, timer wheel, event bus and
// transaction scheduler built on it.
type Engine struct {
	cfg config.Config
	log *slog.Logger
	clk clock.Clock
	mp  metric.MeterProvider

	reg    *region.Region
	rt     *obj.Runtime
	timers *timer.Wheel
	events *event.Bus
	trans  *trans.Manager

	telem      metric.Registration
	started    bool
	closed     bool
	ticks      uint64
	lastCommit int64
	stats      atomic.Pointer[Stats]
}

// Stats is an engine snapshot.
type Stats struct {
	Instance   uuid.UUID
	Resumed    bool
	Clean      bool
	Ticks      uint64
	RegionSize int
	RegionFree int
	Types      []obj.TypeStats
	GID        obj.GIDStats
	Timers     timer.Stats
	Events     event.Stats
	Trans      trans.Stats
}

// Open maps the region described by cfg and builds the runtime layers on it.
// Types must be registered before Start.
func Open(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{
		cfg: cfg,
		log: logger.Or(o.log),
		clk: o.clk,
		mp:  o.mp,
	}
	if e.clk == nil {
		e.clk = clock.System{}
	}

	mode, err := region.ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	e.reg, err = region.Open(region.Options{
		Path:      cfg.Path,
		Size:      cfg.Size,
		Mode:      mode,
		FlushMode: dirty.ParseFlushMode(string(cfg.FlushMode)),
		Logger:    e.log,
		Now:       e.clk.Now,
	})
	if err != nil {
		return nil, err
	}
	if err := e.build(); err != nil {
		return nil, errors.Join(err, e.reg.Close())
	}
	return e, nil
}

func (e *Engine) build() error {
	var err error
	e.rt, err = obj.New(e.reg, obj.Options{
		GIDCapacity:   e.cfg.GIDCapacity,
		OwnerCapacity: e.cfg.OwnerCapacity,
		RoundFile:     e.cfg.RoundFile,
		Logger:        e.log,
	})
	if err != nil {
		return err
	}
	e.timers, err = timer.New(e.rt, e.clk, timer.Config{Capacity: e.cfg.TimerCapacity}, e.log)
	if err != nil {
		return err
	}
	e.events, err = event.New(e.rt, event.Config{
		Capacity:    e.cfg.SubscribeCapacity,
		KeyCapacity: e.cfg.EventKeyCapacity,
	}, e.log)
	if err != nil {
		return err
	}
	e.trans, err = trans.New(e.rt, e.clk, trans.Config{
		Capacity: e.cfg.TransCapacity,
		PerTick:  e.cfg.TransPerTick,
	}, e.log)
	return err
}

// Register registers a user type. It must be called before Start.
func Register[T any](e *Engine, spec obj.Spec, hooks obj.Hooks) (obj.Kind[T], error) {
	if e.started {
		return obj.Kind[T]{}, ErrStarted
	}
	return obj.Register[T](e.rt, spec, hooks)
}

// RegisterTrans registers a transaction type whose payload T embeds
// trans.Base first. It must be called before Start.
func RegisterTrans[T any](e *Engine, spec obj.Spec, h trans.Handler) (obj.Kind[T], error) {
	if e.started {
		return obj.Kind[T]{}, ErrStarted
	}
	return trans.Register[T](e.trans, spec, h)
}

// Start closes registration, resumes or initialises every object and marks
// the region initialised so that a later Open may resume it.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	e.reg.Begin()
	if err := e.rt.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	e.started = true
	e.reg.MarkInitialized()
	if err := e.Checkpoint(ctx); err != nil {
		return err
	}

	if e.mp != nil {
		reg, err := telemetry.Register(e.mp, e.snapshot)
		if err != nil {
			return err
		}
		e.telem = reg
	}

	e.log.Info("shm: engine started",
		"instance", e.reg.InstanceID(),
		"resumed", e.rt.Resumed(),
		"clean", e.reg.Clean(),
		"path", e.cfg.Path)
	return nil
}

// Tick runs one frame: timers due by now fire, up to TransPerTick
// transactions are visited, and the region is committed when the
// checkpoint interval has elapsed.
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.reg.Begin()
	e.timers.Tick()
	e.trans.Tick()
	e.ticks++

	if e.cfg.CheckpointInterval == 0 || e.clk.Millis()-e.lastCommit >= e.cfg.CheckpointInterval.Milliseconds() {
		return e.Checkpoint(ctx)
	}
	return nil
}

// Checkpoint commits the region now and publishes a fresh snapshot.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.closed {
		return ErrClosed
	}
	if err := e.reg.Commit(ctx); err != nil {
		return err
	}
	e.lastCommit = e.clk.Millis()
	e.publish()
	return nil
}

// Run calls Tick every FrameInterval until ctx ends, then drains the
// transaction scheduler. A failed Tick stops the loop.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	ticker := time.NewTicker(e.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.Drain(context.WithoutCancel(ctx))
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return e.Drain(context.WithoutCancel(ctx))
				}
				e.log.Error("shm: tick failed", "err", err)
				return err
			}
		}
	}
}

// Drain keeps ticking until every transaction has finished and been
// released, or until DrainTimeout or ctx ends; whatever is still running
// then is finished with trans.CodeInterrupted. The region is committed
// before Drain returns.
func (e *Engine) Drain(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	start := time.Now()
	timeout := time.NewTimer(e.cfg.DrainTimeout)
	defer timeout.Stop()
	frame := time.NewTicker(e.cfg.FrameInterval)
	defer frame.Stop()

	for {
		e.reg.Begin()
		e.timers.Tick()
		e.trans.TickAll()
		e.ticks++
		if e.trans.AllFinished() {
			e.trans.TickAll()
			break
		}
		select {
		case <-frame.C:
			continue
		case <-timeout.C:
		case <-ctx.Done():
		}
		n := e.trans.Abort(trans.CodeInterrupted)
		e.trans.TickAll()
		e.log.Warn("shm: drain gave up", "interrupted", n, "elapsed", time.Since(start))
		break
	}

	remaining := e.trans.Count()
	e.log.Info("shm: drained", "elapsed", time.Since(start), "remaining", remaining)
	return e.Checkpoint(context.WithoutCancel(ctx))
}

// Shutdown drains and closes the engine.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	if e.started && !e.closed {
		err = e.Drain(ctx)
	}
	return errors.Join(err, e.Close())
}

// Close stops telemetry, commits and unmaps the region. It does not drain.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	var err error
	if e.telem != nil {
		err = e.telem.Unregister()
	}
	if e.started {
		e.publish()
	}
	e.closed = true
	return errors.Join(err, e.reg.Close())
}

func (e *Engine) ready() error {
	switch {
	case e.closed:
		return ErrClosed
	case !e.started:
		return ErrNotStarted
	}
	return nil
}

// Region returns the underlying mapping.
func (e *Engine) Region() *region.Region { return e.reg }

// Runtime returns the object runtime.
func (e *Engine) Runtime() *obj.Runtime { return e.rt }

// Timers returns the timer wheel.
func (e *Engine) Timers() *timer.Wheel { return e.timers }

// Events returns the event bus.
func (e *Engine) Events() *event.Bus { return e.events }

// Trans returns the transaction scheduler.
func (e *Engine) Trans() *trans.Manager { return e.trans }

// Clock returns the engine's time source.
func (e *Engine) Clock() clock.Clock { return e.clk }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config { return e.cfg }

// Stats computes a snapshot now. Call it from the logic goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		Instance:   e.reg.InstanceID(),
		Resumed:    e.rt.Resumed(),
		Clean:      e.reg.Clean(),
		Ticks:      e.ticks,
		RegionSize: len(e.reg.Bytes()),
		RegionFree: e.reg.Free(),
		Types:      e.rt.Stats(),
		GID:        e.rt.GIDStats(),
		Timers:     e.timers.Stats(),
		Events:     e.events.Stats(),
		Trans:      e.trans.Stats(),
	}
}

// LastStats returns the snapshot published at the last checkpoint. It is
// safe to call from any goroutine.
func (e *Engine) LastStats() (Stats, bool) {
	s := e.stats.Load()
	if s == nil {
		return Stats{}, false
	}
	return *s, true
}

// Check runs every component's consistency check.
func (e *Engine) Check() error {
	return errors.Join(e.rt.Check(), e.timers.Check(), e.events.Check(), e.trans.Check())
}

func (e *Engine) publish() {
	s := e.Stats()
	e.stats.Store(&s)
}

func (e *Engine) snapshot() telemetry.Snapshot {
	s, _ := e.LastStats()
	out := telemetry.Snapshot{
		GIDUsed:       s.GID.Used,
		GIDCapacity:   s.GID.Capacity,
		RegionSize:    s.RegionSize,
		RegionFree:    s.RegionFree,
		Timers:        s.Timers.Live,
		TimersFired:   s.Timers.Fired,
		Subscriptions: s.Events.Subscriptions,
		EventKeys:     s.Events.Keys,
		EventsFired:   s.Events.Fired,
		Trans:         s.Trans.Live,
		TransTimedOut: s.Trans.TimedOut,
		TransReleased: s.Trans.Released,
		Ticks:         s.Ticks,
	}
	for _, t := range s.Types {
		out.Types = append(out.Types, telemetry.TypeUsage{Name: t.Name, Live: t.Live, Capacity: t.Capacity})
	}
	return out
}
