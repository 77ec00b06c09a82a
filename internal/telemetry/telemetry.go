// Package telemetry exports engine statistics as OpenTelemetry observable
// instruments.
//
// Nothing is measured on the hot path. Every instrument is asynchronous and
// reads a Snapshot when the meter provider collects, on the collector's own
// schedule. Without a configured provider the global no-op one is used.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of every instrument.
const ScopeName = "github.com/joshuapare/shmkit"

// TypeUsage is the occupancy of one object type.
type TypeUsage struct {
	Name     string
	Live     int
	Capacity int
}

// Snapshot is the set of values one collection reports.
type Snapshot struct {
	Types []TypeUsage

	GIDUsed     int
	GIDCapacity int

	RegionSize int
	RegionFree int

	Timers      int
	TimersFired uint64

	Subscriptions int
	EventKeys     int
	EventsFired   uint64

	Trans         int
	TransTimedOut uint64
	TransReleased uint64

	Ticks uint64
}

// Source produces a Snapshot. It is called from the collector's goroutine,
// so it must only read state that is safe to read concurrently with the
// logic loop.
type Source func() Snapshot

// Register creates the engine instruments on mp (the global provider when
// nil) and binds them to src. Unregister the returned registration to stop
// reporting.
func Register(mp metric.MeterProvider, src Source) (metric.Registration, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(ScopeName)

	var (
		i   instruments
		err error
	)
	gauge := func(name, desc, unit string) metric.Int64ObservableGauge {
		if err != nil {
			return nil
		}
		var g metric.Int64ObservableGauge
		g, err = m.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return g
	}
	counter := func(name, desc string) metric.Int64ObservableCounter {
		if err != nil {
			return nil
		}
		var c metric.Int64ObservableCounter
		c, err = m.Int64ObservableCounter(name, metric.WithDescription(desc))
		return c
	}

	i.objLive = gauge("shm.objects.live", "Live objects per type.", "{object}")
	i.objCap = gauge("shm.objects.capacity", "Fixed object capacity per type.", "{object}")
	i.gidUsed = gauge("shm.gid.used", "Global ids in use.", "{id}")
	i.gidCap = gauge("shm.gid.capacity", "Global id table size.", "{id}")
	i.regionSize = gauge("shm.region.size", "Mapped region size.", "By")
	i.regionFree = gauge("shm.region.free", "Region bytes not yet carved into extents.", "By")
	i.timers = gauge("shm.timer.live", "Scheduled timers.", "{timer}")
	i.subs = gauge("shm.event.subscriptions", "Live event subscriptions.", "{subscription}")
	i.keys = gauge("shm.event.keys", "Event keys with subscribers.", "{key}")
	i.trans = gauge("shm.trans.live", "Transactions in the round-robin vector.", "{trans}")
	i.timersFired = counter("shm.timer.fired", "Timer callbacks run.")
	i.eventsFired = counter("shm.event.fired", "Fire calls.")
	i.transTimedOut = counter("shm.trans.timed_out", "Transactions finished by timeout.")
	i.transReleased = counter("shm.trans.released", "Transactions released.")
	i.ticks = counter("shm.engine.ticks", "Engine ticks.")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	reg, err := m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		i.observe(o, src())
		return nil
	}, i.all()...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return reg, nil
}

type instruments struct {
	objLive, objCap                     metric.Int64ObservableGauge
	gidUsed, gidCap                     metric.Int64ObservableGauge
	regionSize, regionFree              metric.Int64ObservableGauge
	timers, subs, keys, trans           metric.Int64ObservableGauge
	timersFired, eventsFired            metric.Int64ObservableCounter
	transTimedOut, transReleased, ticks metric.Int64ObservableCounter
}

func (i *instruments) all() []metric.Observable {
	return []metric.Observable{
		i.objLive, i.objCap, i.gidUsed, i.gidCap, i.regionSize, i.regionFree,
		i.timers, i.subs, i.keys, i.trans,
		i.timersFired, i.eventsFired, i.transTimedOut, i.transReleased, i.ticks,
	}
}

func (i *instruments) observe(o metric.Observer, s Snapshot) {
	for _, t := range s.Types {
		attrs := metric.WithAttributes(attribute.String("type", t.Name))
		o.ObserveInt64(i.objLive, int64(t.Live), attrs)
		o.ObserveInt64(i.objCap, int64(t.Capacity), attrs)
	}
	o.ObserveInt64(i.gidUsed, int64(s.GIDUsed))
	o.ObserveInt64(i.gidCap, int64(s.GIDCapacity))
	o.ObserveInt64(i.regionSize, int64(s.RegionSize))
	o.ObserveInt64(i.regionFree, int64(s.RegionFree))
	o.ObserveInt64(i.timers, int64(s.Timers))
	o.ObserveInt64(i.subs, int64(s.Subscriptions))
	o.ObserveInt64(i.keys, int64(s.EventKeys))
	o.ObserveInt64(i.trans, int64(s.Trans))
	o.ObserveInt64(i.timersFired, int64(s.TimersFired))
	o.ObserveInt64(i.eventsFired, int64(s.EventsFired))
	o.ObserveInt64(i.transTimedOut, int64(s.TransTimedOut))
	o.ObserveInt64(i.transReleased, int64(s.TransReleased))
	o.ObserveInt64(i.ticks, int64(s.Ticks))
}
