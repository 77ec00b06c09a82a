package shm

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/joshuapare/shmkit/shm/clock"
)

// Option configures Open.
type Option func(*options)

type options struct {
	log *slog.Logger
	clk clock.Clock
	mp  metric.MeterProvider
}

// WithLogger sets the logger every component logs through. Default logger.L.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock replaces the system clock, typically with a clock.Manual in tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clk = c }
}

// WithMeterProvider exports engine statistics as observable instruments on mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.mp = mp }
}
