// Package logger holds the process-wide structured logger.
//
// L discards everything until Init is called, so library code can log
// unconditionally. Error-level records pass through a per-message rate
// limiter; a pool that is out of capacity would otherwise log once per
// failed allocation, every tick.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// L is the global logger instance. It's initialized to discard all output by default.
var L *slog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// DefaultRates bounds error records sharing one message: 10 per second and
// 120 per minute.
var DefaultRates = map[time.Duration]int{
	time.Second: 10,
	time.Minute: 120,
}

// Options configures the logger initialization.
type Options struct {
	Enabled bool                  // If false, all logging is discarded
	Writer  io.Writer             // Destination. Default: os.Stderr
	Level   slog.Level            // Minimum log level
	JSON    bool                  // JSON handler instead of text
	Rates   map[time.Duration]int // Error rate limits; nil uses DefaultRates, empty disables
}

// Init configures logging. Call from main() before any log calls.
func Init(opts Options) {
	L = New(opts)
}

// New builds a logger without touching L.
func New(opts Options) *slog.Logger {
	if !opts.Enabled {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	rates := opts.Rates
	if rates == nil {
		rates = DefaultRates
	}
	if len(rates) != 0 {
		h = NewRateLimited(h, catrate.NewLimiter(rates))
	}
	return slog.New(h)
}

// Or returns l, or L when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return L
}

// RateLimited drops error records whose message exceeded the limiter's rates.
// Lower levels pass through untouched.
type RateLimited struct {
	next    slog.Handler
	limiter *catrate.Limiter
}

// NewRateLimited wraps next.
func NewRateLimited(next slog.Handler, limiter *catrate.Limiter) *RateLimited {
	return &RateLimited{next: next, limiter: limiter}
}

func (h *RateLimited) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RateLimited) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		if _, ok := h.limiter.Allow(r.Message); !ok {
			return nil
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *RateLimited) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RateLimited{next: h.next.WithAttrs(attrs), limiter: h.limiter}
}

func (h *RateLimited) WithGroup(name string) slog.Handler {
	return &RateLimited{next: h.next.WithGroup(name), limiter: h.limiter}
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { L.Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { L.Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { L.Warn(msg, args...) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) { L.Error(msg, args...) }
