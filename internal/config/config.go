// Package config holds the runtime configuration for a shmkit engine.
//
// Values start from Default and may be overridden from the environment with
// ParseEnv. Every field carries an `env` tag; unset variables keep the
// current value.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Mode selects whether Open initialises a fresh region or resumes an existing one.
type Mode string

const (
	// ModeAuto resumes when a valid region exists at Path, otherwise creates one.
	ModeAuto Mode = "auto"
	// ModeCreate always initialises a fresh region, discarding prior state.
	ModeCreate Mode = "create"
	// ModeResume requires a valid region at Path.
	ModeResume Mode = "resume"
)

// FlushMode names a durability level for checkpoints. See shm/dirty.
type FlushMode string

const (
	FlushAuto     FlushMode = "auto"
	FlushDataOnly FlushMode = "data"
	FlushFull     FlushMode = "full"
)

var (
	// ErrInvalid indicates a configuration value is out of range.
	ErrInvalid = errors.New("config: invalid value")
)

// Config is the complete engine configuration.
type Config struct {
	// Path of the region file. Empty selects an in-process heap region.
	Path string `env:"SHM_PATH"`
	// Size of the mapping in bytes.
	Size int `env:"SHM_SIZE"`
	// Mode is the create-vs-resume flag.
	Mode Mode `env:"SHM_MODE"`

	// GIDCapacity is the number of global ids; rounded up to a power of two.
	GIDCapacity int `env:"SHM_GID_CAPACITY"`
	// TimerCapacity bounds the number of live timers.
	TimerCapacity int `env:"SHM_TIMER_CAPACITY"`
	// SubscribeCapacity bounds the number of live event subscriptions.
	SubscribeCapacity int `env:"SHM_SUBSCRIBE_CAPACITY"`
	// EventKeyCapacity bounds the number of distinct event keys with subscribers.
	EventKeyCapacity int `env:"SHM_EVENT_KEY_CAPACITY"`
	// OwnerCapacity bounds the number of objects owning timers or subscriptions.
	OwnerCapacity int `env:"SHM_OWNER_CAPACITY"`
	// TransCapacity bounds the round-robin transaction vector.
	TransCapacity int `env:"SHM_TRANS_CAPACITY"`
	// TransPerTick is the number of transactions examined per tick.
	TransPerTick int `env:"SHM_TRANS_PER_TICK"`

	// FrameInterval is the period of Engine.Run.
	FrameInterval time.Duration `env:"SHM_FRAME_INTERVAL"`
	// CheckpointInterval is the minimum time between region commits. Zero
	// commits after every tick.
	CheckpointInterval time.Duration `env:"SHM_CHECKPOINT_INTERVAL"`
	// DrainTimeout bounds how long shutdown waits for transactions.
	DrainTimeout time.Duration `env:"SHM_DRAIN_TIMEOUT"`
	// FlushMode controls commit durability.
	FlushMode FlushMode `env:"SHM_FLUSH_MODE"`

	// RoundFile optionally persists the global-id round across cold starts.
	RoundFile string `env:"SHM_ROUND_FILE"`

	// LogLevel is the minimum level for the process logger.
	LogLevel slog.Level `env:"SHM_LOG_LEVEL"`
	// LogJSON selects the JSON handler.
	LogJSON bool `env:"SHM_LOG_JSON"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Size:               64 << 20,
		Mode:               ModeAuto,
		GIDCapacity:        1 << 20,
		TimerCapacity:      30000,
		SubscribeCapacity:  30000,
		EventKeyCapacity:   10000,
		OwnerCapacity:      30000,
		TransCapacity:      10000,
		TransPerTick:       100,
		FrameInterval:      10 * time.Millisecond,
		CheckpointInterval: time.Second,
		DrainTimeout:       15 * time.Second,
		FlushMode:          FlushAuto,
		LogLevel:           slog.LevelInfo,
	}
}

// ParseEnv overlays environment variables onto cfg.
func ParseEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load returns Default overlaid with the environment and validated.
func Load() (Config, error) {
	cfg := Default()
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeAuto, ModeCreate, ModeResume:
	default:
		return fmt.Errorf("mode %q: %w", c.Mode, ErrInvalid)
	}
	switch c.FlushMode {
	case FlushAuto, FlushDataOnly, FlushFull:
	default:
		return fmt.Errorf("flush mode %q: %w", c.FlushMode, ErrInvalid)
	}
	positive := []struct {
		name string
		v    int
	}{
		{"size", c.Size},
		{"gid capacity", c.GIDCapacity},
		{"timer capacity", c.TimerCapacity},
		{"subscribe capacity", c.SubscribeCapacity},
		{"event key capacity", c.EventKeyCapacity},
		{"owner capacity", c.OwnerCapacity},
		{"trans capacity", c.TransCapacity},
		{"trans per tick", c.TransPerTick},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s %d: %w", p.name, p.v, ErrInvalid)
		}
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("frame interval %s: %w", c.FrameInterval, ErrInvalid)
	}
	if c.CheckpointInterval < 0 || c.DrainTimeout < 0 {
		return fmt.Errorf("negative interval: %w", ErrInvalid)
	}
	return nil
}
