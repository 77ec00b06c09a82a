package shm

import "errors"

var (
	// ErrStarted indicates a registration after Start.
	ErrStarted = errors.New("shm: engine already started")

	// ErrNotStarted indicates Tick or Run before Start.
	ErrNotStarted = errors.New("shm: engine not started")

	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("shm: engine closed")
)
