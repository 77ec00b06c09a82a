/*
Package shm is the public entry point of shmkit: an object runtime whose
entire mutable state lives in one memory-mapped region, so a server process
can restart or hot-upgrade without serializing anything.

# Quick Start

	cfg := config.Default()
	cfg.Path = "/dev/shm/world.shm"

	eng, err := shm.Open(cfg)
	if err != nil {
	    log.Fatal(err)
	}
	players, err := shm.Register[Player](eng, obj.Spec{
	    ID: obj.FirstUserType, Name: "player", Capacity: 10000,
	}, playerHooks{})
	if err != nil {
	    log.Fatal(err)
	}
	if err := eng.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer eng.Close()

	err = eng.Run(ctx) // ticks until ctx ends, then drains transactions

# Lifecycle

Open maps the region and decides, once, whether it is created fresh or
resumed. Types are registered between Open and Start with the same ids and
payload layouts on every run; Start then calls every live object's Resume
hook on a resumed region, or creates singleton objects on a fresh one.

Each Tick opens a mutation unit on the region, advances the timer wheel and
the transaction scheduler, and commits dirty pages when the checkpoint
interval has elapsed. A process that dies between Begin and Commit leaves the
region marked unclean; the next Open still resumes it and logs a warning.

# Concurrency

An Engine has exactly one mutator. Open, Register, Start, Tick, Run and every
method of the runtime, wheel, bus and scheduler must be called from the same
goroutine. LastStats is the exception: it returns the snapshot published at
the last checkpoint and is safe from any goroutine, which is what the
telemetry gauges read.
*/
package shm
