package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/shmkit/internal/config"
	"github.com/joshuapare/shmkit/internal/logger"
	"github.com/joshuapare/shmkit/pkg/shm"
	"github.com/joshuapare/shmkit/shm/obj"
)

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <region>",
		Short: "Show object, timer, event and transaction usage",
		Long: `The stats command resumes a region without starting it and prints the
usage of every runtime layer. Types stored in the region but not known to
shmctl are listed from the region's type table.

The region lock is taken for the duration of the command.

Example:
  shmctl stats /dev/shm/world.shm
  shmctl stats world.shm --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, args)
		},
	}
	return cmd
}

type statsResult struct {
	shm.Stats
	Stored []obj.StoredType
}

func openResumed(cmd *cobra.Command, path string) (*shm.Engine, error) {
	cfg, err := loadConfig(cmd, path, config.ModeResume)
	if err != nil {
		return nil, err
	}
	printVerbose("Opening region: %s\n", path)
	eng, err := shm.Open(cfg, shm.WithLogger(logger.L))
	if err != nil {
		return nil, fmt.Errorf("failed to open region: %w", err)
	}
	return eng, nil
}

func runStats(cmd *cobra.Command, args []string) (err error) {
	eng, err := openResumed(cmd, args[0])
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, eng.Close()) }()

	res := statsResult{Stats: eng.Stats(), Stored: eng.Runtime().StoredTypes()}
	if jsonOut {
		return printJSON(res)
	}

	s := res.Stats
	printInfo("\nRegion: %s\n", args[0])
	printInfo("  Instance: %s\n", s.Instance)
	printInfo("  Clean: %t\n", s.Clean)
	printInfo("  Size: %s (%s free)\n", formatBytes(s.RegionSize), formatBytes(s.RegionFree))

	printInfo("\nGlobal ids:\n")
	printInfo("  Used: %d / %d\n", s.GID.Used, s.GID.Capacity)
	printInfo("  Round: %d (span %d)\n", s.GID.Round, s.GID.RoundSpan)

	printInfo("\nTypes (%d):\n", len(res.Stored))
	live := make(map[obj.TypeID]obj.TypeStats, len(s.Types))
	for _, ts := range s.Types {
		live[ts.ID] = ts
	}
	for _, st := range res.Stored {
		ts, ok := live[st.ID]
		switch {
		case ok:
			printInfo("  %-5d %-16s %6d / %-6d %s\n", st.ID, ts.Name, ts.Live, ts.Capacity, formatBytes(ts.Size))
		default:
			printInfo("  %-5d %-16s %6s / %-6d %s\n", st.ID, "(unregistered)", "-", st.Capacity, formatBytes(st.Size))
		}
	}

	printInfo("\nTimers:\n")
	printInfo("  Live: %d / %d\n", s.Timers.Live, s.Timers.Capacity)
	printInfo("  Fired: %d\n", s.Timers.Fired)
	printInfo("  Busiest slot: %d\n", s.Timers.Busiest)

	printInfo("\nEvents:\n")
	printInfo("  Subscriptions: %d / %d\n", s.Events.Subscriptions, s.Events.Capacity)
	printInfo("  Keys: %d\n", s.Events.Keys)
	printInfo("  Fired: %d (delivered %d, aborted %d)\n", s.Events.Fired, s.Events.Delivered, s.Events.Aborted)

	printInfo("\nTransactions:\n")
	printInfo("  Live: %d / %d\n", s.Trans.Live, s.Trans.Capacity)
	printInfo("  Created: %d\n", s.Trans.Created)
	printInfo("  Released: %d\n", s.Trans.Released)
	printInfo("  Timed out: %d\n", s.Trans.TimedOut)
	return nil
}
