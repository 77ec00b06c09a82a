package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/shmkit/internal/config"
	"github.com/joshuapare/shmkit/internal/logger"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool

	// Layout flags. They must match the values the region was created with.
	gidCapacity       int
	timerCapacity     int
	subscribeCapacity int
	eventKeyCapacity  int
	ownerCapacity     int
	transCapacity     int
)

var rootCmd = &cobra.Command{
	Use:   "shmctl",
	Short: "Create and inspect shmkit region files",
	Long: `shmctl creates, inspects and verifies the memory-mapped region files
a shmkit engine keeps its object state in.

Capacity flags default to the SHM_* environment variables, then to the
built-in defaults. Commands that open the runtime layers need the same
capacities the region was created with.`,
	Version:           "0.1.0",
	PersistentPreRunE: setupLogging,
	SilenceUsage:      true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")

	def := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.IntVar(&gidCapacity, "gid-capacity", def.GIDCapacity, "Global id table size")
	pf.IntVar(&timerCapacity, "timer-capacity", def.TimerCapacity, "Timer capacity")
	pf.IntVar(&subscribeCapacity, "subscribe-capacity", def.SubscribeCapacity, "Event subscription capacity")
	pf.IntVar(&eventKeyCapacity, "event-key-capacity", def.EventKeyCapacity, "Distinct event key capacity")
	pf.IntVar(&ownerCapacity, "owner-capacity", def.OwnerCapacity, "Objects owning timers or subscriptions")
	pf.IntVar(&transCapacity, "trans-capacity", def.TransCapacity, "Transaction vector capacity")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	opts := logger.Options{Enabled: !quiet, Level: slog.LevelWarn, Writer: os.Stderr}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	logger.Init(opts)
	return nil
}

// loadConfig builds the engine configuration for path: defaults, then the
// environment, then any capacity flag set on the command line.
func loadConfig(cmd *cobra.Command, path string, mode config.Mode) (config.Config, error) {
	cfg := config.Default()
	if err := config.ParseEnv(&cfg); err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	set := func(name string, dst *int, v int) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("gid-capacity", &cfg.GIDCapacity, gidCapacity)
	set("timer-capacity", &cfg.TimerCapacity, timerCapacity)
	set("subscribe-capacity", &cfg.SubscribeCapacity, subscribeCapacity)
	set("event-key-capacity", &cfg.EventKeyCapacity, eventKeyCapacity)
	set("owner-capacity", &cfg.OwnerCapacity, ownerCapacity)
	set("trans-capacity", &cfg.TransCapacity, transCapacity)
	cfg.Path = path
	cfg.Mode = mode
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatBytes(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d bytes", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}
