package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newVerifyCmd())
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <region>",
		Short: "Check a region's internal consistency",
		Long: `The verify command resumes a region without starting it and walks the
global id table, the built-in object segments, the timer wheel and the
event bus. Transaction entries name user types and are checked by the
engine that registers them.

The command fails if any check fails or if the last writer did not commit.

Example:
  shmctl verify /dev/shm/world.shm`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, args)
		},
	}
	return cmd
}

type verifyResult struct {
	Path   string   `json:"path"`
	Clean  bool     `json:"clean"`
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

var errVerifyFailed = errors.New("verification failed")

func runVerify(cmd *cobra.Command, args []string) (err error) {
	eng, err := openResumed(cmd, args[0])
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, eng.Close()) }()

	res := verifyResult{Path: args[0], Clean: eng.Region().Clean()}
	checks := []struct {
		name string
		fn   func() error
	}{
		{"objects", eng.Runtime().Check},
		{"timers", eng.Timers().Check},
		{"events", eng.Events().Check},
	}
	for _, c := range checks {
		printVerbose("Checking %s\n", c.name)
		if cerr := c.fn(); cerr != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", c.name, cerr))
		}
	}
	if !res.Clean {
		res.Errors = append(res.Errors, "region was not committed by its last writer")
	}
	res.OK = len(res.Errors) == 0

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		for _, e := range res.Errors {
			printInfo("  FAIL %s\n", e)
		}
		if res.OK {
			printInfo("%s: OK\n", res.Path)
		}
	}
	if !res.OK {
		return errVerifyFailed
	}
	return nil
}
