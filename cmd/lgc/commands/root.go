package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var logLevel string

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitWith wraps err with an explicit exit code.
func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(os.Stderr, "ERROR %s\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(os.Stderr, "ERROR %s\n", err)
	return 1
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lgc",
		Short: "LogCraft CLI - Detection-as-Code deployment engine",
		Long: `LogCraft CLI deploys security detection rules to SIEM/EDR/XDR backends.

Detections live as files in a version-controlled workspace; lgc computes the
delta between the workspace, the persisted state, and what the remote systems
report, then applies it through sandboxed WebAssembly plugins.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServicesCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPingCommand())
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newApplyCommand(version))
	rootCmd.AddCommand(newDestroyCommand(version))

	return rootCmd
}
