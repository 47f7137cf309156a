package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	noColor    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bubbleform",
		Short: "bubbleform - pressurizer bubble formation simulator",
		Long: `bubbleform drives a pressurizer from the first vapour signal through
bubble formation during a cold-shutdown heatup.

Features:
  - Two-phase mass/energy closure with a classified failure taxonomy
  - Phase state machine: detection, verification, drain, stabilize, pressurize
  - CVCS drain policy with letdown lineups and CCP start
  - Mass and energy conservation ledger with drift alarms
  - Scenarios in CUE, boundary scripts in Starlark
  - SQLite run journal, Redis event sink, Prometheus metrics, OpenTelemetry spans`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "bubbleform.yaml", "application config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSolveCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
