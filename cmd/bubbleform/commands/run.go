package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bubbleform/pkg/config"
	"github.com/openfroyo/bubbleform/pkg/engine"
	"github.com/openfroyo/bubbleform/pkg/runner"
	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		sets  []string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "run [path]...",
		Short: "Run a heatup scenario",
		Long: `Run a scenario from the first vapour signal through bubble formation.

The run steps the engine until COMPLETE, the scenario's max_hours, a fatal
engine error or an interrupt. Phase transitions and alarms are printed as
they happen through the telemetry event publisher; the full event stream
goes to the log, the run journal and the Redis sink when those are
enabled.

Without a path the built-in baseline scenario is run.`,
		Example: `  # Run the baseline scenario
  bubbleform run

  # Run a scenario file with overrides
  bubbleform run scenarios/baseline.cue --set heaters.power_kw=100

  # Re-run whenever the scenario or its boundary script changes
  bubbleform run scenarios/ --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().
				Strs("paths", args).
				Strs("set", sets).
				Bool("watch", watch).
				Msg("Running scenario")

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			p := newPrinter()
			if !jsonOutput {
				e.tel.Events.Subscribe(livePrinter(p), liveFilter())
			}
			r := runner.New(runner.Options{
				Telemetry:        e.tel,
				Journal:          e.journal,
				JournalStepEvery: e.app.Journal.StepEvery,
				Redis:            e.redis,
			})

			runOnce := func(ctx context.Context) (*config.Scenario, error) {
				sc, err := loadScenario(ctx, args, sets)
				if err != nil {
					return nil, err
				}
				if !jsonOutput {
					fmt.Printf("Running scenario %s (step %.0fs, limit %.1fh)\n\n", sc.Name, sc.Run.StepSeconds, sc.Run.MaxHours)
				}
				sum, err := r.Run(ctx, sc)
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				if ferr := e.tel.Flush(fctx); ferr != nil {
					log.Warn().Err(ferr).Msg("Failed to flush run spans")
				}
				cancel()
				if sum != nil {
					if perr := printSummary(p, sum); perr != nil {
						return &sc, perr
					}
				}
				return &sc, err
			}

			if watch && len(args) == 0 {
				return errors.New("--watch needs at least one scenario path")
			}

			sc, err := runOnce(ctx)
			if !watch {
				return err
			}
			if err != nil {
				log.Error().Err(err).Msg("Run failed")
			}

			paths := append([]string(nil), args...)
			if sc != nil && sc.BoundaryScript != "" {
				paths = append(paths, filepath.Dir(sc.BoundaryScript))
			}
			watcher, err := config.NewScenarioWatcher(paths, config.DefaultWatchDelay, e.tel.Logger)
			if err != nil {
				return err
			}

			fmt.Println("\nWatching for changes (Ctrl-C to stop)...")
			return watcher.Run(ctx, func(ctx context.Context) error {
				fmt.Println("\nScenario changed, re-running")
				_, err := runOnce(ctx)
				return err
			})
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a scenario field (path=value)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-run when scenario sources change")

	return cmd
}

// liveFilter passes engine phase transitions and engine events at warning
// severity or above, or every engine event when verbose.
func liveFilter() telemetry.EventFilter {
	transitions := telemetry.FilterByType(engine.EventKindTransition)
	alerts := telemetry.FilterByLevel(telemetry.EventLevelWarning)
	return func(ev telemetry.Event) bool {
		if ev.Source != "engine" {
			return false
		}
		return verbose || transitions(ev) || alerts(ev)
	}
}

// livePrinter prints published engine events while a run is in progress.
func livePrinter(p *printer) telemetry.EventSubscriber {
	return func(ev telemetry.Event) {
		fmt.Printf("  %s %-10s %-24s %s\n",
			p.dim(fmt.Sprintf("t=%6.3fh", ev.SimTime)),
			p.phase(engine.Phase(ev.Phase)),
			p.severity(ev.Level, ev.Type),
			ev.Message,
		)
	}
}

func printSummary(p *printer, sum *runner.Summary) error {
	if jsonOutput {
		out := struct {
			*runner.Summary
			Error string `json:"error,omitempty"`
		}{Summary: sum}
		if sum.Err != nil {
			out.Error = sum.Err.Error()
		}
		return printJSON(out)
	}

	fmt.Printf("\nRun %s: %s\n", sum.RunID, p.status(sum.Status))
	fmt.Printf("  Final phase:   %s\n", p.phase(sum.FinalPhase))
	fmt.Printf("  Simulated:     %.3f h in %d steps (%s wall)\n", sum.SimHours, sum.Steps, sum.Duration.Round(time.Millisecond))
	fmt.Printf("  Pressure:      %.1f psia\n", sum.Pressure)
	fmt.Printf("  Level:         %.1f %%\n", sum.Level)

	if sum.Handoff != nil {
		result := p.ok("passed")
		if !sum.Handoff.Passed {
			result = p.bad("rejected: " + sum.Handoff.Failure)
		}
		fmt.Printf("  Handoff:       %s (delta %.3f lbm)\n", result, sum.Handoff.RawDelta)
	}

	fmt.Printf("  Mass drift:    %.4f %% (%s)\n", sum.Ledger.DriftPct, sum.Ledger.DriftState)
	fmt.Printf("  Inventory:     %.4f %% (%s)\n", sum.Ledger.InventoryErrorPct, sum.Ledger.InventoryState)

	failures := fmt.Sprintf("%d", sum.ClosureFailures)
	if sum.ClosureFailures > 0 {
		failures = p.warn(failures)
	}
	alarms := fmt.Sprintf("%d", sum.Alarms)
	if sum.Alarms > 0 {
		alarms = p.bad(alarms)
	}
	fmt.Printf("  Closure holds: %s\n", failures)
	if sum.LevelHolds > 0 {
		fmt.Printf("  Level holds:   %s\n", p.warn(fmt.Sprintf("%d", sum.LevelHolds)))
	}
	fmt.Printf("  Alarms:        %s\n", alarms)
	if c := sum.Controller; c != nil {
		fmt.Printf("  Level control: setpoint %.2f %%, charging bias %.1f gpm\n", c.Setpoint, c.Bias)
	}

	if len(sum.Transitions) > 0 {
		fmt.Println("\nTransitions:")
		for _, tr := range sum.Transitions {
			fmt.Printf("  %8.3fh  %-12s -> %-12s %s\n", tr.SimTime, tr.From, tr.To, p.dim(string(tr.Reason)))
		}
	}

	if sum.Err != nil {
		fmt.Printf("\n%s %v\n", p.bad("Error:"), sum.Err)
	}
	return nil
}
