package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bubbleform/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run journal",
		Long: `List, show and delete runs recorded in the SQLite run journal.

The journal holds every run's status, sampled steps, phase transitions,
events and closure diagnostics.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsDeleteCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		scenario string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled runs, newest first",
		Example: `  # List the last 20 runs
  bubbleform runs list

  # List the runs of one scenario
  bubbleform runs list --scenario baseline`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.requireJournal(); err != nil {
				return err
			}

			runs, err := e.journal.ListRuns(ctx, scenario, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("No runs journaled")
				return nil
			}

			p := newPrinter()
			fmt.Printf("%-36s  %-24s %-11s %-11s %8s %7s  %s\n",
				"ID", "SCENARIO", "STATUS", "PHASE", "HOURS", "STEPS", "STARTED")
			for _, run := range runs {
				fmt.Printf("%-36s  %-24s %s%-11s %8.3f %7d  %s\n",
					run.ID,
					truncate(run.Scenario, 24),
					padRight(p.status(run.Status), len(run.Status), 11),
					run.FinalPhase,
					run.SimHours,
					run.Steps,
					run.StartedAt.Local().Format("2006-01-02 15:04:05"),
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scenario, "scenario", "", "only runs of this scenario")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var (
		events     int
		severity   string
		failedOnly bool
	)

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's transitions, events and closure failures",
		Example: `  # Show a run
  bubbleform runs show 3f0c9a52-...

  # Show up to 200 alarm events
  bubbleform runs show 3f0c9a52-... --events 200 --severity alarm`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.requireJournal(); err != nil {
				return err
			}

			run, err := e.journal.GetRun(ctx, id)
			if err != nil {
				return err
			}
			transitions, err := e.journal.ListTransitions(ctx, id)
			if err != nil {
				return err
			}
			evs, err := e.journal.GetEvents(ctx, stores.EventFilter{RunID: id, Severity: severity}, events, 0)
			if err != nil {
				return err
			}
			traces, err := e.journal.ListClosureTraces(ctx, id, failedOnly)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"run":         run,
					"transitions": transitions,
					"events":      evs,
					"closures":    traces,
				})
			}

			p := newPrinter()
			fmt.Printf("Run %s\n", run.ID)
			fmt.Printf("  Scenario:    %s\n", run.Scenario)
			fmt.Printf("  Status:      %s\n", p.status(run.Status))
			fmt.Printf("  Final phase: %s\n", run.FinalPhase)
			fmt.Printf("  Simulated:   %.3f h in %d steps\n", run.SimHours, run.Steps)
			fmt.Printf("  Started:     %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
			if run.CompletedAt != nil {
				fmt.Printf("  Finished:    %s\n", run.CompletedAt.Local().Format("2006-01-02 15:04:05"))
			}
			if run.Error != nil {
				fmt.Printf("  Error:       %s\n", p.bad(*run.Error))
			}

			if len(transitions) > 0 {
				fmt.Println("\nTransitions:")
				for _, tr := range transitions {
					fmt.Printf("  step %6d  %8.3fh  %-12s -> %-12s %s\n",
						tr.Step, tr.SimTime, tr.FromPhase, tr.ToPhase, p.dim(tr.Reason))
				}
			}

			if len(evs) > 0 {
				fmt.Println("\nEvents:")
				for _, ev := range evs {
					fmt.Printf("  %8.3fh  %-12s %s%s\n",
						ev.SimTime, ev.Phase,
						padRight(p.severity(ev.Severity, ev.Kind), len(ev.Kind), 24),
						ev.Message)
				}
			}

			if len(traces) > 0 {
				fmt.Println("\nClosures:")
				for _, tr := range traces {
					outcome := p.ok(tr.Outcome)
					if !tr.Committed {
						outcome = p.bad(tr.Outcome + " " + tr.Reason)
					}
					fmt.Printf("  step %6d  %-12s attempt %d  %3d iterations  %9.3f psia  %s\n",
						tr.Step, tr.Phase, tr.Attempt, tr.Iterations, tr.Pressure, outcome)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&events, "events", 100, "maximum events to show")
	cmd.Flags().StringVar(&severity, "severity", "", "only events of this severity (info, warning, alarm, critical)")
	cmd.Flags().BoolVar(&failedOnly, "failed-closures", true, "show only failed closure attempts")

	return cmd
}

func newRunsDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Delete runs and their journal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.requireJournal(); err != nil {
				return err
			}

			for _, id := range args {
				if err := e.journal.DeleteRun(ctx, id); err != nil {
					return err
				}
				log.Info().Str("run_id", id).Msg("Run deleted")
				fmt.Printf("✓ Deleted run %s\n", id)
			}
			return nil
		},
	}

	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// padRight pads a coloured string whose visible length is n to width.
func padRight(s string, n, width int) string {
	if n >= width {
		return s + " "
	}
	return s + fmt.Sprintf("%*s", width-n+1, "")
}
