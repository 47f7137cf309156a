package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bubbleform/pkg/runner"
)

func newSweepCommand() *cobra.Command {
	var (
		param   string
		values  []string
		sets    []string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "sweep [path]...",
		Short: "Run a scenario across a range of one parameter",
		Long: `Run one variant of a scenario per value of a parameter, in parallel.

Each variant is journaled as its own run. A failed variant does not stop
the others; the command fails if any variant failed.`,
		Example: `  # Sweep heater power on the baseline scenario
  bubbleform sweep --param heaters.power_kw --values 60,80,100

  # Sweep the drain target of a scenario file on 8 workers
  bubbleform sweep scenarios/baseline.cue --param procedure.drain_target_level --values 20,25,30,35 --workers 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if param == "" || len(values) == 0 {
				return fmt.Errorf("--param and --values are required")
			}

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if !cmd.Flags().Changed("workers") {
				workers = e.app.Sweep.Workers
			}

			log.Info().
				Str("param", param).
				Strs("values", values).
				Int("workers", workers).
				Msg("Sweeping scenario")

			sc, err := loadScenario(ctx, args, sets)
			if err != nil {
				return err
			}
			variants, err := runner.Variants(sc, param, values)
			if err != nil {
				return err
			}

			if err := e.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			r := runner.New(runner.Options{
				Telemetry:        e.tel,
				Journal:          e.journal,
				JournalStepEvery: e.app.Journal.StepEvery,
				Redis:            e.redis,
			})
			results, sweepErr := r.Sweep(ctx, variants, workers)

			if jsonOutput {
				if err := printJSON(sweepJSON(results)); err != nil {
					return err
				}
				return sweepErr
			}

			printSweep(newPrinter(), param, values, results)
			return sweepErr
		},
	}

	cmd.Flags().StringVar(&param, "param", "", "scenario field to vary (dotted path)")
	cmd.Flags().StringSliceVar(&values, "values", nil, "comma-separated values of the field")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a scenario field for every variant (path=value)")
	cmd.Flags().IntVar(&workers, "workers", 4, "parallel runs (default from the app config)")

	return cmd
}

type sweepRow struct {
	Variant string          `json:"variant"`
	Summary *runner.Summary `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func sweepJSON(results []runner.SweepResult) []sweepRow {
	rows := make([]sweepRow, len(results))
	for i, res := range results {
		rows[i] = sweepRow{Variant: res.Variant, Summary: res.Summary}
		if res.Err != nil {
			rows[i].Error = res.Err.Error()
		}
	}
	return rows
}

func printSweep(p *printer, param string, values []string, results []runner.SweepResult) {
	fmt.Printf("Sweep of %s over %s\n\n", param, strings.Join(values, ", "))
	fmt.Printf("  %-12s %-11s %-11s %8s %9s %8s %6s %6s\n",
		"VALUE", "STATUS", "PHASE", "HOURS", "PSIA", "DRIFT%", "HOLDS", "ALARMS")

	for i, res := range results {
		if res.Summary == nil {
			fmt.Printf("  %-12s %s %v\n", values[i], p.bad("error"), res.Err)
			continue
		}
		s := res.Summary
		fmt.Printf("  %-12s %s%-11s %8.3f %9.1f %8.4f %6d %6d\n",
			values[i],
			padRight(p.status(s.Status), len(s.Status), 11),
			s.FinalPhase,
			s.SimHours,
			s.Pressure,
			s.Ledger.DriftPct,
			s.ClosureFailures,
			s.Alarms,
		)
	}

	for _, res := range results {
		if res.Err != nil && res.Summary != nil {
			fmt.Printf("\n%s %s: %v", p.bad("✗"), res.Variant, res.Err)
		}
	}
	fmt.Println()
}
