package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bubbleform/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var (
		sets   []string
		export string
	)

	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate scenario files",
		Long: `Validate CUE scenario files against the scenario schema.

This command checks:
  - CUE syntax validity
  - Schema conformance (types, ranges, required fields)
  - Field constraints (spray window, lineup catalogue)
  - The boundary script, when one is set, compiles and defines boundary()`,
		Example: `  # Validate a scenario
  bubbleform validate scenarios/baseline.cue

  # Validate a directory of scenario fragments with an override
  bubbleform validate ./scenarios --set procedure.drain_target_level=30

  # Print the resolved scenario as JSON
  bubbleform validate scenarios/baseline.cue --export json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().
				Strs("paths", args).
				Strs("set", sets).
				Msg("Validating scenario")

			sc, err := loadScenario(ctx, args, sets)
			if err != nil {
				return err
			}

			if sc.BoundaryScript != "" {
				eval := config.NewStarlarkEvaluator(0, 0)
				if _, err := eval.LoadBoundaryScript(ctx, sc.BoundaryScript); err != nil {
					return fmt.Errorf("boundary script: %w", err)
				}
			}

			parser := config.NewCUEParser()
			switch export {
			case "":
			case "json":
				out, err := parser.ExportJSON(sc)
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			case "cue":
				out, err := parser.ExportCUE(sc)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			default:
				return fmt.Errorf("unknown export format %q (want json or cue)", export)
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"valid": true, "scenario": sc.Name})
			}
			fmt.Printf("✓ Scenario %s is valid\n", sc.Name)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a scenario field (path=value)")
	cmd.Flags().StringVar(&export, "export", "", "print the resolved scenario (json or cue)")

	return cmd
}
