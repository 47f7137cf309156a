package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bubbleform/pkg/config"
)

const sampleBoundaryScript = `# Boundary script for bubbleform scenarios.
#
# boundary() is called once per step with the simulated time in hours, the
# current phase, the level in percent and the pressure in psia. It returns
# the heater, loss and CVCS terms for the step; omitted keys are zero.
# ramp(x, x0, x1, y0, y1) and clamp(x, lo, hi) are predeclared.

def boundary(t_hr, phase, level_pct, pressure_psia):
    out = {
        "heater_kw": ramp(t_hr, 0.0, 0.5, 60.0, 80.0),
        "conduction_loss": 60000.0,
        "insulation_loss": 40000.0,
    }
    return out
`

func newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a bubbleform workspace",
		Long: `Initialize a workspace with an application config, a baseline scenario,
a sample boundary script and an empty run journal.

Existing files are kept unless --force is given.`,
		Example: `  # Initialize the current directory
  bubbleform init

  # Initialize another directory, overwriting existing files
  bubbleform init --dir ./heatup --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().
				Str("dir", dir).
				Bool("force", force).
				Msg("Initializing workspace")

			fmt.Printf("Initializing bubbleform workspace in %s\n\n", dir)

			// Step 1: Create directory structure
			scenarioDir := filepath.Join(dir, "scenarios")
			if err := os.MkdirAll(scenarioDir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", scenarioDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", scenarioDir)

			// Step 2: Application config
			app := config.DefaultAppConfig()
			appYAML, err := app.Marshal()
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			cfgPath := filepath.Join(dir, filepath.Base(configPath))
			if err := writeWorkspaceFile(cfgPath, append([]byte("# bubbleform application config\n"), appYAML...), force); err != nil {
				return err
			}

			// Step 3: Baseline scenario and boundary script
			src, err := config.NewCUEParser().ExportCUE(config.DefaultScenario())
			if err != nil {
				return fmt.Errorf("failed to render baseline scenario: %w", err)
			}
			header := []byte("// Baseline cold-shutdown heatup. Durations in minutes, step in seconds.\n")
			if err := writeWorkspaceFile(filepath.Join(scenarioDir, "baseline.cue"), append(header, src...), force); err != nil {
				return err
			}
			if err := writeWorkspaceFile(filepath.Join(scenarioDir, "boundary.star"), []byte(sampleBoundaryScript), force); err != nil {
				return err
			}

			// Step 4: Run journal
			if app.Journal.Enabled {
				dbPath := filepath.Join(dir, app.Journal.Path)
				store, err := openJournal(ctx, dbPath)
				if err != nil {
					return err
				}
				if err := store.Close(); err != nil {
					return fmt.Errorf("failed to close journal: %w", err)
				}
				fmt.Printf("✓ Initialized run journal: %s\n", dbPath)
			}

			fmt.Println("\n✓ Workspace initialized successfully!")
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Review scenarios/baseline.cue")
			fmt.Println("  2. Run: bubbleform validate scenarios/baseline.cue")
			fmt.Println("  3. Run: bubbleform run scenarios/baseline.cue")
			fmt.Println("  4. Set boundary_script: \"boundary.star\" to drive the heaters from a script")

			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

// writeWorkspaceFile writes data to path unless the file exists and force
// is unset.
func writeWorkspaceFile(path string, data []byte, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Printf("✓ Kept existing file: %s\n", path)
		return nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("✓ Created file: %s\n", path)
	return nil
}
