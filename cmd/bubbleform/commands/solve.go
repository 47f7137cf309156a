package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/engine"
	"github.com/openfroyo/bubbleform/pkg/numeric"
	"github.com/openfroyo/bubbleform/pkg/steam"
	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

func newSolveCommand() *cobra.Command {
	var (
		req         closure.Request
		pressure    float64
		steamVolume float64
	)

	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve one two-phase closure",
		Long: `Find the pressure at which a fixed mass and total enthalpy fill the vessel
volume, and print the resulting state or the failure diagnostic.

Give the target directly with --mass and --enthalpy, or derive it from a
saturated vessel with --pressure and --steam-volume.`,
		Example: `  # Solve for an explicit inventory
  bubbleform solve --mass 30500 --enthalpy 9.1e6

  # Derive the target from a saturated state and print the probe trace
  bubbleform solve --pressure 320 --steam-volume 30 --trace`,
		RunE: func(cmd *cobra.Command, args []string) error {
			props := steam.Default

			if req.TargetMass == 0 {
				if pressure == 0 {
					return errors.New("give --mass and --enthalpy, or --pressure and --steam-volume")
				}
				m, h, err := saturatedTarget(props, req.Volume, steamVolume, pressure)
				if err != nil {
					return err
				}
				req.TargetMass, req.TargetEnthalpy = m, h
				if !cmd.Flags().Changed("guess") {
					req.PressureGuess = pressure
				}
			}

			log.Info().
				Float64("mass", req.TargetMass).
				Float64("enthalpy", req.TargetEnthalpy).
				Float64("volume", req.Volume).
				Float64("guess", req.PressureGuess).
				Msg("Solving closure")

			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := e.tel.WithContext(cmd.Context())
			solver := closure.NewSolver(props, closure.DefaultOptions(), e.tel.Logger)

			var sol *closure.Solution
			solveErr := telemetry.RecordSolve(ctx, req.TargetMass, req.TargetEnthalpy, req.Volume, func(context.Context) error {
				var err error
				sol, err = solver.Solve(req)
				return err
			})
			outcome, reason := closure.OutcomeConverged, closure.ReasonNone
			if solveErr != nil {
				outcome = closure.OutcomeFailed
				reason, _ = closure.ReasonOf(solveErr)
			}
			diag, _ := closure.DiagnosticOf(solveErr)
			if sol != nil {
				diag = sol.Diagnostic
			}
			e.tel.Metrics.RecordClosure(string(engine.PhaseNone), string(outcome), string(reason), diag.Iterations)

			return printSolve(newPrinter(), req, sol, diag, solveErr)
		},
	}

	cmd.Flags().Float64Var(&req.TargetMass, "mass", 0, "total fluid mass (lbm)")
	cmd.Flags().Float64Var(&req.TargetEnthalpy, "enthalpy", 0, "total enthalpy (BTU)")
	cmd.Flags().Float64Var(&req.Volume, "volume", 600, "vessel volume (ft³)")
	cmd.Flags().Float64Var(&req.PressureGuess, "guess", 320, "pressure guess (psia)")
	cmd.Flags().Float64Var(&req.MinWaterVolume, "min-water", 0, "minimum liquid volume (ft³), 0 disables")
	cmd.Flags().BoolVar(&req.Trace, "trace", false, "record and print every probe")
	cmd.Flags().Float64Var(&pressure, "pressure", 0, "derive the target from a saturated vessel at this pressure (psia)")
	cmd.Flags().Float64Var(&steamVolume, "steam-volume", 30, "steam volume of the saturated vessel (ft³)")

	return cmd
}

// saturatedTarget returns the mass and total enthalpy of a saturated vessel
// of volume v holding vs of steam at p.
func saturatedTarget(props steam.Properties, v, vs, p float64) (float64, float64, error) {
	if vs <= 0 || vs >= v {
		return 0, 0, fmt.Errorf("steam volume %g must be inside (0, %g)", vs, v)
	}
	rf, rg := props.SaturatedLiquidDensity(p), props.SaturatedVaporDensity(p)
	hf, hg := props.SaturatedLiquidEnthalpy(p), props.SaturatedVaporEnthalpy(p)
	if !numeric.AllFinite(rf, rg, hf, hg) {
		return 0, 0, fmt.Errorf("pressure %g psia is outside the property range", p)
	}
	mf, mg := (v-vs)*rf, vs*rg
	return mf + mg, mf*hf + mg*hg, nil
}

func printSolve(p *printer, req closure.Request, sol *closure.Solution, diag closure.Diagnostic, solveErr error) error {
	if jsonOutput {
		out := map[string]interface{}{
			"request":    req,
			"diagnostic": diag,
		}
		if sol != nil {
			out["state"] = sol.State
		}
		if err := printJSON(out); err != nil {
			return err
		}
		return solveErr
	}

	if sol != nil {
		s := sol.State
		fmt.Printf("%s in %d iterations (%s)\n", p.ok("✓ Converged"), diag.Iterations, diag.Pattern)
		fmt.Printf("  Pressure:     %.3f psia\n", s.Pressure)
		fmt.Printf("  Temperature:  %.2f °F (Tsat %.2f °F)\n", s.Temperature, s.SaturationTemperature)
		fmt.Printf("  Regime:       %s\n", s.Regime)
		fmt.Printf("  Quality:      %.5f\n", s.Quality)
		fmt.Printf("  Water:        %.1f lbm in %.2f ft³\n", s.WaterMass, s.WaterVolume)
		fmt.Printf("  Steam:        %.1f lbm in %.2f ft³\n", s.SteamMass, s.SteamVolume)
	} else {
		fmt.Printf("%s %s\n", p.bad("✗ Closure failed:"), diag.Reason)
		fmt.Printf("  Best pressure: %.3f psia (tier %s, %d windows)\n", diag.Pressure, diag.Tier, diag.Windows)
	}
	fmt.Printf("  Residuals:    volume %.3g ft³, energy %.3g BTU, mass %.3g\n", diag.VolumeResidual, diag.EnergyResidual, diag.MassResidual)
	fmt.Printf("  Evaluations:  %d valid, %d NaN, %d out of range, %d infeasible\n",
		diag.Evaluations.Valid, diag.Evaluations.NaN, diag.Evaluations.OutOfRange, diag.Evaluations.Infeasible)

	if len(diag.Trace) > 0 {
		fmt.Println("\nTrace:")
		for _, t := range diag.Trace {
			fmt.Printf("  %-8s %3d  %10.3f psia  %-12s %-18s dV=%.3g dH=%.3g\n",
				t.Stage, t.Iteration, t.Pressure, t.Status, t.Regime, t.VolumeResidual, t.EnergyResidual)
		}
	}
	return solveErr
}
