package engine_test

import (
	"errors"
	"fmt"

	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/engine"
	"github.com/openfroyo/bubbleform/pkg/steam"
)

// Example_heatup drives a simulation from the first vapour signal.
func Example_heatup() {
	sim, err := engine.New(engine.DefaultParams(), steam.Default, nil, nil, nil)
	if err != nil {
		panic(err)
	}

	// Upstream snapshot at first vapour: 30 ft³ of steam at 320 psia.
	p, vol, vs := 320.0, 600.0, 30.0
	up := &engine.UpstreamSnapshot{
		TotalMass:   (vol-vs)*steam.Default.SaturatedLiquidDensity(p) + vs*steam.Default.SaturatedVaporDensity(p),
		WaterVolume: vol - vs,
		SteamVolume: vs,
		Pressure:    p,
	}
	boundary := engine.BoundaryTerms{HeaterPower: 80, ConductionLoss: 60000, InsulationLoss: 40000}

	res, err := sim.Step(10.0/3600, engine.StepInput{Boundary: boundary, VaporDetected: true, Upstream: up})
	if err != nil {
		// Fatal: the handoff was rejected and nothing was committed.
		panic(err)
	}
	fmt.Println(res.Transition.From, "->", res.Transition.To, res.Handoff.Passed)

	for !sim.Phase().IsTerminal() && sim.SimTime() < 3 {
		res, err = sim.Step(10.0/3600, engine.StepInput{Boundary: boundary})
		if err != nil {
			panic(err)
		}
		if res.Held {
			// Previous state kept; res.Closure says why.
			continue
		}
	}
	fmt.Println(sim.Phase())
	// Output:
	// NONE -> DETECTION true
	// COMPLETE
}

// Example_errorHandling shows how a driver separates fatal from recoverable
// errors.
func Example_errorHandling() {
	closureErr := &closure.Error{Reason: closure.ReasonNoVolumeBracket}
	held := engine.NewRecoverableError("closure failed, holding state", closureErr).
		WithCode(engine.ErrCodeClosureFailed).
		WithPhase(engine.PhaseDrain, 42)

	integrity := engine.NewFatalError("authority handoff integrity violation", nil).
		WithCode(engine.ErrCodeHandoffIntegrity)

	reason, _ := closure.ReasonOf(held)
	fmt.Println(engine.IsRecoverable(held), reason)
	fmt.Println(engine.IsFatal(integrity), errors.Is(integrity, &engine.EngineError{
		Class: engine.ErrorClassFatal,
		Code:  engine.ErrCodeHandoffIntegrity,
	}))
	// Output:
	// true NO_VOLUME_BRACKET
	// true true
}

// Example_phaseOrder lists the fixed transition order.
func Example_phaseOrder() {
	for p := engine.PhaseNone; ; p = p.Next() {
		fmt.Print(p)
		if p.IsTerminal() {
			fmt.Println()
			break
		}
		fmt.Print(" ")
	}
	// Output:
	// NONE DETECTION VERIFICATION DRAIN STABILIZE PRESSURIZE COMPLETE
}
