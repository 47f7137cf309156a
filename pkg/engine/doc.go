// Package engine implements the bubble-formation phase state machine.
//
// # Overview
//
// A Simulation owns the committed vessel state, the phase context and the
// conservation ledger of one run. A driver calls Step once per simulation
// tick; the core performs no threading and no I/O. Phases advance in a fixed
// order and never regress except through Reset:
//
//  1. NONE - the upstream single-phase model owns the vessel
//  2. DETECTION - authority handoff, falling level display
//  3. VERIFICATION - auxiliary spray test, then heater-only closures
//  4. DRAIN - heater closures plus net letdown from the drain policy
//  5. STABILIZE - heaters only, minimum level at the drain target
//  6. PRESSURIZE - heaters only until release pressure and level hold
//  7. COMPLETE - terminal
//
// # Authority Handoff
//
// The first vapour signal carries an UpstreamSnapshot. The water/steam
// partition is rebuilt from the upstream volumes and saturated densities,
// and the reconciliation delta is taken out of the bulk liquid so the
// tracked total is preserved exactly. A negative reconciled liquid mass or a
// delta beyond Params.HandoffEpsilon is fatal: Step returns an error that
// satisfies IsFatal and nothing is committed.
//
// # Closure and Hold
//
// Every physical step calls the closure Solver with the phase targets. A
// refused solve leaves the committed state untouched, sets
// StepResult.Hold to HoldClosureFailed and reports a recoverable error in
// StepResult.Err. Each attempt produces a ClosureRecord with its phase, step
// counter and attempt index.
//
// # Error Classification
//
//   - Recoverable: closure failures, audit violations, rejected ledger
//     updates, invalid step input. The step holds.
//   - Fatal: authority handoff integrity violations. The driver decides
//     whether to abort.
//
// # Events
//
// Structured events (severity, kind, message, simulation time) are pushed
// synchronously to a Sink and also returned in StepResult.Events. Alarm
// events are edge-triggered.
//
// # Example Usage
//
//	sim, err := engine.New(engine.DefaultParams(), nil, nil, engine.NewLogSink(logger), logger)
//	if err != nil {
//	    return err
//	}
//	for !sim.Phase().IsTerminal() {
//	    res, err := sim.Step(dt, input)
//	    if err != nil {
//	        return err // fatal
//	    }
//	    if res.Held {
//	        log.Printf("held: %s", res.Hold)
//	    }
//	}
package engine
