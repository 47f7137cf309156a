// Package closure implements the two-phase mass/energy closure solver.
//
// Given a fixed vessel volume, a target total mass and a target total
// enthalpy, Solve finds the pressure and liquid/vapour split that satisfy
// the volume and energy constraints at once. The search is a bracket scan
// on the volume residual followed by bisection. Every outcome is either an
// accepted Solution or an *Error carrying one of a fixed set of failure
// reasons and the full Diagnostic of the attempt.
//
// Example:
//
//	s := closure.NewSolver(steam.Default, closure.DefaultOptions(), logger)
//	sol, err := s.Solve(closure.Request{
//		TargetMass:     30000,
//		TargetEnthalpy: 30000 * 429.1,
//		Volume:         800,
//		PressureGuess:  380,
//	})
//	if reason, ok := closure.ReasonOf(err); ok {
//		// hold previous state
//	}
package closure
