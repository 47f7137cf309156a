// Package runner drives scenarios through the bubble-formation engine.
//
// A Runner turns a config.Scenario into engine parameters, builds the
// upstream snapshot at the first vapour signal and steps the simulation
// until COMPLETE, the scenario's time limit, cancellation or a fatal
// engine error. Around each step it:
//
//   - evaluates the boundary (constant heaters or a Starlark script)
//   - requests the scenario's drain lineup once DRAIN begins
//   - opens a step span and a closure.solve span when step spans are on
//   - records step, closure, transition and plant-state metrics
//   - bridges engine events to the telemetry publisher, the SQLite journal
//     and a Redis list
//   - journals sampled steps with their transition and closure diagnostic
//
// Sweep runs many variants of a scenario on a bounded worker pool:
//
//	variants, _ := runner.Variants(sc, "procedure.drain_target_level", []string{"25", "30"})
//	results, err := r.Sweep(ctx, variants, 4)
package runner
