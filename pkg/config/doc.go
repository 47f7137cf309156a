// Package config loads bubbleform scenarios and application settings.
//
// # Overview
//
// A scenario describes one heatup run: plant constants, the conditions at
// the first vapour signal, the procedure gates of each phase, the heater
// boundary, the CVCS lineup catalogue and the solver tolerances. Scenarios
// are written in CUE. Application settings (logging, tracing, metrics, the
// run journal and the Redis event sink) live in a separate YAML file.
//
// # Components
//
// CUEParser: Parses scenario files, directories and inline content. Sources
// are unified with each other and with the built-in #Scenario schema, then
// decoded over DefaultScenario so that omitted fields keep their defaults.
//
// SchemaRegistry: Holds the built-in #Scenario, #Lineup, #Closure and
// #Policy definitions and accepts custom ones.
//
// StarlarkEvaluator: Runs sandboxed Starlark with a timeout and an
// execution step budget. BoundaryScript wraps a file defining
//
//	def boundary(t_hr, phase, level_pct, pressure_psia):
//	    return {"heater_kw": 80.0, "conduction_loss": 60000.0}
//
// whose result replaces the constant heater boundary each step.
//
// # Scenario Structure
//
//	name: "slow-drain"
//	plant: vessel_volume: 600
//	initial: {pressure: 320, steam_volume: 30}
//	procedure: {
//	    drain_target_level: 25
//	    stabilize_minutes:  10
//	}
//	heaters: power_kw: 80
//	drain: lineup: "RHR_CROSSTIE"
//	run: {step_seconds: 10, max_hours: 12}
//
// Procedure durations are in minutes and the step in seconds. Scenario.Params
// converts them to the hours the engine works in and runs the engine's own
// parameter checks.
//
// # Error Handling
//
// Parse errors and validation failures are collected in
// ParsedScenario.Errors with file positions where CUE provides them:
//
//	ValidationError{
//	    File:     "scenario.cue",
//	    Line:     12,
//	    Path:     "procedure.drain_target_level",
//	    Message:  "invalid value 120 (out of bound <100)",
//	    Severity: "error",
//	}
//
// # Thread Safety
//
// CUEParser and SchemaRegistry serialise access to their shared CUE context
// and may be used concurrently. A BoundaryScript must not be shared between
// goroutines.
package config
