package engine

import (
	"fmt"
)

// Phase is a bubble-formation phase. Phases advance in a fixed order and
// never regress except through Simulation.Reset.
type Phase string

const (
	// PhaseNone means the upstream single-phase model still owns the vessel.
	PhaseNone Phase = "NONE"

	// PhaseDetection follows the first vapour signal.
	PhaseDetection Phase = "DETECTION"

	// PhaseVerification runs the auxiliary spray test.
	PhaseVerification Phase = "VERIFICATION"

	// PhaseDrain draws the level down to the drain target.
	PhaseDrain Phase = "DRAIN"

	// PhaseStabilize holds heaters on with no boundary flow.
	PhaseStabilize Phase = "STABILIZE"

	// PhasePressurize raises pressure to the release threshold.
	PhasePressurize Phase = "PRESSURIZE"

	// PhaseComplete is terminal.
	PhaseComplete Phase = "COMPLETE"
)

var phaseOrder = []Phase{
	PhaseNone,
	PhaseDetection,
	PhaseVerification,
	PhaseDrain,
	PhaseStabilize,
	PhasePressurize,
	PhaseComplete,
}

// Phases returns every phase in transition order.
func Phases() []Phase {
	return append([]Phase(nil), phaseOrder...)
}

// Index returns the position of the phase in the transition order, or -1.
func (p Phase) Index() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Next returns the phase that follows p. COMPLETE is its own successor.
func (p Phase) Next() Phase {
	i := p.Index()
	if i < 0 || i+1 >= len(phaseOrder) {
		return p
	}
	return phaseOrder[i+1]
}

// IsTerminal returns true if no further transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	if p.Index() < 0 {
		return fmt.Errorf("invalid phase: %s", p)
	}
	return nil
}

// TransitionReason tags why a phase was exited.
type TransitionReason string

const (
	// ReasonVaporDetected marks the authority handoff out of NONE.
	ReasonVaporDetected TransitionReason = "VAPOR_DETECTED"

	// ReasonElapsed marks a timed phase reaching its duration.
	ReasonElapsed TransitionReason = "ELAPSED"

	// ReasonLevelPressureReady marks a drain that reached target level with
	// pressure above the floor.
	ReasonLevelPressureReady TransitionReason = "LEVEL_PRESSURE_READY"

	// ReasonHardTimeout marks a drain forced out by its duration limit.
	ReasonHardTimeout TransitionReason = "HARD_TIMEOUT"

	// ReasonReleaseReady marks pressure and level both satisfied.
	ReasonReleaseReady TransitionReason = "RELEASE_READY"

	// ReasonReset marks an explicit external reset.
	ReasonReset TransitionReason = "RESET"
)

// HoldReason says why a step did not commit or did not advance.
type HoldReason string

const (
	HoldNone          HoldReason = ""
	HoldClosureFailed HoldReason = "CLOSURE_FAILED"
	HoldLevelLow      HoldReason = "LEVEL_LOW"
	HoldInvalidInput  HoldReason = "INVALID_INPUT"
)

// Severity grades emitted events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityAlarm    Severity = "alarm"
	SeverityCritical Severity = "critical"
)

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityAlarm, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// StateSource records what produced the committed vessel state.
type StateSource string

const (
	SourceInitial StateSource = "INITIAL"
	SourceHandoff StateSource = "HANDOFF"
	SourceClosure StateSource = "CLOSURE"
	// SourceSpray marks a state whose pressure was lowered by the spray
	// test with masses and enthalpy left alone. It does not satisfy the
	// closure; the next heater closure re-solves pressure from mass and
	// enthalpy and replaces it.
	SourceSpray StateSource = "SPRAY"
)

// SprayResult grades the auxiliary spray test.
type SprayResult string

const (
	SprayPending  SprayResult = ""
	SprayPass     SprayResult = "PASS"
	SprayMarginal SprayResult = "MARGINAL"
)
