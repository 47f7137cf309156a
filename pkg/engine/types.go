package engine

import (
	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/cvcs"
	"github.com/openfroyo/bubbleform/pkg/ledger"
)

// VesselState is the committed state of the vessel. It only changes through
// a committed closure, the authority handoff or the spray test. Source says
// which of these produced it.
type VesselState struct {
	WaterMass             float64        `json:"water_mass"`   // lbm
	SteamMass             float64        `json:"steam_mass"`   // lbm
	WaterVolume           float64        `json:"water_volume"` // ft³
	SteamVolume           float64        `json:"steam_volume"` // ft³
	TotalEnthalpy         float64        `json:"total_enthalpy"`
	Pressure              float64        `json:"pressure"` // psia
	SaturationTemperature float64        `json:"saturation_temperature"`
	Quality               float64        `json:"quality"`
	Regime                closure.Regime `json:"regime,omitempty"`
	Source                StateSource    `json:"source"`
}

// TotalMass returns water plus steam mass.
func (v VesselState) TotalMass() float64 {
	return v.WaterMass + v.SteamMass
}

// Level returns the liquid level as percent of vessel volume.
func (v VesselState) Level(vesselVolume float64) float64 {
	if vesselVolume <= 0 {
		return 0
	}
	return 100 * v.WaterVolume / vesselVolume
}

// PhaseContext is the phase-local bookkeeping. It is created at phase
// entry and discarded at transition.
type PhaseContext struct {
	Phase     Phase   `json:"phase"`
	EnteredAt float64 `json:"entered_at_hr"`
	Elapsed   float64 `json:"elapsed_hr"`

	// Verification.
	SprayStartPressure float64     `json:"spray_start_pressure,omitempty"`
	SprayPressureDrop  float64     `json:"spray_pressure_drop,omitempty"`
	SprayResult        SprayResult `json:"spray_result,omitempty"`

	// Drain.
	DrainStartLevel    float64 `json:"drain_start_level,omitempty"`
	CCPStarted         bool    `json:"ccp_started,omitempty"`
	CCPStartLevel      float64 `json:"ccp_start_level,omitempty"`
	SteamDisplacement  float64 `json:"steam_displacement,omitempty"`
	CVCSTransfer       float64 `json:"cvcs_transfer,omitempty"`
	LineupEvents       int     `json:"lineup_events,omitempty"`
	HardTimeout        bool    `json:"drain_hard_gate_triggered,omitempty"`
	ExitLevelReady     bool    `json:"exit_level_ready,omitempty"`
	ExitPressureReady  bool    `json:"exit_pressure_ready,omitempty"`
	LastPressureRate   float64 `json:"last_pressure_rate,omitempty"`
	RateAdvisoryRaised bool    `json:"rate_advisory_raised,omitempty"`

	// Hold status of the most recent step.
	Hold HoldReason `json:"hold,omitempty"`

	// Reason is set when the phase is exited.
	Reason TransitionReason `json:"reason,omitempty"`
}

// BoundaryTerms are the per-step flows and powers supplied by the driver.
type BoundaryTerms struct {
	HeaterPower    float64 `json:"heater_kw" mapstructure:"heater_kw"`             // kW
	ConductionLoss float64 `json:"conduction_loss" mapstructure:"conduction_loss"` // BTU/hr
	InsulationLoss float64 `json:"insulation_loss" mapstructure:"insulation_loss"` // BTU/hr

	// FlowOverride replaces the drain policy flows with Letdown and
	// Charging (gpm).
	FlowOverride bool    `json:"flow_override" mapstructure:"flow_override"`
	Letdown      float64 `json:"letdown_gpm" mapstructure:"letdown_gpm"`
	Charging     float64 `json:"charging_gpm" mapstructure:"charging_gpm"`

	// ExternalIn and ExternalOut are true plant-boundary crossings (lbm/hr).
	ExternalIn  float64 `json:"external_in" mapstructure:"external_in"`
	ExternalOut float64 `json:"external_out" mapstructure:"external_out"`
}

// UpstreamSnapshot is the single-phase model's view of the vessel at the
// moment it first signals vapour.
type UpstreamSnapshot struct {
	TotalMass   float64 `json:"total_mass"`   // lbm tracked by the upstream model
	WaterVolume float64 `json:"water_volume"` // ft³
	SteamVolume float64 `json:"steam_volume"` // ft³
	Pressure    float64 `json:"pressure"`     // psia
}

// StepInput is everything a step consumes besides dt.
type StepInput struct {
	Boundary BoundaryTerms

	// VaporDetected is the upstream vapour signal. With Upstream set it
	// triggers the handoff out of NONE.
	VaporDetected bool
	Upstream      *UpstreamSnapshot

	// LineupChange queues an explicit lineup change before this step.
	LineupChange *cvcs.LineupRequest
}

// HandoffRecord documents the authority handoff at DETECTION entry.
type HandoffRecord struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	PreMass       float64 `json:"pre_mass"`
	Reconstructed float64 `json:"reconstructed_mass"`
	PostMass      float64 `json:"post_mass"`
	RawDelta      float64 `json:"raw_delta"`
	AssertedDelta float64 `json:"asserted_delta"`
	BulkLiquid    float64 `json:"bulk_liquid"`
	Steam         float64 `json:"steam"`
	Passed        bool    `json:"passed"`
	Failure       string  `json:"failure,omitempty"`
}

// ClosureRecord is the diagnostic of one closure attempt with provenance.
type ClosureRecord struct {
	Phase      Phase              `json:"phase"`
	Step       int64              `json:"step"`
	Attempt    int                `json:"attempt"`
	Committed  bool               `json:"committed"`
	Diagnostic closure.Diagnostic `json:"diagnostic"`
}

// PhaseTransition is emitted when the phase changes.
type PhaseTransition struct {
	From    Phase            `json:"from"`
	To      Phase            `json:"to"`
	Reason  TransitionReason `json:"reason"`
	SimTime float64          `json:"sim_time_hr"`
	// Exited is the discarded context of the phase that ended.
	Exited PhaseContext `json:"exited"`
}

// DrainHardGateTriggered reports whether a drain exit was forced by the
// timeout.
func (t PhaseTransition) DrainHardGateTriggered() bool {
	return t.From == PhaseDrain && t.Exited.HardTimeout
}

// StepResult is the output of a single Step.
type StepResult struct {
	Step         int64            `json:"step"`
	SimTime      float64          `json:"sim_time_hr"`
	State        VesselState      `json:"state"`
	Level        float64          `json:"level"`
	DisplayLevel float64          `json:"display_level"`
	Phase        PhaseContext     `json:"phase"`
	Closure      *ClosureRecord   `json:"closure,omitempty"`
	Transition   *PhaseTransition `json:"transition,omitempty"`
	Handoff      *HandoffRecord   `json:"handoff,omitempty"`
	Demand       *cvcs.Demand     `json:"demand,omitempty"`
	Ledger       ledger.Snapshot  `json:"ledger"`
	Events       []Event          `json:"events,omitempty"`
	Held         bool             `json:"held"`
	Hold         HoldReason       `json:"hold,omitempty"`

	// Err joins the recoverable errors raised this step.
	Err error `json:"-"`
}
