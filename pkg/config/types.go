package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/cvcs"
	"github.com/openfroyo/bubbleform/pkg/engine"
	"github.com/openfroyo/bubbleform/pkg/ledger"
)

// Scenario is one heatup run as written in a CUE file. Procedure durations
// are in minutes and the step in seconds; Params converts to the hours the
// engine works in.
type Scenario struct {
	// Name identifies the scenario in the journal and in metrics.
	Name string `json:"name" validate:"required"`

	// Description is free text.
	Description string `json:"description,omitempty"`

	Plant     PlantConfig     `json:"plant"`
	Initial   InitialConfig   `json:"initial"`
	Procedure ProcedureConfig `json:"procedure"`
	Heaters   HeaterConfig    `json:"heaters"`
	Drain     DrainConfig     `json:"drain"`
	Run       RunConfig       `json:"run"`

	Closure closure.Options   `json:"closure"`
	Ledger  ledger.Thresholds `json:"ledger"`
	Policy  cvcs.Policy       `json:"policy"`
	Lineups []cvcs.Lineup     `json:"lineups" validate:"required,min=1,dive"`

	// BoundaryScript is a Starlark file defining boundary(t_hr, phase,
	// level_pct, pressure_psia). When set it replaces Heaters each step.
	BoundaryScript string `json:"boundary_script,omitempty"`
}

// PlantConfig holds the fixed plant constants.
type PlantConfig struct {
	VesselVolume  float64 `json:"vessel_volume" validate:"gt=0"`   // ft³
	LoopMass      float64 `json:"loop_mass" validate:"gte=0"`      // lbm
	ReservoirMass float64 `json:"reservoir_mass" validate:"gte=0"` // lbm
}

// InitialConfig holds the conditions at the first vapour signal.
type InitialConfig struct {
	Pressure    float64 `json:"pressure" validate:"gte=1,lte=3150"` // psia
	SteamVolume float64 `json:"steam_volume" validate:"gt=0"`       // ft³

	// MassOffset is added to the upstream tracked mass to exercise the
	// handoff reconciliation (lbm).
	MassOffset float64 `json:"mass_offset"`
}

// ProcedureConfig holds the phase gates. Durations in minutes.
type ProcedureConfig struct {
	DetectionMinutes    float64 `json:"detection_minutes" validate:"gt=0"`
	VerificationMinutes float64 `json:"verification_minutes" validate:"gt=0"`
	SprayMinutes        float64 `json:"spray_minutes" validate:"gte=0,ltefield=VerificationMinutes"`
	SprayRate           float64 `json:"spray_rate" validate:"gte=0"` // psi/min
	SprayPassMin        float64 `json:"spray_pass_min" validate:"gte=0"`
	SprayPassMax        float64 `json:"spray_pass_max" validate:"gtefield=SprayPassMin"`

	DrainTargetLevel    float64 `json:"drain_target_level" validate:"gt=0,lt=100"`
	DrainLevelTolerance float64 `json:"drain_level_tolerance" validate:"gte=0"`
	DrainPressureFloor  float64 `json:"drain_pressure_floor" validate:"gt=0"`
	DrainTimeoutMinutes float64 `json:"drain_timeout_minutes" validate:"gt=0"`
	DrainRateLimit      float64 `json:"drain_rate_limit" validate:"gt=0"` // psi/hr
	DrainAuditTolerance float64 `json:"drain_audit_tolerance" validate:"gt=0"`

	StabilizeMinutes      float64 `json:"stabilize_minutes" validate:"gt=0"`
	ReleasePressure       float64 `json:"release_pressure" validate:"gt=0"`
	PressurizeLevelMargin float64 `json:"pressurize_level_margin" validate:"gte=0"`

	HandoffEpsilon float64 `json:"handoff_epsilon" validate:"gt=0"`
}

// HeaterConfig is the constant boundary used when no script is set.
type HeaterConfig struct {
	Power          float64 `json:"power_kw" validate:"gte=0"`
	ConductionLoss float64 `json:"conduction_loss" validate:"gte=0"` // BTU/hr
	InsulationLoss float64 `json:"insulation_loss" validate:"gte=0"` // BTU/hr
}

// DrainConfig selects the letdown path requested at DRAIN entry.
type DrainConfig struct {
	// Lineup names the catalogue entry requested when DRAIN begins. Empty
	// keeps the initial lineup.
	Lineup string `json:"lineup,omitempty"`
}

// RunConfig bounds the driver loop.
type RunConfig struct {
	StepSeconds float64 `json:"step_seconds" validate:"gt=0,lte=600"`
	MaxHours    float64 `json:"max_hours" validate:"gt=0"`

	// TraceClosure records per-iteration solver traces.
	TraceClosure bool `json:"trace_closure"`
}

// DefaultScenario returns the baseline heatup: 600 ft³ vessel, 80 kW of
// heaters, vapour at 320 psia with 30 ft³ of steam, drain through the RHR
// cross-tie.
func DefaultScenario() Scenario {
	p := engine.DefaultParams()
	return Scenario{
		Name:        "baseline",
		Description: "cold-shutdown heatup through bubble formation",
		Plant: PlantConfig{
			VesselVolume:  p.VesselVolume,
			LoopMass:      p.LoopMass,
			ReservoirMass: p.ReservoirMass,
		},
		Initial: InitialConfig{
			Pressure:    320,
			SteamVolume: 30,
		},
		Procedure: ProcedureConfig{
			DetectionMinutes:      p.DetectionDuration * engine.MinutesPerHour,
			VerificationMinutes:   p.VerificationDuration * engine.MinutesPerHour,
			SprayMinutes:          p.SprayDuration * engine.MinutesPerHour,
			SprayRate:             p.SprayRate / engine.MinutesPerHour,
			SprayPassMin:          p.SprayPassMin,
			SprayPassMax:          p.SprayPassMax,
			DrainTargetLevel:      p.DrainTargetLevel,
			DrainLevelTolerance:   p.DrainLevelTolerance,
			DrainPressureFloor:    p.DrainPressureFloor,
			DrainTimeoutMinutes:   p.DrainTimeout * engine.MinutesPerHour,
			DrainRateLimit:        p.DrainRateLimit,
			DrainAuditTolerance:   p.DrainAuditTolerance,
			StabilizeMinutes:      p.StabilizeDuration * engine.MinutesPerHour,
			ReleasePressure:       p.ReleasePressure,
			PressurizeLevelMargin: p.PressurizeLevelMargin,
			HandoffEpsilon:        p.HandoffEpsilon,
		},
		Heaters: HeaterConfig{
			Power:          80,
			ConductionLoss: 60000,
			InsulationLoss: 40000,
		},
		Drain: DrainConfig{Lineup: "RHR_CROSSTIE"},
		Run: RunConfig{
			StepSeconds: 10,
			MaxHours:    12,
		},
		Closure: p.Closure,
		Ledger:  p.Ledger,
		Policy:  p.Policy,
		Lineups: p.Lineups,
	}
}

// Params converts the scenario into engine parameters.
func (s Scenario) Params() (engine.Params, error) {
	pr := s.Procedure
	p := engine.Params{
		VesselVolume:  s.Plant.VesselVolume,
		LoopMass:      s.Plant.LoopMass,
		ReservoirMass: s.Plant.ReservoirMass,

		DetectionDuration:    pr.DetectionMinutes / engine.MinutesPerHour,
		VerificationDuration: pr.VerificationMinutes / engine.MinutesPerHour,
		SprayDuration:        pr.SprayMinutes / engine.MinutesPerHour,
		SprayRate:            pr.SprayRate * engine.MinutesPerHour,
		SprayPassMin:         pr.SprayPassMin,
		SprayPassMax:         pr.SprayPassMax,

		DrainTargetLevel:    pr.DrainTargetLevel,
		DrainLevelTolerance: pr.DrainLevelTolerance,
		DrainPressureFloor:  pr.DrainPressureFloor,
		DrainTimeout:        pr.DrainTimeoutMinutes / engine.MinutesPerHour,
		DrainRateLimit:      pr.DrainRateLimit,
		DrainAuditTolerance: pr.DrainAuditTolerance,

		StabilizeDuration:     pr.StabilizeMinutes / engine.MinutesPerHour,
		ReleasePressure:       pr.ReleasePressure,
		PressurizeLevelMargin: pr.PressurizeLevelMargin,

		HandoffEpsilon: pr.HandoffEpsilon,
		TraceClosure:   s.Run.TraceClosure,

		Closure: s.Closure,
		Ledger:  s.Ledger,
		Policy:  s.Policy,
		Lineups: append([]cvcs.Lineup(nil), s.Lineups...),
	}
	if err := p.Validate(); err != nil {
		return engine.Params{}, err
	}
	if _, err := s.DrainLineupIndex(); err != nil {
		return engine.Params{}, err
	}
	return p, nil
}

// DrainLineupIndex returns the catalogue index named by Drain.Lineup, or -1
// when none is requested.
func (s Scenario) DrainLineupIndex() (int, error) {
	if s.Drain.Lineup == "" {
		return -1, nil
	}
	for i, l := range s.Lineups {
		if l.Name == s.Drain.Lineup {
			return i, nil
		}
	}
	return -1, fmt.Errorf("drain lineup %q is not in the catalogue", s.Drain.Lineup)
}

// Step returns the driver step in hours.
func (s Scenario) Step() float64 {
	return s.Run.StepSeconds / 3600
}

// HeatupBoundary returns the constant heater boundary.
func (s Scenario) HeatupBoundary() engine.BoundaryTerms {
	return engine.BoundaryTerms{
		HeaterPower:    s.Heaters.Power,
		ConductionLoss: s.Heaters.ConductionLoss,
		InsulationLoss: s.Heaters.InsulationLoss,
	}
}

// ParsedScenario is the result of parsing one or more CUE sources.
type ParsedScenario struct {
	// Scenario is the decoded scenario with defaults applied.
	Scenario Scenario `json:"scenario"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the scenario was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors. A scenario with errors must not
	// be run.
	Errors []ValidationError `json:"errors,omitempty"`
}

// OK reports whether the scenario parsed without errors.
func (ps *ParsedScenario) OK() bool {
	return len(ps.Errors) == 0
}

// Err folds the validation errors into one error, or returns nil.
func (ps *ParsedScenario) Err() error {
	if ps.OK() {
		return nil
	}
	return fmt.Errorf("scenario has %d error(s); first: %s", len(ps.Errors), ps.Errors[0])
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error (e.g., "procedure.drain_target_level").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// String formats the error as file:line:col: path: message.
func (ve ValidationError) String() string {
	loc := ve.File
	if ve.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", ve.File, ve.Line, ve.Column)
	}
	msg := ve.Message
	if ve.Path != "" {
		msg = ve.Path + ": " + msg
	}
	if loc == "" {
		return msg
	}
	return loc + ": " + msg
}

// StarlarkResult represents the result of a one-shot Starlark execution.
type StarlarkResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Steps is the number of Starlark execution steps used.
	Steps uint64 `json:"steps"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
