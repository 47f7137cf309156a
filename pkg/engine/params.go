package engine

import (
	"fmt"

	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/cvcs"
	"github.com/openfroyo/bubbleform/pkg/ledger"
	"github.com/openfroyo/bubbleform/pkg/numeric"
)

// Unit conversions.
const (
	BTUPerKWh         = 3412.14
	GallonsPerCubicFt = 7.48052
	MinutesPerHour    = 60.0
)

// Params are the plant and procedure constants of a run. Durations are in
// hours, levels in percent of vessel volume, pressures in psia.
type Params struct {
	VesselVolume  float64 `json:"vessel_volume"`  // ft³
	LoopMass      float64 `json:"loop_mass"`      // lbm of primary outside the vessel
	ReservoirMass float64 `json:"reservoir_mass"` // lbm in the letdown reservoir

	DetectionDuration    float64 `json:"detection_duration"`
	VerificationDuration float64 `json:"verification_duration"`
	SprayDuration        float64 `json:"spray_duration"`
	SprayRate            float64 `json:"spray_rate"` // psi/hr
	SprayPassMin         float64 `json:"spray_pass_min"`
	SprayPassMax         float64 `json:"spray_pass_max"`

	DrainTargetLevel    float64 `json:"drain_target_level"`
	DrainLevelTolerance float64 `json:"drain_level_tolerance"`
	DrainPressureFloor  float64 `json:"drain_pressure_floor"`
	DrainTimeout        float64 `json:"drain_timeout"`
	DrainRateLimit      float64 `json:"drain_rate_limit"`      // psi/hr, advisory
	DrainAuditTolerance float64 `json:"drain_audit_tolerance"` // lbm

	StabilizeDuration     float64 `json:"stabilize_duration"`
	ReleasePressure       float64 `json:"release_pressure"`
	PressurizeLevelMargin float64 `json:"pressurize_level_margin"`

	HandoffEpsilon float64 `json:"handoff_epsilon"` // lbm

	// TraceClosure records per-iteration traces in every ClosureRecord.
	TraceClosure bool `json:"trace_closure"`

	Closure closure.Options   `json:"closure"`
	Ledger  ledger.Thresholds `json:"ledger"`
	Policy  cvcs.Policy       `json:"policy"`
	Lineups []cvcs.Lineup     `json:"lineups"`
}

// DefaultParams returns the heatup procedure for a 600 ft³ vessel.
func DefaultParams() Params {
	return Params{
		VesselVolume:  600,
		LoopMass:      450000,
		ReservoirMass: 20000,

		DetectionDuration:    5 / MinutesPerHour,
		VerificationDuration: 5 / MinutesPerHour,
		SprayDuration:        2 / MinutesPerHour,
		SprayRate:            10 * MinutesPerHour,
		SprayPassMin:         15,
		SprayPassMax:         25,

		DrainTargetLevel:    25,
		DrainLevelTolerance: 0.5,
		DrainPressureFloor:  300,
		DrainTimeout:        1,
		DrainRateLimit:      100,
		DrainAuditTolerance: 1,

		StabilizeDuration:     10 / MinutesPerHour,
		ReleasePressure:       334.7,
		PressurizeLevelMargin: 2,

		HandoffEpsilon: 1,

		Closure: closure.DefaultOptions(),
		Ledger:  ledger.DefaultThresholds(),
		Policy:  cvcs.DefaultPolicy(),
		Lineups: cvcs.DefaultLineups(),
	}
}

// Validate checks the parameters for consistency.
func (p Params) Validate() error {
	if !numeric.AllFinite(p.VesselVolume, p.LoopMass, p.ReservoirMass, p.HandoffEpsilon) {
		return fmt.Errorf("params: non-finite plant constant")
	}
	if p.VesselVolume <= 0 {
		return fmt.Errorf("params: vessel volume must be positive, got %g", p.VesselVolume)
	}
	if p.LoopMass < 0 || p.ReservoirMass < 0 {
		return fmt.Errorf("params: compartment masses must not be negative")
	}
	for name, d := range map[string]float64{
		"detection":    p.DetectionDuration,
		"verification": p.VerificationDuration,
		"drain":        p.DrainTimeout,
		"stabilize":    p.StabilizeDuration,
	} {
		if !numeric.Positive(d) {
			return fmt.Errorf("params: %s duration must be positive, got %g", name, d)
		}
	}
	if p.SprayDuration < 0 || p.SprayDuration > p.VerificationDuration {
		return fmt.Errorf("params: spray duration %g outside verification window", p.SprayDuration)
	}
	if p.SprayPassMin > p.SprayPassMax {
		return fmt.Errorf("params: spray pass band [%g,%g] is empty", p.SprayPassMin, p.SprayPassMax)
	}
	if p.DrainTargetLevel <= 0 || p.DrainTargetLevel >= 100 {
		return fmt.Errorf("params: drain target level %g outside (0,100)", p.DrainTargetLevel)
	}
	if p.DrainTargetLevel-p.PressurizeLevelMargin <= 0 {
		return fmt.Errorf("params: pressurize level floor must be positive")
	}
	if p.HandoffEpsilon <= 0 {
		return fmt.Errorf("params: handoff epsilon must be positive")
	}
	if err := p.Closure.Validate(); err != nil {
		return fmt.Errorf("params: closure: %w", err)
	}
	if len(p.Lineups) == 0 {
		return fmt.Errorf("params: at least one lineup is required")
	}
	return nil
}

// levelVolume converts a level in percent to a water volume in ft³.
func (p Params) levelVolume(level float64) float64 {
	return p.VesselVolume * level / 100
}
