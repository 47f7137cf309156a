package closure

import (
	"fmt"

	"github.com/openfroyo/bubbleform/pkg/steam"
)

// Options tunes tolerances and the search schedule.
type Options struct {
	VolumeTolerance       float64 `json:"volume_tolerance" validate:"gt=0"`        // ft³
	EnergyTolerance       float64 `json:"energy_tolerance" validate:"gt=0"`        // BTU
	MassContractTolerance float64 `json:"mass_contract_tolerance" validate:"gt=0"` // relative

	InitialHalfSpan float64 `json:"initial_half_span" validate:"gt=0"` // psi
	ProbesPerWindow int     `json:"probes_per_window" validate:"gte=3"`
	GrowthFactor    float64 `json:"growth_factor" validate:"gt=1"`
	MaxWindows      int     `json:"max_windows" validate:"gte=1"`
	OperatingBand   Band    `json:"operating_band"`
	HardBand        Band    `json:"hard_band"`

	MaxIterations int `json:"max_iterations" validate:"gte=1"`
}

// DefaultOptions returns the production solver settings.
func DefaultOptions() Options {
	return Options{
		VolumeTolerance:       0.5,
		EnergyTolerance:       50,
		MassContractTolerance: 1e-6,
		InitialHalfSpan:       25,
		ProbesPerWindow:       9,
		GrowthFactor:          2,
		MaxWindows:            8,
		OperatingBand:         Band{Lo: 50, Hi: 2300},
		HardBand:              Band{Lo: steam.MinPressure, Hi: steam.MaxPressure},
		MaxIterations:         80,
	}
}

// Validate checks the options for internal consistency.
func (o Options) Validate() error {
	if o.VolumeTolerance <= 0 || o.EnergyTolerance <= 0 || o.MassContractTolerance <= 0 {
		return fmt.Errorf("tolerances must be positive")
	}
	if o.InitialHalfSpan <= 0 || o.GrowthFactor <= 1 {
		return fmt.Errorf("invalid window schedule: half span %g, growth %g", o.InitialHalfSpan, o.GrowthFactor)
	}
	if o.ProbesPerWindow < 3 || o.MaxWindows < 1 || o.MaxIterations < 1 {
		return fmt.Errorf("probe, window and iteration counts must be positive")
	}
	if o.OperatingBand.Lo >= o.OperatingBand.Hi || o.HardBand.Lo >= o.HardBand.Hi {
		return fmt.Errorf("pressure bands must be non-empty")
	}
	if o.OperatingBand.Lo < o.HardBand.Lo || o.OperatingBand.Hi > o.HardBand.Hi {
		return fmt.Errorf("operating band %v must lie within hard band %v", o.OperatingBand, o.HardBand)
	}
	return nil
}
