package closure

import "math"

// linearFluid is a synthetic property set with straight-line saturation
// curves. Its liquid is dense enough that 50,000 lbm fits 800 ft³ as a
// two-phase mixture, which real water cannot do.
type linearFluid struct{}

func (linearFluid) PressureRange() (float64, float64)    { return 1, 3150 }
func (linearFluid) TemperatureRange() (float64, float64) { return 32, 1200 }

func (linearFluid) SaturationTemperature(p float64) float64 { return 212 + 0.25*(p-14.7) }
func (f linearFluid) SaturationPressure(t float64) float64  { return 14.7 + (t-212)/0.25 }

func (f linearFluid) SaturatedLiquidEnthalpy(p float64) float64 { return f.SaturationTemperature(p) - 32 }
func (linearFluid) SaturatedVaporEnthalpy(p float64) float64    { return 1150 + 0.05*(p-14.7) }
func (linearFluid) SaturatedLiquidDensity(p float64) float64    { return 70 - 0.001*p }
func (f linearFluid) SaturatedVaporDensity(p float64) float64 {
	return p / (0.6 * (f.SaturationTemperature(p) + 460))
}

func (linearFluid) LiquidEnthalpy(t, p float64) float64 { return t - 32 }
func (f linearFluid) LiquidDensity(t, p float64) float64 {
	return f.SaturatedLiquidDensity(p)
}

func (f linearFluid) VaporEnthalpy(t, p float64) float64 {
	return f.SaturatedVaporEnthalpy(p) + 0.5*(t-f.SaturationTemperature(p))
}
func (linearFluid) VaporDensity(t, p float64) float64 { return p / (0.6 * (t + 460)) }

// mixtureEnthalpy returns the specific enthalpy at which mass m exactly
// fills volume v as a saturated mixture at pressure p.
func mixtureEnthalpy(f interface {
	SaturatedLiquidEnthalpy(float64) float64
	SaturatedVaporEnthalpy(float64) float64
	SaturatedLiquidDensity(float64) float64
	SaturatedVaporDensity(float64) float64
}, p, m, v float64) (h, x float64) {
	vf := 1 / f.SaturatedLiquidDensity(p)
	vg := 1 / f.SaturatedVaporDensity(p)
	x = (v/m - vf) / (vg - vf)
	hf := f.SaturatedLiquidEnthalpy(p)
	return hf + x*(f.SaturatedVaporEnthalpy(p)-hf), x
}

// narrowFluid only accepts pressures from 500 psia upwards.
type narrowFluid struct{ linearFluid }

func (narrowFluid) PressureRange() (float64, float64) { return 500, 3150 }

// nanFluid has a broken saturation line.
type nanFluid struct{ linearFluid }

func (nanFluid) SaturationTemperature(float64) float64 { return math.NaN() }

// spikeFluid halves vapour density in a narrow pressure window.
type spikeFluid struct {
	linearFluid
	lo, hi float64
}

func (f spikeFluid) SaturatedVaporDensity(p float64) float64 {
	r := f.linearFluid.SaturatedVaporDensity(p)
	if p >= f.lo && p <= f.hi {
		return 0.5 * r
	}
	return r
}

// skewedFluid disagrees between its saturated and single-phase liquid
// density branches.
type skewedFluid struct{ linearFluid }

func (f skewedFluid) LiquidDensity(t, p float64) float64 {
	return 1.01 * f.linearFluid.LiquidDensity(t, p)
}

// reentrantFluid calls back into the solver that is evaluating it.
type reentrantFluid struct {
	linearFluid
	solver *Solver
	err    *error
}

func (f reentrantFluid) SaturationTemperature(p float64) float64 {
	if *f.err == nil && f.solver != nil {
		_, *f.err = f.solver.Solve(Request{TargetMass: 1, TargetEnthalpy: 300, Volume: 1, PressureGuess: p})
	}
	return f.linearFluid.SaturationTemperature(p)
}
