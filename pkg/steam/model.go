// Package steam provides the thermophysical property collaborator used by the
// closure solver: saturation temperature and saturated, subcooled and
// superheated enthalpy and density of light water.
//
// The saturation line follows the IAPWS (1992) supplementary release on
// saturation properties of ordinary water substance. Off the saturation line
// the model extends the saturated state with simple corrections that are
// smooth and monotonic, which is what the solver needs.
//
// All public functions use English engineering units: psia, °F, BTU/lbm and
// lbm/ft³. Inputs outside the valid envelope return NaN.
package steam

import "math"

// Properties is the set of pure property functions the solver consumes.
type Properties interface {
	// PressureRange returns the valid pressure envelope in psia.
	PressureRange() (lo, hi float64)

	// TemperatureRange returns the valid temperature envelope in °F.
	TemperatureRange() (lo, hi float64)

	SaturationTemperature(p float64) float64
	SaturationPressure(t float64) float64

	SaturatedLiquidEnthalpy(p float64) float64
	SaturatedVaporEnthalpy(p float64) float64
	SaturatedLiquidDensity(p float64) float64
	SaturatedVaporDensity(p float64) float64

	LiquidEnthalpy(t, p float64) float64
	LiquidDensity(t, p float64) float64
	VaporEnthalpy(t, p float64) float64
	VaporDensity(t, p float64) float64
}

// Critical point and reference constants (SI).
const (
	tCrit   = 647.096 // [K]
	pCrit   = 22.064  // [MPa]
	rhoCrit = 322.0   // [kg/m³]
	alpha0  = 1000.0  // [J/kg]
	tTriple = 273.16  // [K]
)

// Unit conversions.
const (
	psiaPerMPa       = 145.0377377
	btuPerKJ         = 1.0 / 2.326 // BTU/lbm per kJ/kg
	lbmFt3PerKgM3    = 0.06242796
	rankinePerKelvin = 1.8
)

// Envelope in English units.
const (
	MinPressure    = 1.0    // [psia]
	MaxPressure    = 3150.0 // [psia]
	MinTemperature = 32.018 // [°F] triple point
	MaxTemperature = 1200.0 // [°F]
)

var (
	wagnerA = [6]float64{-7.85951783, 1.84408259, -11.7866497, 22.6807411, -15.9618719, 1.80122502}
	wagnerN = [6]float64{1.0, 1.5, 3.0, 3.5, 4.0, 7.5}

	liqB = [6]float64{1.99274064, 1.09965342, -0.510839303, -1.75493479, -45.5170352, -6.74694450e5}
	liqN = [6]float64{1.0 / 3, 2.0 / 3, 5.0 / 3, 16.0 / 3, 43.0 / 3, 110.0 / 3}

	vapC = [6]float64{-2.03150240, -2.68302940, -5.38626492, -17.2991605, -44.7586581, -63.9201063}
	vapN = [6]float64{2.0 / 6, 4.0 / 6, 8.0 / 6, 18.0 / 6, 37.0 / 6, 71.0 / 6}

	alphaD = struct{ da, d1, d2, d3, d4, d5 float64 }{
		da: -1135.905627715,
		d1: -5.65134998e-8,
		d2: 2690.66631,
		d3: 127.287297,
		d4: -135.003439,
		d5: 0.981825814,
	}
)

// Model is the reference property set.
type Model struct{}

// Default is the shared reference model. Model holds no state.
var Default Properties = Model{}

var _ Properties = Model{}

// PressureRange implements Properties.
func (Model) PressureRange() (float64, float64) { return MinPressure, MaxPressure }

// TemperatureRange implements Properties.
func (Model) TemperatureRange() (float64, float64) { return MinTemperature, MaxTemperature }

// SaturationPressure returns psat in psia for t in °F.
func (Model) SaturationPressure(t float64) float64 {
	tk := fToK(t)
	if !satTempValid(tk) {
		return math.NaN()
	}
	return psatMPa(tk) * psiaPerMPa
}

// SaturationTemperature returns tsat in °F for p in psia.
func (Model) SaturationTemperature(p float64) float64 {
	if !pressureValid(p) {
		return math.NaN()
	}
	return kToF(tsatK(p / psiaPerMPa))
}

// SaturatedLiquidEnthalpy returns h' in BTU/lbm.
func (Model) SaturatedLiquidEnthalpy(p float64) float64 {
	if !pressureValid(p) {
		return math.NaN()
	}
	tk := tsatK(p / psiaPerMPa)
	return hLiqSatJ(tk) / 1000 * btuPerKJ
}

// SaturatedVaporEnthalpy returns h'' in BTU/lbm.
func (Model) SaturatedVaporEnthalpy(p float64) float64 {
	if !pressureValid(p) {
		return math.NaN()
	}
	tk := tsatK(p / psiaPerMPa)
	return hVapSatJ(tk) / 1000 * btuPerKJ
}

// SaturatedLiquidDensity returns ρ' in lbm/ft³.
func (Model) SaturatedLiquidDensity(p float64) float64 {
	if !pressureValid(p) {
		return math.NaN()
	}
	return rhoLiqSat(tsatK(p/psiaPerMPa)) * lbmFt3PerKgM3
}

// SaturatedVaporDensity returns ρ'' in lbm/ft³.
func (Model) SaturatedVaporDensity(p float64) float64 {
	if !pressureValid(p) {
		return math.NaN()
	}
	return rhoVapSat(tsatK(p/psiaPerMPa)) * lbmFt3PerKgM3
}

// LiquidEnthalpy returns subcooled liquid enthalpy in BTU/lbm. t must not
// exceed the saturation temperature at p.
func (Model) LiquidEnthalpy(t, p float64) float64 {
	tk, pm, ok := liquidState(t, p)
	if !ok {
		return math.NaN()
	}
	dp := pm - psatMPa(tk)
	h := hLiqSatJ(tk) + dp*1e6/rhoLiqSat(tk) // v·Δp [J/kg]
	return h / 1000 * btuPerKJ
}

// LiquidDensity returns subcooled liquid density in lbm/ft³.
func (Model) LiquidDensity(t, p float64) float64 {
	tk, pm, ok := liquidState(t, p)
	if !ok {
		return math.NaN()
	}
	dp := pm - psatMPa(tk)
	return rhoLiqSat(tk) * (1 + compressibility(tk)*dp) * lbmFt3PerKgM3
}

// VaporEnthalpy returns superheated vapour enthalpy in BTU/lbm. t must not be
// below the saturation temperature at p.
func (Model) VaporEnthalpy(t, p float64) float64 {
	tk, pm, ts, ok := vaporState(t, p)
	if !ok {
		return math.NaN()
	}
	h := hVapSatJ(ts) + vaporCp(pm)*(tk-ts)*1000
	return h / 1000 * btuPerKJ
}

// VaporDensity returns superheated vapour density in lbm/ft³.
func (Model) VaporDensity(t, p float64) float64 {
	tk, _, ts, ok := vaporState(t, p)
	if !ok {
		return math.NaN()
	}
	return rhoVapSat(ts) * ts / tk * lbmFt3PerKgM3
}

func liquidState(t, p float64) (tk, pm float64, ok bool) {
	if !pressureValid(p) || t < MinTemperature || t > MaxTemperature {
		return 0, 0, false
	}
	tk = fToK(t)
	pm = p / psiaPerMPa
	// Small overshoot past saturation is tolerated so bisection endpoints
	// evaluate cleanly.
	if psatMPa(tk) > pm*(1+1e-9) {
		return 0, 0, false
	}
	return tk, pm, true
}

func vaporState(t, p float64) (tk, pm, ts float64, ok bool) {
	if !pressureValid(p) || t < MinTemperature || t > MaxTemperature {
		return 0, 0, 0, false
	}
	tk = fToK(t)
	pm = p / psiaPerMPa
	ts = tsatK(pm)
	if tk < ts-1e-9 {
		return 0, 0, 0, false
	}
	return tk, pm, ts, true
}

func pressureValid(p float64) bool {
	return p >= MinPressure && p <= MaxPressure
}

func satTempValid(tk float64) bool {
	return tk >= tTriple && tk < tCrit
}

// wagnerSum returns Σ aᵢ τ^nᵢ and its τ-derivative.
func wagnerSum(tau float64) (s, ds float64) {
	for i := range wagnerA {
		s += wagnerA[i] * math.Pow(tau, wagnerN[i])
		ds += wagnerA[i] * wagnerN[i] * math.Pow(tau, wagnerN[i]-1)
	}
	return s, ds
}

func psatMPa(tk float64) float64 {
	s, _ := wagnerSum(1 - tk/tCrit)
	return pCrit * math.Exp(tCrit/tk*s)
}

// dpdT returns dpsat/dT in Pa/K.
func dpdT(tk float64) float64 {
	s, ds := wagnerSum(1 - tk/tCrit)
	lnp := tCrit / tk * s
	p := pCrit * math.Exp(lnp) * 1e6
	return -p / tk * (lnp + ds)
}

// tsatK inverts psat with a safeguarded Newton iteration on ln p, which is
// monotonic in T.
func tsatK(pm float64) float64 {
	lo, hi := tTriple, tCrit-1e-9
	target := math.Log(pm)
	t := 0.5 * (lo + hi)
	for i := 0; i < 100; i++ {
		p := psatMPa(t)
		f := math.Log(p) - target
		if f < 0 {
			lo = t
		} else {
			hi = t
		}
		next := t - f/(dpdT(t)/(p*1e6))
		if !(next > lo && next < hi) {
			next = 0.5 * (lo + hi)
		}
		if math.Abs(next-t) < 1e-10 {
			return next
		}
		t = next
	}
	return t
}

func rhoLiqSat(tk float64) float64 {
	tau := 1 - tk/tCrit
	r := 1.0
	for i := range liqB {
		r += liqB[i] * math.Pow(tau, liqN[i])
	}
	return r * rhoCrit
}

func rhoVapSat(tk float64) float64 {
	tau := 1 - tk/tCrit
	var l float64
	for i := range vapC {
		l += vapC[i] * math.Pow(tau, vapN[i])
	}
	return math.Exp(l) * rhoCrit
}

// alpha is the auxiliary quantity of the saturated enthalpy relations [J/kg].
func alpha(tk float64) float64 {
	th := tk / tCrit
	d := alphaD
	return alpha0 * (d.da + d.d1*math.Pow(th, -19) + d.d2*th + d.d3*math.Pow(th, 4.5) +
		d.d4*math.Pow(th, 5) + d.d5*math.Pow(th, 54.5))
}

func hLiqSatJ(tk float64) float64 {
	return alpha(tk) + tk/rhoLiqSat(tk)*dpdT(tk)
}

func hVapSatJ(tk float64) float64 {
	return alpha(tk) + tk/rhoVapSat(tk)*dpdT(tk)
}

// compressibility is an isothermal compressibility fit [1/MPa].
func compressibility(tk float64) float64 {
	x := (tk - 273.15) / 200
	return 4.5e-4 * (1 + x*x)
}

// vaporCp is the superheat heat capacity [kJ/(kg·K)].
func vaporCp(pm float64) float64 {
	return 2.0 + 0.25*pm
}

func fToK(t float64) float64 { return (t-32)/rankinePerKelvin + 273.15 }
func kToF(tk float64) float64 { return (tk-273.15)*rankinePerKelvin + 32 }
