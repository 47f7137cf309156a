package closure

import (
	"math"

	"github.com/openfroyo/bubbleform/pkg/numeric"
	"github.com/openfroyo/bubbleform/pkg/steam"
)

// temperatureIterations bounds the inner temperature bisections.
const temperatureIterations = 60

// evaluator produces candidates at probe pressures for one request.
type evaluator struct {
	props    steam.Properties
	mass     float64
	enthalpy float64
	specific float64
	volume   float64
}

func newEvaluator(props steam.Properties, req Request) *evaluator {
	return &evaluator{
		props:    props,
		mass:     req.TargetMass,
		enthalpy: req.TargetEnthalpy,
		specific: req.TargetEnthalpy / req.TargetMass,
		volume:   req.Volume,
	}
}

// saturation holds the saturation-line values at one pressure.
type saturation struct {
	tsat, hf, hg, rhof, rhog float64
}

func (e *evaluator) saturationAt(p float64) (saturation, EvalStatus) {
	lo, hi := e.props.PressureRange()
	if !numeric.IsFinite(p) {
		return saturation{}, EvalNaN
	}
	if p < lo || p > hi {
		return saturation{}, EvalOutOfRange
	}
	s := saturation{
		tsat: e.props.SaturationTemperature(p),
		hf:   e.props.SaturatedLiquidEnthalpy(p),
		hg:   e.props.SaturatedVaporEnthalpy(p),
		rhof: e.props.SaturatedLiquidDensity(p),
		rhog: e.props.SaturatedVaporDensity(p),
	}
	if !numeric.AllFinite(s.tsat, s.hf, s.hg, s.rhof, s.rhog) {
		return saturation{}, EvalNaN
	}
	if s.hg <= s.hf || !numeric.Positive(s.rhof) || !numeric.Positive(s.rhog) {
		return saturation{}, EvalInfeasible
	}
	return s, EvalOK
}

// guessRegime classifies the target specific enthalpy against the
// saturation bounds at p.
func (e *evaluator) guessRegime(s saturation) Regime {
	switch {
	case e.specific < s.hf:
		return RegimeSubcooled
	case e.specific > s.hg:
		return RegimeSuperheated
	default:
		return RegimeMixture
	}
}

// evaluate builds all three candidates at p and selects one. The regime
// guess wins when its candidate is valid; otherwise the valid candidate with
// the smallest energy residual is used.
func (e *evaluator) evaluate(p float64) (Candidate, EvalStatus) {
	sat, status := e.saturationAt(p)
	if status != EvalOK {
		return Candidate{Pressure: p}, status
	}

	guess := e.guessRegime(sat)
	candidates := [3]Candidate{
		e.mixture(p, sat),
		e.subcooled(p, sat),
		e.superheated(p, sat),
	}

	var (
		best     *Candidate
		sawNaN   bool
		anyValid bool
	)
	for i := range candidates {
		c := &candidates[i]
		if !c.finite() {
			sawNaN = true
			continue
		}
		if !c.physical() {
			continue
		}
		anyValid = true
		if c.Regime == guess {
			return *c, EvalOK
		}
		if best == nil || math.Abs(c.EnergyResidual) < math.Abs(best.EnergyResidual) {
			best = c
		}
	}

	switch {
	case anyValid:
		return *best, EvalOK
	case sawNaN:
		return Candidate{Pressure: p}, EvalNaN
	default:
		return Candidate{Pressure: p}, EvalInfeasible
	}
}

func (e *evaluator) mixture(p float64, s saturation) Candidate {
	raw := (e.specific - s.hf) / (s.hg - s.hf)
	x := numeric.Clamp(raw, 0, 1)
	ms := x * e.mass
	mw := e.mass - ms
	vw := mw / s.rhof
	vs := ms / s.rhog
	h := mw*s.hf + ms*s.hg
	return Candidate{
		Pressure:       p,
		Temperature:    s.tsat,
		RawQuality:     raw,
		Quality:        x,
		WaterMass:      mw,
		SteamMass:      ms,
		WaterVolume:    vw,
		SteamVolume:    vs,
		TotalEnthalpy:  h,
		VolumeResidual: vw + vs - e.volume,
		EnergyResidual: h - e.enthalpy,
		Regime:         RegimeMixture,
	}
}

func (e *evaluator) subcooled(p float64, s saturation) Candidate {
	tmin, _ := e.props.TemperatureRange()
	t := e.solveTemperature(func(t float64) float64 {
		return e.props.LiquidEnthalpy(t, p)
	}, tmin, s.tsat)
	h := e.props.LiquidEnthalpy(t, p)
	rho := e.props.LiquidDensity(t, p)
	vw := e.mass / rho
	return Candidate{
		Pressure:       p,
		Temperature:    t,
		RawQuality:     (e.specific - s.hf) / (s.hg - s.hf),
		WaterMass:      e.mass,
		WaterVolume:    vw,
		TotalEnthalpy:  e.mass * h,
		VolumeResidual: vw - e.volume,
		EnergyResidual: e.mass*h - e.enthalpy,
		Regime:         RegimeSubcooled,
	}
}

func (e *evaluator) superheated(p float64, s saturation) Candidate {
	_, tmax := e.props.TemperatureRange()
	t := e.solveTemperature(func(t float64) float64 {
		return e.props.VaporEnthalpy(t, p)
	}, s.tsat, tmax)
	h := e.props.VaporEnthalpy(t, p)
	rho := e.props.VaporDensity(t, p)
	vs := e.mass / rho
	return Candidate{
		Pressure:       p,
		Temperature:    t,
		RawQuality:     (e.specific - s.hf) / (s.hg - s.hf),
		Quality:        1,
		SteamMass:      e.mass,
		SteamVolume:    vs,
		TotalEnthalpy:  e.mass * h,
		VolumeResidual: vs - e.volume,
		EnergyResidual: e.mass*h - e.enthalpy,
		Regime:         RegimeSuperheated,
	}
}

// solveTemperature bisects on an increasing enthalpy curve h(t) for the
// target specific enthalpy, clamping to the interval ends when the target
// lies outside it.
func (e *evaluator) solveTemperature(h func(float64) float64, lo, hi float64) float64 {
	hlo, hhi := h(lo), h(hi)
	if !numeric.AllFinite(hlo, hhi) {
		return math.NaN()
	}
	if e.specific <= hlo {
		return lo
	}
	if e.specific >= hhi {
		return hi
	}
	for i := 0; i < temperatureIterations && hi-lo > 1e-9; i++ {
		mid := 0.5 * (lo + hi)
		hm := h(mid)
		if !numeric.IsFinite(hm) {
			return math.NaN()
		}
		if hm < e.specific {
			lo = mid
		} else {
			hi = mid
		}
	}
	return 0.5 * (lo + hi)
}

// finite reports whether every derived quantity is a number.
func (c *Candidate) finite() bool {
	return numeric.AllFinite(c.Temperature, c.WaterMass, c.SteamMass,
		c.WaterVolume, c.SteamVolume, c.TotalEnthalpy,
		c.VolumeResidual, c.EnergyResidual)
}

// physical reports whether masses and volumes are non-negative.
func (c *Candidate) physical() bool {
	return c.WaterMass >= 0 && c.SteamMass >= 0 &&
		c.WaterVolume >= 0 && c.SteamVolume >= 0
}

func (c Candidate) state(tsat float64) State {
	return State{
		Pressure:              c.Pressure,
		SaturationTemperature: tsat,
		Temperature:           c.Temperature,
		Quality:               c.Quality,
		WaterMass:             c.WaterMass,
		SteamMass:             c.SteamMass,
		WaterVolume:           c.WaterVolume,
		SteamVolume:           c.SteamVolume,
		TotalEnthalpy:         c.TotalEnthalpy,
		Regime:                c.Regime,
	}
}
