package closure

import (
	"math"

	"github.com/openfroyo/bubbleform/pkg/numeric"
	"github.com/openfroyo/bubbleform/pkg/steam"
	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

// patternSlack is the relative headroom before a midpoint residual counts as
// escaping its bracket.
const patternSlack = 1e-9

// Solver runs closure solves against one property set. It is not safe for
// concurrent use; a single solve may be in flight at a time.
type Solver struct {
	props    steam.Properties
	opts     Options
	logger   *telemetry.Logger
	inFlight bool
}

// NewSolver creates a solver. A nil logger discards output.
func NewSolver(props steam.Properties, opts Options, logger *telemetry.Logger) *Solver {
	return &Solver{
		props:  props,
		opts:   opts,
		logger: telemetry.OrNop(logger).NewComponentLogger("closure"),
	}
}

// Options returns the solver settings.
func (s *Solver) Options() Options {
	return s.opts
}

// attempt accumulates the diagnostic of one solve.
type attempt struct {
	diag  Diagnostic
	trace bool
}

func (a *attempt) record(e TraceEntry) {
	if a.trace {
		a.diag.Trace = append(a.diag.Trace, e)
	}
}

// Solve finds the pressure and phase split satisfying req. On failure it
// returns an *Error and no state; callers hold their previous state.
func (s *Solver) Solve(req Request) (*Solution, error) {
	if s.inFlight {
		return nil, ErrReentrant
	}
	s.inFlight = true
	defer func() { s.inFlight = false }()

	run := &attempt{trace: req.Trace}
	sol, err := s.solve(req, run)
	s.logOutcome(req, run.diag)
	return sol, err
}

func (s *Solver) solve(req Request, run *attempt) (*Solution, error) {
	if !numeric.AllFinite(req.TargetMass, req.TargetEnthalpy, req.Volume, req.PressureGuess, req.MinWaterVolume) {
		return nil, s.fail(run, ReasonEvaluationFailed, nil)
	}
	if req.TargetMass <= 0 || req.Volume <= 0 {
		return nil, s.fail(run, ReasonInfeasibleEnergy, nil)
	}
	if !s.enthalpyFeasible(req.TargetEnthalpy / req.TargetMass) {
		return nil, s.fail(run, ReasonInfeasibleEnergy, nil)
	}

	ev := newEvaluator(s.props, req)
	br := s.findBracket(ev, req.PressureGuess, run)
	run.diag.Tier = br.Tier
	run.diag.Windows = br.Windows
	run.diag.Evaluations = br.Counts

	var (
		root    Candidate
		pattern Pattern
	)
	switch {
	case br.Hit != nil:
		root, pattern = *br.Hit, PatternMonotonicDescent
	case br.Lo != nil && br.Hi != nil:
		c, p, reason := s.bisect(ev, *br.Lo, *br.Hi, run)
		if reason != ReasonNone {
			return nil, s.fail(run, reason, c)
		}
		root, pattern = *c, p
	default:
		return nil, s.fail(run, br.Reason, br.Best)
	}
	run.diag.Pattern = pattern

	massResidual, ok := s.checkMassContract(ev, root)
	run.diag.MassResidual = massResidual
	if !ok {
		return nil, s.fail(run, ReasonMassContract, &root)
	}
	if req.MinWaterVolume > 0 && root.WaterVolume < req.MinWaterVolume {
		return nil, s.fail(run, ReasonMinWaterConstraint, &root)
	}

	s.fillResiduals(run, &root)
	run.diag.Outcome = OutcomeConverged
	tsat := s.props.SaturationTemperature(root.Pressure)
	return &Solution{State: root.state(tsat), Diagnostic: run.diag}, nil
}

// bisect narrows [lo, hi] on the sign of the volume residual until both
// residuals are within tolerance.
func (s *Solver) bisect(ev *evaluator, lo, hi Candidate, run *attempt) (*Candidate, Pattern, FailureReason) {
	prev := math.Inf(1)
	increases, violations := 0, 0
	var last *Candidate

	for it := 1; it <= s.opts.MaxIterations; it++ {
		run.diag.Iterations = it
		mid := 0.5 * (lo.Pressure + hi.Pressure)
		c, status := ev.evaluate(mid)
		run.diag.Evaluations.add(status)
		run.record(TraceEntry{
			Stage:          "bisect",
			Iteration:      it,
			Pressure:       mid,
			Status:         status,
			Regime:         c.Regime,
			VolumeResidual: c.VolumeResidual,
			EnergyResidual: c.EnergyResidual,
			BracketLo:      lo.Pressure,
			BracketHi:      hi.Pressure,
		})
		if status != EvalOK {
			return last, PatternNone, ReasonEvaluationFailed
		}
		last = &c

		r := math.Abs(c.VolumeResidual)
		bound := math.Max(math.Abs(lo.VolumeResidual), math.Abs(hi.VolumeResidual))
		if r > bound*(1+patternSlack)+s.opts.VolumeTolerance {
			violations++
		}
		if r > prev {
			increases++
		}
		prev = r

		if s.withinTolerance(c) {
			switch {
			case violations > 0:
				return last, PatternNonCompliant, ReasonPatternInvalid
			case increases == 0:
				return last, PatternMonotonicDescent, ReasonNone
			default:
				return last, PatternBoundedOscillatory, ReasonNone
			}
		}

		if (c.VolumeResidual > 0) == (lo.VolumeResidual > 0) {
			lo = c
		} else {
			hi = c
		}
	}
	return last, PatternNone, ReasonMaxIterations
}

func (s *Solver) withinTolerance(c Candidate) bool {
	return numeric.WithinTolerance(c.VolumeResidual, s.opts.VolumeTolerance) &&
		numeric.WithinTolerance(c.EnergyResidual, s.opts.EnergyTolerance)
}

// enthalpyFeasible reports whether h lies between the coldest liquid and
// the hottest vapour the property model can represent.
func (s *Solver) enthalpyFeasible(h float64) bool {
	plo, phi := s.opts.HardBand.Lo, s.opts.HardBand.Hi
	tmin, tmax := s.props.TemperatureRange()

	hmin := math.Inf(1)
	hmax := math.Inf(-1)
	for _, p := range []float64{plo, phi} {
		if v := s.props.LiquidEnthalpy(tmin, p); numeric.IsFinite(v) {
			hmin = math.Min(hmin, v)
		}
		if v := s.props.VaporEnthalpy(tmax, p); numeric.IsFinite(v) {
			hmax = math.Max(hmax, v)
		}
	}
	if !numeric.AllFinite(hmin, hmax) {
		// Envelope unknown; let the bracket scan classify.
		return true
	}
	return h >= hmin && h <= hmax
}

// checkMassContract re-derives the masses from the accepted volumes using
// the single-phase property branches and compares their sum to the target.
func (s *Solver) checkMassContract(ev *evaluator, c Candidate) (float64, bool) {
	var mass float64
	switch c.Regime {
	case RegimeMixture:
		mass = c.WaterVolume*s.props.LiquidDensity(c.Temperature, c.Pressure) +
			c.SteamVolume*s.props.VaporDensity(c.Temperature, c.Pressure)
	case RegimeSubcooled:
		mass = c.WaterVolume * s.props.LiquidDensity(c.Temperature, c.Pressure)
	default:
		mass = c.SteamVolume * s.props.VaporDensity(c.Temperature, c.Pressure)
	}
	residual := mass - ev.mass
	if !numeric.IsFinite(residual) {
		return residual, false
	}
	return residual, math.Abs(residual) <= s.opts.MassContractTolerance*ev.mass
}

func (s *Solver) fillResiduals(run *attempt, c *Candidate) {
	run.diag.Pressure = c.Pressure
	run.diag.Regime = c.Regime
	run.diag.WaterVolume = c.WaterVolume
	run.diag.VolumeResidual = c.VolumeResidual
	run.diag.EnergyResidual = c.EnergyResidual
}

func (s *Solver) fail(run *attempt, reason FailureReason, c *Candidate) error {
	if c != nil {
		s.fillResiduals(run, c)
	}
	run.diag.Outcome = OutcomeFailed
	run.diag.Reason = reason
	return &Error{Reason: reason, Diagnostic: run.diag}
}

func (s *Solver) logOutcome(req Request, d Diagnostic) {
	l := s.logger.WithFields(map[string]interface{}{
		"outcome":         d.Outcome,
		"iterations":      d.Iterations,
		"pressure":        d.Pressure,
		"volume_residual": d.VolumeResidual,
		"energy_residual": d.EnergyResidual,
		"tier":            d.Tier,
		"evaluations":     d.Evaluations.Total(),
	})
	if d.Outcome == OutcomeConverged {
		l.WithField("pattern", d.Pattern).Debug("closure converged")
		return
	}
	l.WithField("reason", d.Reason).
		WithField("target_mass", req.TargetMass).
		WithField("guess", req.PressureGuess).
		Warn("closure failed")
}
