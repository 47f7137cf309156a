package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/cvcs"
	"github.com/openfroyo/bubbleform/pkg/ledger"
	"github.com/openfroyo/bubbleform/pkg/numeric"
	"github.com/openfroyo/bubbleform/pkg/steam"
	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

// timeSlack absorbs accumulated rounding in phase timers (hours).
const timeSlack = 1e-9

// Solver is the closure collaborator. *closure.Solver implements it.
type Solver interface {
	Solve(req closure.Request) (*closure.Solution, error)
}

// Simulation is the explicit context of one bubble-formation run. It owns
// the committed vessel state, the phase context and the ledger, and is
// mutated only by Step and Reset. It is not safe for concurrent use.
type Simulation struct {
	params Params
	props  steam.Properties
	solver Solver
	sink   Sink
	logger *telemetry.Logger

	resolver   *cvcs.Resolver
	controller *cvcs.LevelController
	books      *ledger.Ledger

	state     VesselState
	ctx       PhaseContext
	step      int64
	simTime   float64
	loopMass  float64
	reservoir float64

	handoff      *HandoffRecord
	failures     int
	lastCharging float64
	levelLow     bool
}

// stepRun carries the inputs and accumulated output of one Step.
type stepRun struct {
	dt   float64
	in   StepInput
	res  *StepResult
	errs []error
}

func (r *stepRun) hold(reason HoldReason) {
	r.res.Held = true
	r.res.Hold = reason
}

// New creates a simulation in phase NONE. A nil props uses steam.Default, a
// nil solver builds a closure.Solver from params.Closure, a nil sink drops
// events and a nil logger discards output.
func New(
	params Params,
	props steam.Properties,
	solver Solver,
	sink Sink,
	logger *telemetry.Logger,
) (*Simulation, error) {
	if err := params.Validate(); err != nil {
		return nil, NewFatalError("invalid parameters", err).WithCode(ErrCodeInvalidInput)
	}
	if props == nil {
		props = steam.Default
	}
	logger = telemetry.OrNop(logger).NewComponentLogger("engine")
	if solver == nil {
		solver = closure.NewSolver(props, params.Closure, logger)
	}
	if sink == nil {
		sink = nopSink{}
	}

	s := &Simulation{
		params: params,
		props:  props,
		solver: solver,
		sink:   sink,
		logger: logger,
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// init puts the simulation into its pre-handoff state.
func (s *Simulation) init() error {
	resolver, err := cvcs.NewResolver(s.params.Policy, s.params.Lineups, s.logger)
	if err != nil {
		return NewFatalError("invalid drain policy", err).WithCode(ErrCodeInvalidInput)
	}
	s.resolver = resolver
	s.controller = cvcs.NewLevelController()
	s.books = nil
	s.state = VesselState{Source: SourceInitial}
	s.ctx = PhaseContext{Phase: PhaseNone, EnteredAt: s.simTime}
	s.loopMass = s.params.LoopMass
	s.reservoir = s.params.ReservoirMass
	s.handoff = nil
	s.failures = 0
	s.lastCharging = s.params.Policy.ChargingInitial
	s.levelLow = false
	return nil
}

// Step advances the simulation by dt hours.
//
// The returned error is non-nil only for fatal conditions, in which case
// nothing was committed. Recoverable failures hold the previous committed
// state and are reported through StepResult.Err.
func (s *Simulation) Step(dt float64, in StepInput) (*StepResult, error) {
	if !numeric.Positive(dt) || !boundaryFinite(in.Boundary) {
		r := &stepRun{dt: dt, in: in, res: &StepResult{}}
		r.hold(HoldInvalidInput)
		r.errs = append(r.errs, NewRecoverableError("invalid step input", nil).
			WithCode(ErrCodeInvalidInput).
			WithPhase(s.ctx.Phase, s.step).
			WithDetail("dt", dt))
		s.ctx.Hold = HoldInvalidInput
		return s.finish(r), nil
	}

	var (
		handoff *HandoffRecord
		handed  VesselState
	)
	if s.ctx.Phase == PhaseNone && in.VaporDetected {
		if in.Upstream == nil {
			r := &stepRun{dt: dt, in: in, res: &StepResult{}}
			r.hold(HoldInvalidInput)
			r.errs = append(r.errs, NewRecoverableError("vapour signalled without upstream snapshot", nil).
				WithCode(ErrCodeHandoffInput).
				WithPhase(s.ctx.Phase, s.step))
			return s.finish(r), nil
		}
		rec, st, err := s.reconstruct(*in.Upstream)
		if err != nil {
			r := &stepRun{dt: dt, in: in, res: &StepResult{Handoff: rec}}
			if IsFatal(err) {
				var ee *EngineError
				if errors.As(err, &ee) {
					ee.WithPhase(s.ctx.Phase, s.step)
				}
				s.emit(r, SeverityCritical, EventKindHandoff, rec.Failure, handoffFields(rec))
				s.logger.WithError(err).WithFields(handoffFields(rec)).Error("authority handoff rejected")
				r.hold(HoldInvalidInput)
				return s.finish(r), err
			}
			r.hold(HoldInvalidInput)
			r.errs = append(r.errs, err)
			return s.finish(r), nil
		}
		handoff, handed = rec, st
	}

	s.step++
	s.simTime += dt
	s.ctx.Hold = HoldNone
	r := &stepRun{dt: dt, in: in, res: &StepResult{}}

	if in.LineupChange != nil {
		lc := in.LineupChange
		if err := s.resolver.RequestLineupChange(lc.Index, lc.Trigger, lc.Reason); err != nil {
			r.errs = append(r.errs, NewRecoverableError("lineup change rejected", err).
				WithCode(ErrCodeInvalidInput).
				WithPhase(s.ctx.Phase, s.step))
		}
	}

	if handoff != nil {
		if err := s.commitHandoff(r, handoff, handed); err != nil {
			return s.finish(r), err
		}
		return s.finish(r), nil
	}
	if s.ctx.Phase == PhaseNone || s.ctx.Phase.IsTerminal() {
		return s.finish(r), nil
	}

	s.applyBoundary(r)
	s.ctx.Elapsed = s.simTime - s.ctx.EnteredAt

	var advance TransitionReason
	switch s.ctx.Phase {
	case PhaseDetection:
		advance = s.stepDetection(r)
	case PhaseVerification:
		advance = s.stepVerification(r)
	case PhaseDrain:
		advance = s.stepDrain(r)
	case PhaseStabilize:
		advance = s.stepStabilize(r)
	case PhasePressurize:
		advance = s.stepPressurize(r)
	}

	s.reconcile(r)
	if advance != "" {
		s.advance(r, advance)
	}
	return s.finish(r), nil
}

// commitHandoff installs the reconstructed state, opens the books and
// enters DETECTION.
func (s *Simulation) commitHandoff(r *stepRun, rec *HandoffRecord, st VesselState) error {
	books, err := ledger.New(
		ledger.Components{VesselWater: st.WaterMass, VesselSteam: st.SteamMass, Loop: s.loopMass},
		s.reservoir,
		st.TotalEnthalpy,
		s.params.Ledger,
		s.logger,
	)
	if err != nil {
		return NewFatalError("cannot open conservation ledger", err).
			WithCode(ErrCodeLedger).
			WithPhase(s.ctx.Phase, s.step)
	}
	s.books = books
	s.state = st
	s.handoff = rec
	r.res.Handoff = rec

	s.logger.WithStep(s.step, s.simTime).WithFields(handoffFields(rec)).Info("authority handoff complete")
	s.emit(r, SeverityInfo, EventKindHandoff,
		fmt.Sprintf("authority %s -> %s, delta %.4f lbm", rec.From, rec.To, rec.RawDelta), handoffFields(rec))
	s.advance(r, ReasonVaporDetected)
	return nil
}

// applyBoundary integrates true plant-boundary crossings into the loop.
func (s *Simulation) applyBoundary(r *stepRun) {
	b := r.in.Boundary
	in, out := b.ExternalIn*r.dt, b.ExternalOut*r.dt
	if in == 0 && out == 0 {
		return
	}
	if err := s.books.Transfer(ledger.TransferBoundaryIn, math.Max(in, 0)); err != nil {
		r.errs = append(r.errs, s.ledgerError(err))
		return
	}
	if err := s.books.Transfer(ledger.TransferBoundaryOut, math.Max(out, 0)); err != nil {
		r.errs = append(r.errs, s.ledgerError(err))
		return
	}
	s.loopMass += math.Max(in, 0) - math.Max(out, 0)
}

// reconcile runs the drift check and the full inventory audit.
func (s *Simulation) reconcile(r *stepRun) {
	if s.books == nil {
		return
	}
	comps := s.components()
	drift, err := s.books.Reconcile(comps)
	if err != nil {
		r.errs = append(r.errs, s.ledgerError(err))
		return
	}
	s.emitAlert(r, EventKindDrift, drift)

	inv, err := s.books.Audit(comps, s.reservoir)
	if err != nil {
		r.errs = append(r.errs, s.ledgerError(err))
		return
	}
	s.emitAlert(r, EventKindInventory, inv)
}

func (s *Simulation) components() ledger.Components {
	return ledger.Components{
		VesselWater: s.state.WaterMass,
		VesselSteam: s.state.SteamMass,
		Loop:        s.loopMass,
	}
}

func (s *Simulation) ledgerError(err error) error {
	return NewRecoverableError("ledger update rejected", err).
		WithCode(ErrCodeLedger).
		WithPhase(s.ctx.Phase, s.step)
}

func (s *Simulation) emitAlert(r *stepRun, kind string, a *ledger.Alert) {
	if a == nil {
		return
	}
	sev := SeverityInfo
	switch a.Current {
	case ledger.StateWarn:
		sev = SeverityWarning
	case ledger.StateAlarm:
		sev = SeverityAlarm
	}
	s.emit(r, sev, kind, a.Message, map[string]interface{}{
		"check":    a.Check,
		"previous": string(a.Previous),
		"current":  string(a.Current),
	})
}

// advance moves to the next phase in order. Phases never regress here.
func (s *Simulation) advance(r *stepRun, reason TransitionReason) {
	exited := s.ctx
	exited.Reason = reason
	next := exited.Phase.Next()

	t := &PhaseTransition{
		From:    exited.Phase,
		To:      next,
		Reason:  reason,
		SimTime: s.simTime,
		Exited:  exited,
	}
	r.res.Transition = t
	s.ctx = PhaseContext{Phase: next, EnteredAt: s.simTime}
	s.enter(next)

	fields := map[string]interface{}{
		"from":   string(t.From),
		"to":     string(t.To),
		"reason": string(reason),
	}
	if t.DrainHardGateTriggered() {
		fields["drain_hard_gate_triggered"] = true
	}
	s.logger.WithStep(s.step, s.simTime).WithFields(fields).Info("phase transition")
	s.emit(r, SeverityInfo, EventKindTransition,
		fmt.Sprintf("%s -> %s (%s)", t.From, t.To, reason), fields)
}

// enter initialises the context of a phase just entered.
func (s *Simulation) enter(p Phase) {
	switch p {
	case PhaseVerification:
		s.ctx.SprayStartPressure = s.state.Pressure
	case PhaseDrain:
		level := s.Level()
		s.ctx.DrainStartLevel = level
		s.ctx.CCPStartLevel = s.params.Policy.CCPStartLevel
		s.resolver.Begin(level, s.params.DrainTargetLevel)
	case PhaseStabilize, PhasePressurize:
		s.levelLow = false
	}
}

// close runs one closure solve and commits the result on success.
func (s *Simulation) close(r *stepRun, mass, enthalpy, minWater float64) bool {
	req := closure.Request{
		TargetMass:     mass,
		TargetEnthalpy: enthalpy,
		Volume:         s.params.VesselVolume,
		PressureGuess:  s.state.Pressure,
		MinWaterVolume: minWater,
		Trace:          s.params.TraceClosure,
	}
	rec := &ClosureRecord{
		Phase:   s.ctx.Phase,
		Step:    s.step,
		Attempt: s.failures + 1,
	}
	r.res.Closure = rec

	sol, err := s.solver.Solve(req)
	if err != nil {
		reason, ok := closure.ReasonOf(err)
		if diag, found := closure.DiagnosticOf(err); found {
			rec.Diagnostic = diag
		} else {
			rec.Diagnostic = closure.Diagnostic{Outcome: closure.OutcomeFailed}
		}
		if !ok {
			reason = closure.ReasonEvaluationFailed
		}
		// A refusal at the level floor is a level hold, not a failed
		// closure. The phase handler reports it.
		if reason == closure.ReasonMinWaterConstraint && minWater > 0 {
			r.hold(HoldLevelLow)
			s.ctx.Hold = HoldLevelLow
			return false
		}
		s.failures++
		r.hold(HoldClosureFailed)
		s.ctx.Hold = HoldClosureFailed
		r.errs = append(r.errs, NewRecoverableError("closure failed, holding state", err).
			WithCode(ErrCodeClosureFailed).
			WithPhase(s.ctx.Phase, s.step).
			WithDetail("reason", string(reason)).
			WithDetail("attempt", rec.Attempt))
		s.emit(r, SeverityWarning, EventKindClosureFailed,
			fmt.Sprintf("closure failed: %s", reason), map[string]interface{}{
				"reason":         string(reason),
				"attempt":        rec.Attempt,
				"iterations":     rec.Diagnostic.Iterations,
				"pressure_guess": req.PressureGuess,
			})
		return false
	}

	rec.Committed = true
	rec.Diagnostic = sol.Diagnostic
	if s.failures > 0 {
		s.emit(r, SeverityInfo, EventKindClosureResumed,
			fmt.Sprintf("closure committed after %d failed attempts", s.failures), nil)
		s.failures = 0
	}
	st := sol.State
	s.state = VesselState{
		WaterMass:             st.WaterMass,
		SteamMass:             st.SteamMass,
		WaterVolume:           st.WaterVolume,
		SteamVolume:           st.SteamVolume,
		TotalEnthalpy:         st.TotalEnthalpy,
		Pressure:              st.Pressure,
		SaturationTemperature: st.SaturationTemperature,
		Quality:               st.Quality,
		Regime:                st.Regime,
		Source:                SourceClosure,
	}
	return true
}

// heatTerms returns the heater input and the losses over dt in BTU.
func heatTerms(b BoundaryTerms, dt float64) (in, out float64) {
	return b.HeaterPower * BTUPerKWh * dt, (b.ConductionLoss + b.InsulationLoss) * dt
}

func (s *Simulation) recordEnergy(r *stepRun, in, out float64) {
	if err := s.books.Energy(in, out); err != nil {
		r.errs = append(r.errs, s.ledgerError(err))
	}
}

func (s *Simulation) emit(r *stepRun, sev Severity, kind, msg string, fields map[string]interface{}) {
	e := Event{
		Severity: sev,
		Kind:     kind,
		Message:  msg,
		SimTime:  s.simTime,
		Step:     s.step,
		Phase:    s.ctx.Phase,
		Fields:   fields,
	}
	if r != nil {
		r.res.Events = append(r.res.Events, e)
	}
	s.sink.Emit(e)
}

// finish fills the common result fields.
func (s *Simulation) finish(r *stepRun) *StepResult {
	res := r.res
	res.Step = s.step
	res.SimTime = s.simTime
	res.State = s.state
	res.Level = s.Level()
	res.DisplayLevel = s.displayLevel()
	res.Phase = s.ctx
	if s.books != nil {
		res.Ledger = s.books.Snapshot()
	}
	res.Err = errors.Join(r.errs...)
	return res
}

// displayLevel falls from full scale to the actual level across DETECTION.
func (s *Simulation) displayLevel() float64 {
	switch s.ctx.Phase {
	case PhaseNone:
		return 100
	case PhaseDetection:
		frac := numeric.Clamp(s.ctx.Elapsed/s.params.DetectionDuration, 0, 1)
		return 100 - (100-s.Level())*frac
	default:
		return s.Level()
	}
}

// Reset returns the simulation to NONE. It is the only way a phase can
// regress. Simulation time and the step counter keep running.
func (s *Simulation) Reset() *PhaseTransition {
	exited := s.ctx
	exited.Reason = ReasonReset
	t := &PhaseTransition{
		From:    exited.Phase,
		To:      PhaseNone,
		Reason:  ReasonReset,
		SimTime: s.simTime,
		Exited:  exited,
	}
	// Parameters were validated in New, so init cannot fail here.
	_ = s.init()

	s.logger.WithStep(s.step, s.simTime).WithField("from", string(t.From)).Info("simulation reset")
	s.emit(nil, SeverityWarning, EventKindReset, fmt.Sprintf("reset from %s", t.From), map[string]interface{}{
		"from": string(t.From),
	})
	return t
}

// RequestLineupChange queues an explicit drain lineup change. It is applied
// on the next drain step.
func (s *Simulation) RequestLineupChange(index int, trigger, reason string) error {
	return s.resolver.RequestLineupChange(index, trigger, reason)
}

// State returns the committed vessel state.
func (s *Simulation) State() VesselState { return s.state }

// Phase returns the current phase.
func (s *Simulation) Phase() Phase { return s.ctx.Phase }

// Context returns a copy of the current phase context.
func (s *Simulation) Context() PhaseContext { return s.ctx }

// StepCount returns the number of steps taken.
func (s *Simulation) StepCount() int64 { return s.step }

// SimTime returns the simulation time in hours.
func (s *Simulation) SimTime() float64 { return s.simTime }

// Params returns the run parameters.
func (s *Simulation) Params() Params { return s.params }

// Level returns the committed liquid level in percent.
func (s *Simulation) Level() float64 {
	return s.state.Level(s.params.VesselVolume)
}

// SystemMass returns vessel plus loop mass, the total tracked primary
// inventory.
func (s *Simulation) SystemMass() float64 {
	return s.state.TotalMass() + s.loopMass
}

// ReservoirMass returns the adjoining reservoir inventory.
func (s *Simulation) ReservoirMass() float64 { return s.reservoir }

// Ledger returns the current books, or an empty snapshot before handoff.
func (s *Simulation) Ledger() ledger.Snapshot {
	if s.books == nil {
		return ledger.Snapshot{}
	}
	return s.books.Snapshot()
}

// Handoff returns the authority handoff record, if one was committed.
func (s *Simulation) Handoff() *HandoffRecord { return s.handoff }

// Controller returns the downstream level controller seeded on exit from
// STABILIZE and on completion.
func (s *Simulation) Controller() *cvcs.LevelController { return s.controller }

// ActiveLineup returns the index of the active drain lineup.
func (s *Simulation) ActiveLineup() int { return s.resolver.Active() }

func boundaryFinite(b BoundaryTerms) bool {
	return numeric.AllFinite(b.HeaterPower, b.ConductionLoss, b.InsulationLoss,
		b.Letdown, b.Charging, b.ExternalIn, b.ExternalOut)
}

func handoffFields(rec *HandoffRecord) map[string]interface{} {
	return map[string]interface{}{
		"from":               rec.From,
		"to":                 rec.To,
		"pre_mass":           rec.PreMass,
		"reconstructed_mass": rec.Reconstructed,
		"post_mass":          rec.PostMass,
		"raw_delta":          rec.RawDelta,
		"asserted_delta":     rec.AssertedDelta,
		"passed":             rec.Passed,
	}
}
