package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/config"
	"github.com/openfroyo/bubbleform/pkg/cvcs"
	"github.com/openfroyo/bubbleform/pkg/engine"
	"github.com/openfroyo/bubbleform/pkg/ledger"
	"github.com/openfroyo/bubbleform/pkg/numeric"
	"github.com/openfroyo/bubbleform/pkg/steam"
	"github.com/openfroyo/bubbleform/pkg/stores"
	"github.com/openfroyo/bubbleform/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Runner. Every field is optional.
type Options struct {
	// Telemetry receives logs, spans, metrics and bridged events. Nil
	// records nothing.
	Telemetry *telemetry.Telemetry

	// Journal persists runs, sampled steps, transitions, events and closure
	// diagnostics.
	Journal *stores.SQLiteStore

	// JournalStepEvery samples ordinary steps into the journal. Steps with
	// a transition, a hold or a failed closure are always recorded. Zero
	// or one records every step.
	JournalStepEvery int

	// Redis receives every engine event.
	Redis *stores.RedisSink

	// Props is the property set. Nil uses steam.Default.
	Props steam.Properties

	// Evaluator runs boundary scripts. Nil uses a one second timeout and a
	// one million step budget per call.
	Evaluator *config.StarlarkEvaluator

	// Sink receives engine events in addition to the built-in sinks.
	Sink engine.Sink

	// Observer is called with every step result, in order.
	Observer func(*engine.StepResult)
}

// Runner drives scenarios through the engine. A Runner may run several
// scenarios concurrently; each run owns its own simulation.
type Runner struct {
	tel       *telemetry.Telemetry
	journal   *stores.SQLiteStore
	every     int
	redis     *stores.RedisSink
	props     steam.Properties
	evaluator *config.StarlarkEvaluator
	sink      engine.Sink
	observer  func(*engine.StepResult)
	logger    *telemetry.Logger
}

// New creates a runner.
func New(opts Options) *Runner {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	props := opts.Props
	if props == nil {
		props = steam.Default
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = config.NewStarlarkEvaluator(time.Second, 1_000_000)
	}
	every := opts.JournalStepEvery
	if every < 1 {
		every = 1
	}
	return &Runner{
		tel:       tel,
		journal:   opts.Journal,
		every:     every,
		redis:     opts.Redis,
		props:     props,
		evaluator: evaluator,
		sink:      opts.Sink,
		observer:  opts.Observer,
		logger:    telemetry.OrNop(tel.Logger).NewComponentLogger("runner"),
	}
}

// Summary is the outcome of one run.
type Summary struct {
	RunID       string                    `json:"run_id"`
	Scenario    string                    `json:"scenario"`
	Status      stores.RunStatus          `json:"status"`
	FinalPhase  engine.Phase              `json:"final_phase"`
	Steps       int64                     `json:"steps"`
	SimHours    float64                   `json:"sim_hours"`
	Pressure    float64                   `json:"pressure"`
	Level       float64                   `json:"level"`
	Transitions []*engine.PhaseTransition `json:"transitions"`
	Handoff     *engine.HandoffRecord     `json:"handoff,omitempty"`
	Ledger      ledger.Snapshot           `json:"ledger"`

	// ClosureFailures counts steps held by a failed closure.
	ClosureFailures int `json:"closure_failures"`
	// LevelHolds counts steps held with the level under the phase floor.
	LevelHolds int `json:"level_holds"`
	// Controller is the seed for the downstream level controller, set once
	// STABILIZE has ended.
	Controller *ControllerSeed `json:"controller,omitempty"`
	// Alarms counts events at alarm severity or above.
	Alarms int `json:"alarms"`

	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// ControllerSeed is the level setpoint (percent) and charging bias (gpm)
// handed to the downstream level controller.
type ControllerSeed struct {
	Setpoint float64 `json:"setpoint"`
	Bias     float64 `json:"bias"`
}

// Completed reports whether the run reached COMPLETE.
func (s *Summary) Completed() bool {
	return s.Status == stores.RunStatusCompleted
}

// Run executes sc from the first vapour signal until COMPLETE, the
// scenario's time limit, cancellation or a fatal engine error. Setup errors
// are returned directly; errors raised while stepping are reported in
// Summary.Err and returned.
func (r *Runner) Run(ctx context.Context, sc config.Scenario) (*Summary, error) {
	params, err := sc.Params()
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	drainLineup, err := sc.DrainLineupIndex()
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	up, err := Upstream(r.props, sc)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	boundary, err := r.boundary(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	runID := uuid.New().String()
	ctx = r.tel.WithContext(ctx)
	ctx = telemetry.WithRunContext(ctx, runID, sc.Name)
	logger := telemetry.FromContext(ctx).NewComponentLogger("runner")

	// Journal writes outlive cancellation of the run.
	jctx := context.WithoutCancel(ctx)

	start := time.Now()
	if r.journal != nil {
		blob, err := json.Marshal(params)
		if err != nil {
			err = fmt.Errorf("failed to encode run parameters: %w", err)
			telemetry.EndRunContext(ctx, runID, string(engine.PhaseNone), 0, err)
			return nil, err
		}
		if err := r.journal.CreateRun(jctx, &stores.Run{
			ID:        runID,
			Scenario:  sc.Name,
			Status:    stores.RunStatusRunning,
			StartedAt: start,
			Params:    string(blob),
		}); err != nil {
			telemetry.EndRunContext(ctx, runID, string(engine.PhaseNone), 0, err)
			return nil, err
		}
	}

	rs := &runState{
		ctx:     ctx,
		runID:   runID,
		tel:     r.tel,
		journal: r.journal,
		redis:   r.redis,
		logger:  logger,
	}
	sinks := engine.MultiSink{engine.NewLogSink(logger), rs}
	if r.sink != nil {
		sinks = append(sinks, r.sink)
	}
	solver := &tracedSolver{
		inner:  closure.NewSolver(r.props, params.Closure, logger),
		state:  rs,
		traced: r.tel.Tracer.StepSpans(),
	}

	sim, err := engine.New(params, r.props, solver, sinks, logger)
	if err != nil {
		r.finish(ctx, rs, nil, stores.RunStatusFailed, err)
		return nil, err
	}

	sum := &Summary{RunID: runID, Scenario: sc.Name}
	dt := sc.Step()
	requested := false
	lastJournaled := int64(-1)

	logger.WithFields(map[string]interface{}{
		"step_seconds": sc.Run.StepSeconds,
		"max_hours":    sc.Run.MaxHours,
		"pressure":     up.Pressure,
		"steam_volume": up.SteamVolume,
	}).Info("run started")

	status := stores.RunStatusIncomplete
	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			status, runErr = stores.RunStatusCancelled, err
			break
		}
		if sim.Phase().IsTerminal() {
			status = stores.RunStatusCompleted
			break
		}
		if sim.SimTime() >= sc.Run.MaxHours-1e-9 {
			logger.WithField("max_hours", sc.Run.MaxHours).Warn("time limit reached before COMPLETE")
			break
		}

		terms, err := boundary(ctx, sim)
		if err != nil {
			status, runErr = stores.RunStatusFailed, fmt.Errorf("boundary: %w", err)
			break
		}
		in := engine.StepInput{Boundary: terms}
		if sim.Phase() == engine.PhaseNone {
			in.VaporDetected = true
			in.Upstream = &up
		}
		if sim.Phase() == engine.PhaseDrain && !requested && drainLineup >= 0 {
			requested = true
			if sim.ActiveLineup() != drainLineup {
				in.LineupChange = &cvcs.LineupRequest{
					Index:   drainLineup,
					Trigger: "procedure",
					Reason:  "drain lineup " + sc.Drain.Lineup,
				}
			}
		}

		res, err := r.step(ctx, rs, sim, dt, in)
		if res != nil {
			r.observe(rs, sum, res)
			if r.journal != nil && res.Step != lastJournaled && r.sampled(res) {
				if jerr := r.journal.RecordStep(jctx, journalStep(runID, res), journalTransition(runID, res), journalClosure(runID, res)); jerr != nil {
					logger.WithError(jerr).Warn("step not journaled")
				} else {
					lastJournaled = res.Step
				}
			}
		}
		if err != nil {
			status, runErr = stores.RunStatusFailed, err
			break
		}
	}

	sum.Status = status
	sum.FinalPhase = sim.Phase()
	sum.Steps = sim.StepCount()
	sum.SimHours = sim.SimTime()
	sum.Pressure = sim.State().Pressure
	sum.Level = sim.Level()
	if c := sim.Controller(); c.Seeded() {
		sum.Controller = &ControllerSeed{Setpoint: c.Setpoint(), Bias: c.Bias()}
	}
	sum.Handoff = sim.Handoff()
	sum.Ledger = sim.Ledger()
	sum.Duration = time.Since(start)
	sum.Err = runErr

	r.finish(ctx, rs, sum, status, runErr)
	return sum, runErr
}

// step runs one engine step inside an optional step span and records its
// metrics.
func (r *Runner) step(ctx context.Context, rs *runState, sim *engine.Simulation, dt float64, in engine.StepInput) (*engine.StepResult, error) {
	phase := sim.Phase()
	stepCtx := ctx
	var span trace.Span
	if r.tel.Tracer.StepSpans() {
		stepCtx, span = r.tel.Tracer.StartStepSpan(ctx, sim.StepCount()+1, string(phase))
	}
	rs.ctx = stepCtx
	defer func() { rs.ctx = ctx }()

	timer := telemetry.NewTimer()
	res, err := sim.Step(dt, in)
	r.tel.Metrics.RecordStep(string(phase), string(res.Hold), timer.Duration())

	if span != nil {
		switch {
		case err != nil:
			telemetry.RecordError(span, err)
		case res.Err != nil:
			telemetry.RecordError(span, res.Err)
		default:
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
	if err != nil {
		r.recordError(err)
	}
	if res.Err != nil {
		r.recordError(res.Err)
	}
	return res, err
}

// observe folds a step result into the summary and the live metrics.
func (r *Runner) observe(rs *runState, sum *Summary, res *engine.StepResult) {
	m := r.tel.Metrics
	if c := res.Closure; c != nil {
		d := c.Diagnostic
		m.RecordClosure(string(c.Phase), string(d.Outcome), string(d.Reason), d.Iterations)
		switch {
		case res.Hold == engine.HoldClosureFailed:
			sum.ClosureFailures++
		case res.Hold == engine.HoldLevelLow:
			sum.LevelHolds++
		}
	}
	if tr := res.Transition; tr != nil {
		m.RecordTransition(string(tr.From), string(tr.To), string(tr.Reason))
		sum.Transitions = append(sum.Transitions, tr)
	}
	m.SetPlantState(rs.runID, res.Phase.Phase.Index(), res.State.Pressure, res.Level)
	m.SetDrift(rs.runID, res.Ledger.DriftPct, energyDriftPct(res))
	sum.Alarms = rs.alarms

	if r.observer != nil {
		r.observer(res)
	}
}

// sampled reports whether res goes into the journal.
func (r *Runner) sampled(res *engine.StepResult) bool {
	if res.Transition != nil || res.Held {
		return true
	}
	if res.Closure != nil && !res.Closure.Committed {
		return true
	}
	return res.Step%int64(r.every) == 0
}

func (r *Runner) recordError(err error) {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		r.tel.Metrics.RecordError(string(ee.Class), ee.Code)
		return
	}
	r.tel.Metrics.RecordError("unknown", "")
}

// finish closes the journal row and the telemetry run scope.
func (r *Runner) finish(ctx context.Context, rs *runState, sum *Summary, status stores.RunStatus, runErr error) {
	phase, hours, steps := string(engine.PhaseNone), 0.0, int64(0)
	if sum != nil {
		phase, hours, steps = string(sum.FinalPhase), sum.SimHours, sum.Steps
	}

	if r.journal != nil {
		var msg *string
		if runErr != nil {
			s := runErr.Error()
			msg = &s
		}
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := r.journal.FinishRun(jctx, rs.runID, status, phase, hours, steps, msg); err != nil {
			rs.logger.WithError(err).Warn("run not finalised in journal")
		}
		cancel()
	}

	telemetry.EndRunContext(ctx, rs.runID, phase, hours, runErr)

	l := rs.logger.WithFields(map[string]interface{}{
		"status":    string(status),
		"phase":     phase,
		"sim_hours": hours,
		"steps":     steps,
	})
	if runErr != nil {
		l.WithError(runErr).Error("run ended")
		return
	}
	l.Info("run ended")
}

// boundaryFunc produces the boundary terms for the next step.
type boundaryFunc func(ctx context.Context, sim *engine.Simulation) (engine.BoundaryTerms, error)

func (r *Runner) boundary(ctx context.Context, sc config.Scenario) (boundaryFunc, error) {
	if sc.BoundaryScript == "" {
		terms := sc.HeatupBoundary()
		return func(context.Context, *engine.Simulation) (engine.BoundaryTerms, error) {
			return terms, nil
		}, nil
	}

	bs, err := r.evaluator.LoadBoundaryScript(ctx, sc.BoundaryScript)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, sim *engine.Simulation) (engine.BoundaryTerms, error) {
		return bs.Eval(ctx, config.BoundaryInput{
			SimTime:  sim.SimTime(),
			Phase:    sim.Phase(),
			Level:    sim.Level(),
			Pressure: sim.State().Pressure,
		})
	}, nil
}

// Upstream builds the single-phase snapshot at the first vapour signal: a
// saturated vessel at the initial pressure holding the initial steam
// volume, plus the scenario's mass offset.
func Upstream(props steam.Properties, sc config.Scenario) (engine.UpstreamSnapshot, error) {
	v, vs, p := sc.Plant.VesselVolume, sc.Initial.SteamVolume, sc.Initial.Pressure
	if vs <= 0 || vs >= v {
		return engine.UpstreamSnapshot{}, fmt.Errorf("initial steam volume %g must be inside (0, %g)", vs, v)
	}
	rf, rg := props.SaturatedLiquidDensity(p), props.SaturatedVaporDensity(p)
	if !numeric.AllFinite(rf, rg) {
		return engine.UpstreamSnapshot{}, fmt.Errorf("initial pressure %g psia is outside the property range", p)
	}
	return engine.UpstreamSnapshot{
		TotalMass:   (v-vs)*rf + vs*rg + sc.Initial.MassOffset,
		WaterVolume: v - vs,
		SteamVolume: vs,
		Pressure:    p,
	}, nil
}

func energyDriftPct(res *engine.StepResult) float64 {
	exp := res.Ledger.ExpectedEnthalpy
	if exp == 0 {
		return 0
	}
	return 100 * math.Abs(res.State.TotalEnthalpy-exp) / math.Abs(exp)
}
