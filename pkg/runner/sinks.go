package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/engine"
	"github.com/openfroyo/bubbleform/pkg/stores"
	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

// runState is the per-run event bridge. Engine events arrive synchronously
// inside Step, so ctx is the current step context.
type runState struct {
	ctx     context.Context
	runID   string
	tel     *telemetry.Telemetry
	journal *stores.SQLiteStore
	redis   *stores.RedisSink
	logger  *telemetry.Logger
	alarms  int
}

// Emit publishes e to telemetry, the journal and Redis. Delivery failures
// are logged and never reach the engine.
func (rs *runState) Emit(e engine.Event) {
	if e.Severity == engine.SeverityAlarm || e.Severity == engine.SeverityCritical {
		rs.alarms++
	}

	rs.tel.Metrics.RecordEvent(e.Kind, string(e.Severity))
	if err := rs.tel.Events.Publish(telemetry.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      e.Kind,
		Source:    "engine",
		RunID:     rs.runID,
		Step:      e.Step,
		SimTime:   e.SimTime,
		Phase:     string(e.Phase),
		Message:   e.Message,
		Level:     string(e.Severity),
		Data:      e.Fields,
	}); err != nil {
		rs.logger.WithError(err).Warn("event not published")
	}

	if rs.journal == nil && rs.redis == nil {
		return
	}
	ctx := context.WithoutCancel(rs.ctx)
	ev := journalEvent(rs.runID, e)
	if rs.journal != nil {
		if err := rs.journal.AppendEvent(ctx, ev); err != nil {
			rs.logger.WithError(err).WithField("kind", e.Kind).Warn("event not journaled")
		}
	}
	if rs.redis != nil {
		if err := rs.redis.Push(ctx, ev); err != nil {
			rs.logger.WithError(err).WithField("kind", e.Kind).Warn("event not pushed to redis")
		}
	}
}

// tracedSolver wraps each solve in a span under the current step span.
type tracedSolver struct {
	inner  engine.Solver
	state  *runState
	traced bool
}

func (s *tracedSolver) Solve(req closure.Request) (*closure.Solution, error) {
	if !s.traced {
		return s.inner.Solve(req)
	}
	var sol *closure.Solution
	err := telemetry.RecordSolve(s.state.ctx, req.TargetMass, req.TargetEnthalpy, req.Volume, func(context.Context) error {
		var err error
		sol, err = s.inner.Solve(req)
		return err
	})
	return sol, err
}

func journalEvent(runID string, e engine.Event) *stores.Event {
	ev := &stores.Event{
		RunID:     runID,
		Step:      e.Step,
		SimTime:   e.SimTime,
		Phase:     string(e.Phase),
		Kind:      e.Kind,
		Severity:  string(e.Severity),
		Message:   e.Message,
		Timestamp: time.Now().UTC(),
	}
	if len(e.Fields) > 0 {
		if blob, err := json.Marshal(e.Fields); err == nil {
			s := string(blob)
			ev.Details = &s
		}
	}
	return ev
}

func journalStep(runID string, res *engine.StepResult) *stores.Step {
	st := &stores.Step{
		RunID:          runID,
		Step:           res.Step,
		SimTime:        res.SimTime,
		Phase:          string(res.Phase.Phase),
		Pressure:       res.State.Pressure,
		Temperature:    res.State.SaturationTemperature,
		Level:          res.Level,
		WaterMass:      res.State.WaterMass,
		SteamMass:      res.State.SteamMass,
		SystemMass:     res.Ledger.ComponentMass,
		MassDriftPct:   res.Ledger.DriftPct,
		EnergyDriftPct: energyDriftPct(res),
		Hold:           string(res.Hold),
	}
	if d := res.Demand; d != nil {
		st.Letdown = d.Letdown
		st.Charging = d.Charging
	}
	return st
}

func journalTransition(runID string, res *engine.StepResult) *stores.Transition {
	tr := res.Transition
	if tr == nil {
		return nil
	}
	blob, err := json.Marshal(tr.Exited)
	if err != nil {
		blob = []byte("{}")
	}
	return &stores.Transition{
		RunID:     runID,
		Step:      res.Step,
		SimTime:   tr.SimTime,
		FromPhase: string(tr.From),
		ToPhase:   string(tr.To),
		Reason:    string(tr.Reason),
		Context:   string(blob),
	}
}

func journalClosure(runID string, res *engine.StepResult) *stores.ClosureTrace {
	c := res.Closure
	if c == nil {
		return nil
	}
	blob, err := json.Marshal(c.Diagnostic)
	if err != nil {
		blob = []byte("{}")
	}
	return &stores.ClosureTrace{
		RunID:      runID,
		Step:       res.Step,
		Phase:      string(c.Phase),
		Attempt:    c.Attempt,
		Committed:  c.Committed,
		Outcome:    string(c.Diagnostic.Outcome),
		Reason:     string(c.Diagnostic.Reason),
		Iterations: c.Diagnostic.Iterations,
		Pressure:   c.Diagnostic.Pressure,
		Diagnostic: string(blob),
	}
}
