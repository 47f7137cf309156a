package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/cvcs"
	"github.com/openfroyo/bubbleform/pkg/ledger"
	"github.com/openfroyo/bubbleform/pkg/steam"
)

const tenSeconds = 10.0 / 3600

var heatup = BoundaryTerms{
	HeaterPower:    80,
	ConductionLoss: 60000,
	InsulationLoss: 40000,
}

// upstream returns a snapshot whose tracked mass matches the saturated
// reconstruction exactly, shifted by delta lbm.
func upstream(p, volume, steamVolume, delta float64) *UpstreamSnapshot {
	props := steam.Default
	m := (volume-steamVolume)*props.SaturatedLiquidDensity(p) + steamVolume*props.SaturatedVaporDensity(p)
	return &UpstreamSnapshot{
		TotalMass:   m + delta,
		WaterVolume: volume - steamVolume,
		SteamVolume: steamVolume,
		Pressure:    p,
	}
}

func newSim(t *testing.T, params Params, solver Solver, sink Sink) *Simulation {
	t.Helper()
	sim, err := New(params, nil, solver, sink, nil)
	require.NoError(t, err)
	return sim
}

func handOff(t *testing.T, sim *Simulation) *StepResult {
	t.Helper()
	res, err := sim.Step(tenSeconds, StepInput{
		Boundary:      heatup,
		VaporDetected: true,
		Upstream:      upstream(320, sim.Params().VesselVolume, 30, 0),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	return res
}

// runUntil steps with the heatup boundary until pred holds or maxSteps pass.
func runUntil(t *testing.T, sim *Simulation, maxSteps int, in StepInput, pred func(*StepResult) bool) []*StepResult {
	t.Helper()
	var out []*StepResult
	for i := 0; i < maxSteps; i++ {
		res, err := sim.Step(tenSeconds, in)
		require.NoError(t, err)
		out = append(out, res)
		if pred(res) {
			return out
		}
	}
	return out
}

func TestHandoffPreservesMass(t *testing.T) {
	sim := newSim(t, DefaultParams(), nil, nil)

	res, err := sim.Step(tenSeconds, StepInput{
		Boundary:      heatup,
		VaporDetected: true,
		Upstream:      upstream(320, 600, 30, -0.5),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Handoff)

	rec := res.Handoff
	assert.True(t, rec.Passed)
	assert.InDelta(t, 0.5, rec.RawDelta, 1e-9)
	assert.InDelta(t, rec.PreMass, rec.PostMass, 1e-9)
	assert.InDelta(t, 0, rec.AssertedDelta, 1e-9)
	assert.Equal(t, AuthoritySinglePhase, rec.From)
	assert.Equal(t, AuthorityTwoPhase, rec.To)

	assert.Equal(t, PhaseDetection, sim.Phase())
	assert.Equal(t, ReasonVaporDetected, res.Transition.Reason)
	assert.Equal(t, SourceHandoff, res.State.Source)
	assert.InDelta(t, rec.PreMass, res.State.TotalMass(), 1e-9)
	assert.InDelta(t, 95, res.Level, 0.01)
	assert.Equal(t, 100.0, res.DisplayLevel)
	assert.Equal(t, ledger.StateOK, res.Ledger.DriftState)
}

func TestHandoffIntegrityIsFatal(t *testing.T) {
	tests := []struct {
		name string
		up   *UpstreamSnapshot
	}{
		{"reconstructed below tracked mass", upstream(320, 600, 30, 50)},
		{"reconstructed above tracked mass", upstream(320, 600, 30, -50)},
		{"negative bulk liquid", &UpstreamSnapshot{TotalMass: 10, WaterVolume: 1, SteamVolume: 599, Pressure: 320}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []Event
			sim := newSim(t, DefaultParams(), nil, SinkFunc(func(e Event) { events = append(events, e) }))

			res, err := sim.Step(tenSeconds, StepInput{Boundary: heatup, VaporDetected: true, Upstream: tt.up})
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.False(t, IsRecoverable(err))

			require.NotNil(t, res.Handoff)
			assert.False(t, res.Handoff.Passed)
			assert.NotEmpty(t, res.Handoff.Failure)

			// Nothing committed.
			assert.Equal(t, PhaseNone, sim.Phase())
			assert.Equal(t, int64(0), sim.StepCount())
			assert.Equal(t, 0.0, sim.SimTime())
			assert.Equal(t, 0.0, sim.State().TotalMass())
			assert.Nil(t, sim.Handoff())
			assert.Equal(t, ledger.Snapshot{}, sim.Ledger())

			require.Len(t, events, 1)
			assert.Equal(t, SeverityCritical, events[0].Severity)
			assert.Equal(t, EventKindHandoff, events[0].Kind)
		})
	}
}

func TestHandoffBadSnapshotHolds(t *testing.T) {
	sim := newSim(t, DefaultParams(), nil, nil)

	res, err := sim.Step(tenSeconds, StepInput{VaporDetected: true})
	require.NoError(t, err)
	assert.True(t, res.Held)
	assert.Equal(t, HoldInvalidInput, res.Hold)
	assert.True(t, IsRecoverable(res.Err))

	res, err = sim.Step(tenSeconds, StepInput{
		VaporDetected: true,
		Upstream:      &UpstreamSnapshot{TotalMass: math.NaN(), WaterVolume: 570, SteamVolume: 30, Pressure: 320},
	})
	require.NoError(t, err)
	assert.Equal(t, HoldInvalidInput, res.Hold)
	assert.Equal(t, PhaseNone, sim.Phase())
}

func TestInvalidStepInputHolds(t *testing.T) {
	sim := newSim(t, DefaultParams(), nil, nil)
	handOff(t, sim)
	before := sim.State()
	steps := sim.StepCount()

	for _, dt := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		res, err := sim.Step(dt, StepInput{Boundary: heatup})
		require.NoError(t, err)
		assert.True(t, res.Held)
		assert.Equal(t, HoldInvalidInput, res.Hold)
		assert.True(t, IsRecoverable(res.Err))
	}
	res, err := sim.Step(tenSeconds, StepInput{Boundary: BoundaryTerms{HeaterPower: math.NaN()}})
	require.NoError(t, err)
	assert.Equal(t, HoldInvalidInput, res.Hold)

	assert.Equal(t, before, sim.State())
	assert.Equal(t, steps, sim.StepCount())
}

func TestFullHeatup(t *testing.T) {
	var events []Event
	sim := newSim(t, DefaultParams(), nil, SinkFunc(func(e Event) { events = append(events, e) }))
	p := sim.Params()

	first := handOff(t, sim)
	initialMass := sim.SystemMass() + sim.ReservoirMass()

	results := append([]*StepResult{first}, runUntil(t, sim, 1080, StepInput{Boundary: heatup}, func(r *StepResult) bool {
		return r.Phase.Phase == PhaseComplete
	})...)
	require.Equal(t, PhaseComplete, sim.Phase(), "run did not complete")

	var transitions []*PhaseTransition
	prevIndex := PhaseNone.Index()
	for _, r := range results {
		idx := r.Phase.Phase.Index()
		assert.GreaterOrEqual(t, idx, prevIndex, "phase regressed at step %d", r.Step)
		prevIndex = idx
		if r.Transition != nil {
			transitions = append(transitions, r.Transition)
		}
		assert.NoError(t, r.Err, "step %d", r.Step)
	}

	require.Len(t, transitions, 6)
	for i, tr := range transitions {
		assert.Equal(t, Phases()[i], tr.From)
		assert.Equal(t, Phases()[i+1], tr.To)
	}
	assert.Equal(t, ReasonVaporDetected, transitions[0].Reason)
	assert.Equal(t, ReasonElapsed, transitions[1].Reason)
	assert.Equal(t, ReasonElapsed, transitions[2].Reason)
	assert.Equal(t, ReasonLevelPressureReady, transitions[3].Reason)
	assert.False(t, transitions[3].DrainHardGateTriggered())
	assert.Equal(t, ReasonElapsed, transitions[4].Reason)
	assert.Equal(t, ReasonReleaseReady, transitions[5].Reason)

	// Verification spray: 2 min at 10 psi/min.
	verification := transitions[2].Exited
	assert.InDelta(t, 20, verification.SprayPressureDrop, 1e-6)
	assert.Equal(t, SprayPass, verification.SprayResult)

	// Drain exits on the first step at or below target + tolerance.
	drain := transitions[3].Exited
	assert.True(t, drain.ExitLevelReady)
	assert.True(t, drain.ExitPressureReady)
	assert.False(t, drain.HardTimeout)
	assert.Greater(t, drain.CVCSTransfer, 0.0)
	assert.True(t, drain.CCPStarted)
	assert.Less(t, drain.Elapsed, p.DrainTimeout)
	for _, r := range results {
		if r.Phase.Phase != PhaseDrain {
			continue
		}
		assert.Greater(t, r.Level, p.DrainTargetLevel+p.DrainLevelTolerance)
		assert.GreaterOrEqual(t, r.State.Pressure, p.DrainPressureFloor)
		if r.Transition == nil {
			require.NotNil(t, r.Demand)
		}
	}
	for _, r := range results {
		if r.Transition != nil && r.Transition.From == PhaseDrain {
			assert.LessOrEqual(t, r.Level, p.DrainTargetLevel+p.DrainLevelTolerance)
		}
	}

	final := results[len(results)-1]
	assert.GreaterOrEqual(t, final.State.Pressure, p.ReleasePressure)
	assert.GreaterOrEqual(t, final.Level, p.DrainTargetLevel-p.PressurizeLevelMargin)
	assert.Equal(t, closure.RegimeMixture, final.State.Regime)
	assert.InDelta(t, p.VesselVolume, final.State.WaterVolume+final.State.SteamVolume, p.Closure.VolumeTolerance)

	// Letdown is internal: the whole plant inventory is conserved.
	assert.InDelta(t, initialMass, sim.SystemMass()+sim.ReservoirMass(), 1e-6*initialMass)
	books := sim.Ledger()
	assert.Equal(t, ledger.StateOK, books.DriftState)
	assert.Equal(t, ledger.StateOK, books.InventoryState)
	assert.Less(t, books.BoundaryError, 1e-6*initialMass)
	assert.InDelta(t, drain.CVCSTransfer, books.ReservoirMass-p.ReservoirMass, 1e-6)

	assert.True(t, sim.Controller().Seeded())

	// Once complete, further steps are no-ops.
	res, err := sim.Step(tenSeconds, StepInput{Boundary: heatup})
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, res.Phase.Phase)
	assert.Nil(t, res.Closure)
	assert.Equal(t, final.State, res.State)

	kinds := map[string]int{}
	for _, e := range events {
		kinds[e.Kind]++
	}
	assert.Equal(t, 6, kinds[EventKindTransition])
	assert.Equal(t, 1, kinds[EventKindSpray])
	assert.Zero(t, kinds[EventKindClosureFailed])
}

func TestZeroBoundaryFlowConservesMass(t *testing.T) {
	params := DefaultParams()
	params.DetectionDuration = 1.0 / 60
	params.VerificationDuration = 1.0 / 60
	params.SprayDuration = 0
	sim := newSim(t, params, nil, nil)
	handOff(t, sim)
	initial := sim.SystemMass()

	// Heaters only: no letdown, no charging, no external flow.
	in := StepInput{Boundary: BoundaryTerms{HeaterPower: 60, FlowOverride: true}}
	for i := 0; i < 120; i++ {
		res, err := sim.Step(tenSeconds, in)
		require.NoError(t, err)
		require.NoError(t, res.Err)
		assert.InDelta(t, initial, sim.SystemMass(), 1e-6*initial, "step %d", res.Step)
	}
	assert.Equal(t, PhaseDrain, sim.Phase())
	assert.InDelta(t, 0, sim.Ledger().BoundaryError, 1e-6)
	assert.Less(t, sim.Ledger().DriftPct, 1e-6)
}

func TestDrainHardTimeout(t *testing.T) {
	params := DefaultParams()
	params.DetectionDuration = 1.0 / 60
	params.VerificationDuration = 1.0 / 60
	params.SprayDuration = 0
	sim := newSim(t, params, nil, nil)
	handOff(t, sim)

	// A trickle of letdown never reaches the target.
	in := StepInput{Boundary: heatup}
	in.Boundary.FlowOverride = true
	in.Boundary.Letdown = 5

	var exit *StepResult
	var drainSteps int
	runUntil(t, sim, 1000, in, func(r *StepResult) bool {
		if r.Transition != nil && r.Transition.From == PhaseDrain {
			exit = r
			return true
		}
		if r.Phase.Phase == PhaseDrain {
			drainSteps++
		}
		return false
	})
	require.NotNil(t, exit, "drain never exited")

	tr := exit.Transition
	assert.Equal(t, ReasonHardTimeout, tr.Reason)
	assert.True(t, tr.DrainHardGateTriggered())
	assert.True(t, tr.Exited.HardTimeout)
	assert.False(t, tr.Exited.ExitLevelReady)
	assert.InDelta(t, params.DrainTimeout, tr.Exited.Elapsed, 1e-6)
	assert.Equal(t, 360, drainSteps)
	assert.Equal(t, PhaseStabilize, sim.Phase())
}

func TestDrainLineupChangeEvent(t *testing.T) {
	params := DefaultParams()
	params.DetectionDuration = 1.0 / 60
	params.VerificationDuration = 1.0 / 60
	params.SprayDuration = 0
	sim := newSim(t, params, nil, nil)
	handOff(t, sim)
	runUntil(t, sim, 100, StepInput{Boundary: heatup}, func(r *StepResult) bool {
		return r.Phase.Phase == PhaseDrain
	})
	require.Equal(t, PhaseDrain, sim.Phase())

	res, err := sim.Step(tenSeconds, StepInput{
		Boundary:     heatup,
		LineupChange: &cvcs.LineupRequest{Index: 2, Trigger: "operator", Reason: "orifice capacity"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Demand)
	require.NotNil(t, res.Demand.Event)
	assert.Equal(t, 0, res.Demand.Event.Previous)
	assert.Equal(t, 2, res.Demand.Event.Next)
	assert.Equal(t, "RHR_CROSSTIE", res.Demand.LineupName)
	assert.False(t, res.Demand.Saturated)
	assert.Equal(t, 1, res.Phase.LineupEvents)
	assert.Equal(t, 2, sim.ActiveLineup())

	var found bool
	for _, e := range res.Events {
		found = found || e.Kind == EventKindLineup
	}
	assert.True(t, found)

	res, err = sim.Step(tenSeconds, StepInput{
		Boundary:     heatup,
		LineupChange: &cvcs.LineupRequest{Index: 7, Trigger: "operator"},
	})
	require.NoError(t, err)
	assert.True(t, IsRecoverable(res.Err))
	assert.Equal(t, 2, sim.ActiveLineup())
}

func TestReset(t *testing.T) {
	sim := newSim(t, DefaultParams(), nil, nil)
	handOff(t, sim)
	runUntil(t, sim, 5, StepInput{Boundary: heatup}, func(*StepResult) bool { return false })
	steps, now := sim.StepCount(), sim.SimTime()

	tr := sim.Reset()
	assert.Equal(t, PhaseDetection, tr.From)
	assert.Equal(t, PhaseNone, tr.To)
	assert.Equal(t, ReasonReset, tr.Reason)
	assert.Equal(t, PhaseNone, sim.Phase())
	assert.Equal(t, steps, sim.StepCount())
	assert.Equal(t, now, sim.SimTime())
	assert.Equal(t, ledger.Snapshot{}, sim.Ledger())
	assert.Nil(t, sim.Handoff())

	// A fresh handoff is accepted after a reset.
	res := handOff(t, sim)
	assert.Equal(t, PhaseDetection, res.Phase.Phase)
	assert.Equal(t, now+tenSeconds, res.Phase.EnteredAt)
}

func TestNoneWithoutVapourIsIdle(t *testing.T) {
	sim := newSim(t, DefaultParams(), nil, nil)
	res, err := sim.Step(tenSeconds, StepInput{Boundary: heatup})
	require.NoError(t, err)
	assert.Equal(t, PhaseNone, res.Phase.Phase)
	assert.Nil(t, res.Closure)
	assert.Equal(t, 100.0, res.DisplayLevel)
	assert.Equal(t, int64(1), res.Step)
}

func TestNewRejectsBadParams(t *testing.T) {
	params := DefaultParams()
	params.VesselVolume = 0
	_, err := New(params, nil, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	params = DefaultParams()
	params.Lineups = nil
	_, err = New(params, nil, nil, nil, nil)
	require.Error(t, err)
}
