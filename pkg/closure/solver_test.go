package closure

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/bubbleform/pkg/steam"
)

func newTestSolver(props steam.Properties) *Solver {
	return NewSolver(props, DefaultOptions(), nil)
}

func requireReason(t *testing.T, err error, want FailureReason) Diagnostic {
	t.Helper()
	require.Error(t, err)
	reason, ok := ReasonOf(err)
	require.True(t, ok, "not a closure error: %v", err)
	assert.Equal(t, want, reason)
	diag, ok := DiagnosticOf(err)
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, diag.Outcome)
	assert.Equal(t, want, diag.Reason)
	return diag
}

func TestSolveMixture800ft3(t *testing.T) {
	const (
		mass   = 50000.0
		volume = 800.0
	)
	fluid := linearFluid{}
	h, x := mixtureEnthalpy(fluid, 400, mass, volume)
	require.Greater(t, x, 0.0)
	require.Greater(t, h, fluid.SaturatedLiquidEnthalpy(400))
	require.Less(t, h, fluid.SaturatedVaporEnthalpy(400))

	for _, guess := range []float64{380, 100, 2000} {
		sol, err := newTestSolver(fluid).Solve(Request{
			TargetMass:     mass,
			TargetEnthalpy: h * mass,
			Volume:         volume,
			PressureGuess:  guess,
		})
		require.NoError(t, err, "guess %v", guess)

		st := sol.State
		assert.Equal(t, RegimeMixture, st.Regime)
		assert.Greater(t, st.Quality, 0.0)
		assert.Less(t, st.Quality, 1.0)
		assert.Less(t, math.Abs(sol.Diagnostic.VolumeResidual), 1.0)
		assert.LessOrEqual(t, math.Abs(sol.Diagnostic.EnergyResidual), 50.0)
		assert.InDelta(t, 400, st.Pressure, 0.5)
		assert.InDelta(t, mass, st.WaterMass+st.SteamMass, 1e-6)
		assert.InDelta(t, volume, st.WaterVolume+st.SteamVolume, 0.5)
		assert.True(t, sol.Diagnostic.Pattern.Accepted())
		assert.Equal(t, OutcomeConverged, sol.Diagnostic.Outcome)
	}
}

func TestSolveSteamModel(t *testing.T) {
	const (
		mass   = 30000.0
		volume = 800.0
	)
	h, x := mixtureEnthalpy(steam.Default, 400, mass, volume)
	require.InDelta(t, 0.0064, x, 0.0002)

	sol, err := newTestSolver(steam.Default).Solve(Request{
		TargetMass:     mass,
		TargetEnthalpy: h * mass,
		Volume:         volume,
		PressureGuess:  380,
	})
	require.NoError(t, err)

	assert.Equal(t, RegimeMixture, sol.State.Regime)
	assert.InDelta(t, 400, sol.State.Pressure, 0.1)
	assert.InDelta(t, steam.Default.SaturationTemperature(sol.State.Pressure), sol.State.SaturationTemperature, 1e-9)
	assert.Greater(t, sol.Diagnostic.Iterations, 0)
	assert.Equal(t, TierOperating, sol.Diagnostic.Tier)
	assert.Greater(t, sol.Diagnostic.Evaluations.Valid, 0)
}

func TestSolveSubcooledLiquid(t *testing.T) {
	m := steam.Default
	const volume = 800.0
	mass := volume * m.LiquidDensity(400, 2250)
	h := m.LiquidEnthalpy(400, 2250)

	sol, err := newTestSolver(m).Solve(Request{
		TargetMass:     mass,
		TargetEnthalpy: h * mass,
		Volume:         volume,
		PressureGuess:  2000,
	})
	require.NoError(t, err)

	assert.Equal(t, RegimeSubcooled, sol.State.Regime)
	assert.Equal(t, 0.0, sol.State.SteamMass)
	assert.InDelta(t, 400, sol.State.Temperature, 1)
	assert.Greater(t, sol.State.Pressure, 2000.0)
	assert.Less(t, sol.State.Pressure, 2400.0)
}

func TestSolveIdempotent(t *testing.T) {
	s := newTestSolver(steam.Default)
	h, _ := mixtureEnthalpy(steam.Default, 400, 30000, 800)
	req := Request{TargetMass: 30000, TargetEnthalpy: h * 30000, Volume: 800, PressureGuess: 380}

	first, err := s.Solve(req)
	require.NoError(t, err)

	req.PressureGuess = first.State.Pressure
	second, err := s.Solve(req)
	require.NoError(t, err)

	assert.InDelta(t, first.State.Pressure, second.State.Pressure, 1e-6)
	assert.InDelta(t, first.State.SteamMass, second.State.SteamMass, 1e-3)
	assert.Equal(t, 0, second.Diagnostic.Iterations)
}

func TestSolveRejectsBadInput(t *testing.T) {
	s := newTestSolver(linearFluid{})

	tests := []struct {
		name string
		req  Request
		want FailureReason
	}{
		{
			name: "non-finite enthalpy",
			req:  Request{TargetMass: 1000, TargetEnthalpy: math.NaN(), Volume: 800, PressureGuess: 400},
			want: ReasonEvaluationFailed,
		},
		{
			name: "infinite guess",
			req:  Request{TargetMass: 1000, TargetEnthalpy: 1e5, Volume: 800, PressureGuess: math.Inf(1)},
			want: ReasonEvaluationFailed,
		},
		{
			name: "zero mass",
			req:  Request{TargetMass: 0, TargetEnthalpy: 0, Volume: 800, PressureGuess: 400},
			want: ReasonInfeasibleEnergy,
		},
		{
			name: "enthalpy above hottest vapour",
			req:  Request{TargetMass: 1000, TargetEnthalpy: 1000 * 5000, Volume: 800, PressureGuess: 400},
			want: ReasonInfeasibleEnergy,
		},
		{
			name: "negative enthalpy",
			req:  Request{TargetMass: 1000, TargetEnthalpy: -1000, Volume: 800, PressureGuess: 400},
			want: ReasonInfeasibleEnergy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sol, err := s.Solve(tt.req)
			assert.Nil(t, sol)
			diag := requireReason(t, err, tt.want)
			assert.Equal(t, 0, diag.Evaluations.Total())
		})
	}
}

func TestSolveBracketFailures(t *testing.T) {
	h, _ := mixtureEnthalpy(linearFluid{}, 400, 50000, 800)

	oneWindow := DefaultOptions()
	oneWindow.MaxWindows = 1

	tests := []struct {
		name   string
		props  steam.Properties
		opts   Options
		volume float64
		guess  float64
		want   FailureReason
	}{
		{
			name:   "root below property envelope",
			props:  narrowFluid{},
			opts:   DefaultOptions(),
			volume: 800,
			guess:  400,
			want:   ReasonEOSOutOfRange,
		},
		{
			name:   "broken saturation line",
			props:  nanFluid{},
			opts:   DefaultOptions(),
			volume: 800,
			guess:  400,
			want:   ReasonVolumeEvalNaN,
		},
		{
			name:   "vessel too small at any pressure",
			props:  linearFluid{},
			opts:   DefaultOptions(),
			volume: 100,
			guess:  400,
			want:   ReasonSameSignFullRange,
		},
		{
			name:   "window schedule too short",
			props:  linearFluid{},
			opts:   oneWindow,
			volume: 800,
			guess:  2000,
			want:   ReasonNoVolumeBracket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSolver(tt.props, tt.opts, nil)
			_, err := s.Solve(Request{
				TargetMass:     50000,
				TargetEnthalpy: h * 50000,
				Volume:         tt.volume,
				PressureGuess:  tt.guess,
			})
			diag := requireReason(t, err, tt.want)
			assert.Greater(t, diag.Evaluations.Total(), 0)
			assert.Equal(t, 0, diag.Iterations)
		})
	}
}

func TestSolveRejectsNonCompliantPattern(t *testing.T) {
	const mass, volume = 50000.0, 800.0
	h, _ := mixtureEnthalpy(linearFluid{}, 405, mass, volume)
	req := Request{TargetMass: mass, TargetEnthalpy: h * mass, Volume: volume, PressureGuess: 400, Trace: true}

	// Without the spike the same request converges.
	sol, err := newTestSolver(linearFluid{}).Solve(req)
	require.NoError(t, err)
	assert.InDelta(t, 405, sol.State.Pressure, 0.1)

	// The first bisection midpoint (403.125 psia) lands in the spike and
	// escapes its bracket; the later root is still refused.
	spiky := spikeFluid{lo: 402.625, hi: 403.625}
	_, err = newTestSolver(spiky).Solve(req)
	diag := requireReason(t, err, ReasonPatternInvalid)
	assert.LessOrEqual(t, math.Abs(diag.VolumeResidual), 0.5)
	assert.Greater(t, diag.Iterations, 1)
	require.NotEmpty(t, diag.Trace)
	assert.Equal(t, "bisect", diag.Trace[len(diag.Trace)-1].Stage)
}

func TestSolveMassContract(t *testing.T) {
	h, _ := mixtureEnthalpy(linearFluid{}, 400, 50000, 800)
	_, err := newTestSolver(skewedFluid{}).Solve(Request{
		TargetMass:     50000,
		TargetEnthalpy: h * 50000,
		Volume:         800,
		PressureGuess:  380,
	})
	diag := requireReason(t, err, ReasonMassContract)
	assert.InDelta(t, 400, diag.Pressure, 0.5)
	assert.Greater(t, math.Abs(diag.MassResidual), 1.0)
}

func TestSolveMinWaterConstraint(t *testing.T) {
	h, _ := mixtureEnthalpy(steam.Default, 400, 30000, 800)
	req := Request{TargetMass: 30000, TargetEnthalpy: h * 30000, Volume: 800, PressureGuess: 380}

	sol, err := newTestSolver(steam.Default).Solve(req)
	require.NoError(t, err)
	require.InDelta(t, 576.5, sol.State.WaterVolume, 1)

	req.MinWaterVolume = 700
	_, err = newTestSolver(steam.Default).Solve(req)
	diag := requireReason(t, err, ReasonMinWaterConstraint)
	assert.InDelta(t, 400, diag.Pressure, 0.1)
}

func TestSolveReentrancyGuard(t *testing.T) {
	var inner error
	fluid := reentrantFluid{err: &inner}
	s := NewSolver(nil, DefaultOptions(), nil)
	fluid.solver = s
	s.props = fluid

	h, _ := mixtureEnthalpy(linearFluid{}, 400, 50000, 800)
	sol, err := s.Solve(Request{TargetMass: 50000, TargetEnthalpy: h * 50000, Volume: 800, PressureGuess: 380})
	require.NoError(t, err)
	assert.InDelta(t, 400, sol.State.Pressure, 0.5)
	assert.ErrorIs(t, inner, ErrReentrant)

	// The guard is released after the outer solve.
	_, err = s.Solve(Request{TargetMass: 50000, TargetEnthalpy: h * 50000, Volume: 800, PressureGuess: 400})
	assert.NoError(t, err)
}

func TestSolveTrace(t *testing.T) {
	h, _ := mixtureEnthalpy(linearFluid{}, 400, 50000, 800)
	req := Request{TargetMass: 50000, TargetEnthalpy: h * 50000, Volume: 800, PressureGuess: 380}

	sol, err := newTestSolver(linearFluid{}).Solve(req)
	require.NoError(t, err)
	assert.Empty(t, sol.Diagnostic.Trace)

	req.Trace = true
	sol, err = newTestSolver(linearFluid{}).Solve(req)
	require.NoError(t, err)

	var bracket, bisect int
	for _, e := range sol.Diagnostic.Trace {
		switch e.Stage {
		case "bracket":
			bracket++
		case "bisect":
			bisect++
			assert.LessOrEqual(t, e.BracketLo, e.Pressure)
			assert.GreaterOrEqual(t, e.BracketHi, e.Pressure)
		}
	}
	assert.Equal(t, sol.Diagnostic.Evaluations.Total()-bisect, bracket)
	assert.Equal(t, sol.Diagnostic.Iterations, bisect)
}

func TestErrorMatching(t *testing.T) {
	err := error(&Error{Reason: ReasonMaxIterations, Diagnostic: Diagnostic{Iterations: 80}})
	wrapped := errors.Join(errors.New("step 12"), err)

	assert.ErrorIs(t, wrapped, &Error{Reason: ReasonMaxIterations})
	assert.NotErrorIs(t, wrapped, &Error{Reason: ReasonMassContract})
	assert.Contains(t, err.Error(), "MAX_ITERATIONS")

	_, ok := ReasonOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	bad := DefaultOptions()
	bad.OperatingBand = Band{Lo: 0.5, Hi: 2300}
	assert.Error(t, bad.Validate())

	bad = DefaultOptions()
	bad.GrowthFactor = 1
	assert.Error(t, bad.Validate())
}
