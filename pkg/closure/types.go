package closure

// Regime is the thermodynamic regime of a candidate state.
type Regime string

const (
	RegimeSubcooled   Regime = "SUBCOOLED_LIQUID"
	RegimeMixture     Regime = "SATURATED_MIXTURE"
	RegimeSuperheated Regime = "SUPERHEATED_VAPOR"
)

// Outcome is the overall result of a solve attempt.
type Outcome string

const (
	OutcomeConverged Outcome = "CONVERGED"
	OutcomeFailed    Outcome = "FAILED"
)

// FailureReason enumerates every way a solve can be refused.
type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonEvaluationFailed   FailureReason = "EVALUATION_FAILED"
	ReasonVolumeEvalNaN      FailureReason = "V_EVAL_NAN"
	ReasonEOSOutOfRange      FailureReason = "EOS_OUT_OF_RANGE"
	ReasonInfeasibleEnergy   FailureReason = "INFEASIBLE_ENERGY_FOR_MASS_VOLUME"
	ReasonNoVolumeBracket    FailureReason = "NO_VOLUME_BRACKET"
	ReasonSameSignFullRange  FailureReason = "RESIDUAL_SAME_SIGN_FULL_RANGE"
	ReasonMaxIterations      FailureReason = "MAX_ITERATIONS"
	ReasonMassContract       FailureReason = "MASS_CONTRACT_RESIDUAL"
	ReasonPatternInvalid     FailureReason = "CONVERGENCE_PATTERN_INVALID"
	ReasonMinWaterConstraint FailureReason = "MIN_WATER_CONSTRAINT"
)

// Pattern classifies how the residual behaved during bisection.
type Pattern string

const (
	PatternNone               Pattern = ""
	PatternMonotonicDescent   Pattern = "MONOTONIC_DESCENT"
	PatternBoundedOscillatory Pattern = "BOUNDED_OSCILLATORY"
	PatternNonCompliant       Pattern = "NON_COMPLIANT"
)

// Accepted reports whether a converged solve with this pattern may be
// committed.
func (p Pattern) Accepted() bool {
	return p == PatternMonotonicDescent || p == PatternBoundedOscillatory
}

// EvalStatus is the validity of a single probe evaluation.
type EvalStatus string

const (
	EvalOK         EvalStatus = "OK"
	EvalNaN        EvalStatus = "NAN"
	EvalOutOfRange EvalStatus = "OUT_OF_RANGE"
	EvalInfeasible EvalStatus = "INFEASIBLE"
)

// Tier names the pressure band a bracket was searched in.
type Tier string

const (
	TierNone      Tier = ""
	TierOperating Tier = "OPERATING"
	TierHard      Tier = "HARD"
)

// Band is a closed pressure interval in psia.
type Band struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// Contains reports whether p lies within the band.
func (b Band) Contains(p float64) bool {
	return p >= b.Lo && p <= b.Hi
}

// Clamp limits p to the band.
func (b Band) Clamp(p float64) float64 {
	if p < b.Lo {
		return b.Lo
	}
	if p > b.Hi {
		return b.Hi
	}
	return p
}

// Request is the input to a single closure solve.
type Request struct {
	// TargetMass is the total fluid mass in lbm.
	TargetMass float64
	// TargetEnthalpy is the total (not specific) enthalpy in BTU.
	TargetEnthalpy float64
	// Volume is the fixed vessel volume in ft³.
	Volume float64
	// PressureGuess centres the bracket search, normally the previous
	// committed pressure in psia.
	PressureGuess float64
	// MinWaterVolume rejects solutions with less liquid volume (ft³).
	// Zero disables the check.
	MinWaterVolume float64
	// Trace records every probe and bisection step in the Diagnostic.
	Trace bool
}

// Candidate is one evaluated state at a probe pressure.
type Candidate struct {
	Pressure       float64 // psia
	Temperature    float64 // °F
	RawQuality     float64
	Quality        float64
	WaterMass      float64 // lbm
	SteamMass      float64 // lbm
	WaterVolume    float64 // ft³
	SteamVolume    float64 // ft³
	TotalEnthalpy  float64 // BTU
	VolumeResidual float64 // ft³, computed minus target
	EnergyResidual float64 // BTU, computed minus target
	Regime         Regime
}

// State is the accepted vessel state written back on success.
type State struct {
	Pressure              float64
	SaturationTemperature float64
	Temperature           float64
	Quality               float64
	WaterMass             float64
	SteamMass             float64
	WaterVolume           float64
	SteamVolume           float64
	TotalEnthalpy         float64
	Regime                Regime
}

// Solution is an accepted closure.
type Solution struct {
	State      State
	Diagnostic Diagnostic
}

// EvalCounts tallies probe evaluations by status.
type EvalCounts struct {
	Valid      int
	NaN        int
	OutOfRange int
	Infeasible int
}

// Total returns the number of evaluations.
func (c EvalCounts) Total() int {
	return c.Valid + c.NaN + c.OutOfRange + c.Infeasible
}

func (c *EvalCounts) add(s EvalStatus) {
	switch s {
	case EvalOK:
		c.Valid++
	case EvalNaN:
		c.NaN++
	case EvalOutOfRange:
		c.OutOfRange++
	default:
		c.Infeasible++
	}
}

// BracketResult is the outcome of the bracket scan.
type BracketResult struct {
	// Best is the valid probe with the smallest volume residual.
	Best *Candidate
	// Hit is set when a probe already satisfied both tolerances.
	Hit *Candidate
	// Lo and Hi bracket a sign change of the volume residual.
	Lo, Hi  *Candidate
	Counts  EvalCounts
	Tier    Tier
	Windows int
	Reason  FailureReason
}

// TraceEntry is one row of the per-evaluation audit trace.
type TraceEntry struct {
	Stage          string     `json:"stage"`
	Iteration      int        `json:"iteration"`
	Pressure       float64    `json:"pressure"`
	Status         EvalStatus `json:"status"`
	Regime         Regime     `json:"regime,omitempty"`
	VolumeResidual float64    `json:"volume_residual"`
	EnergyResidual float64    `json:"energy_residual"`
	BracketLo      float64    `json:"bracket_lo,omitempty"`
	BracketHi      float64    `json:"bracket_hi,omitempty"`
}

// Diagnostic is the structured record of a solve attempt, produced for both
// success and failure.
type Diagnostic struct {
	Outcome        Outcome       `json:"outcome"`
	Reason         FailureReason `json:"reason,omitempty"`
	Iterations     int           `json:"iterations"`
	Pattern        Pattern       `json:"pattern,omitempty"`
	Pressure       float64       `json:"pressure"`
	Regime         Regime        `json:"regime,omitempty"`
	WaterVolume    float64       `json:"water_volume"`
	VolumeResidual float64       `json:"volume_residual"`
	EnergyResidual float64       `json:"energy_residual"`
	MassResidual   float64       `json:"mass_residual"`
	Tier           Tier          `json:"tier,omitempty"`
	Windows        int           `json:"windows"`
	Evaluations    EvalCounts    `json:"evaluations"`
	Trace          []TraceEntry  `json:"trace,omitempty"`
}
