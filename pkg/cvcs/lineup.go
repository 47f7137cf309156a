package cvcs

import (
	"fmt"
	"math"
)

// Lineup is one valve/orifice combination on the letdown path.
type Lineup struct {
	Name string `json:"name" validate:"required"`
	// RatedFlow is the letdown flow in gpm at ReferenceDP.
	RatedFlow float64 `json:"rated_flow" validate:"gt=0"`
	// ReferenceDP is the differential pressure in psid at which RatedFlow
	// was measured.
	ReferenceDP float64 `json:"reference_dp" validate:"gt=0"`
}

// Capacity returns the achievable flow in gpm at differential pressure dp,
// scaled with the square root of dp. Zero or negative dp gives no flow.
func (l Lineup) Capacity(dp float64) float64 {
	if dp <= 0 {
		return 0
	}
	return l.RatedFlow * math.Sqrt(dp/l.ReferenceDP)
}

// DefaultLineups is the low-pressure letdown catalogue used during heatup.
func DefaultLineups() []Lineup {
	return []Lineup{
		{Name: "ORIFICE_75", RatedFlow: 75, ReferenceDP: 1900},
		{Name: "ORIFICE_75_45", RatedFlow: 120, ReferenceDP: 1900},
		{Name: "RHR_CROSSTIE", RatedFlow: 120, ReferenceDP: 250},
	}
}

// LineupRequest asks for a lineup change on the next Resolve.
type LineupRequest struct {
	Index   int
	Trigger string
	Reason  string
}

// LineupEvent records an applied lineup change.
type LineupEvent struct {
	Seq      int    `json:"seq"`
	Previous int    `json:"previous"`
	Next     int    `json:"next"`
	Trigger  string `json:"trigger"`
	Reason   string `json:"reason"`
}

func (e LineupEvent) String() string {
	return fmt.Sprintf("lineup change #%d: %d -> %d (trigger=%s, reason=%s)",
		e.Seq, e.Previous, e.Next, e.Trigger, e.Reason)
}
