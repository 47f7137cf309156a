package stores

import (
	"time"
)

// RunStatus represents the status of a journaled run
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusIncomplete RunStatus = "incomplete"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Run represents one heatup run of a scenario
type Run struct {
	ID          string     `json:"id"`
	Scenario    string     `json:"scenario"`
	Status      RunStatus  `json:"status"`
	FinalPhase  string     `json:"final_phase"`
	SimHours    float64    `json:"sim_hours"`
	Steps       int64      `json:"steps"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Params      string     `json:"params"` // JSON blob of the engine parameters
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Step is one committed (or held) simulation step
type Step struct {
	RunID          string  `json:"run_id"`
	Step           int64   `json:"step"`
	SimTime        float64 `json:"sim_time_hr"`
	Phase          string  `json:"phase"`
	Pressure       float64 `json:"pressure"`
	Temperature    float64 `json:"temperature"`
	Level          float64 `json:"level"`
	WaterMass      float64 `json:"water_mass"`
	SteamMass      float64 `json:"steam_mass"`
	SystemMass     float64 `json:"system_mass"`
	MassDriftPct   float64 `json:"mass_drift_pct"`
	EnergyDriftPct float64 `json:"energy_drift_pct"`
	Letdown        float64 `json:"letdown_gpm"`
	Charging       float64 `json:"charging_gpm"`
	Hold           string  `json:"hold,omitempty"`
}

// Transition records a phase change
type Transition struct {
	RunID     string  `json:"run_id"`
	Step      int64   `json:"step"`
	SimTime   float64 `json:"sim_time_hr"`
	FromPhase string  `json:"from_phase"`
	ToPhase   string  `json:"to_phase"`
	Reason    string  `json:"reason"`
	Context   string  `json:"context"` // JSON blob of the exited phase context
}

// Event represents an append-only structured simulation event
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Step      int64     `json:"step"`
	SimTime   float64   `json:"sim_time_hr"`
	Phase     string    `json:"phase"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// ClosureTrace is the diagnostic of one closure attempt
type ClosureTrace struct {
	RunID      string  `json:"run_id"`
	Step       int64   `json:"step"`
	Phase      string  `json:"phase"`
	Attempt    int     `json:"attempt"`
	Committed  bool    `json:"committed"`
	Outcome    string  `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
	Iterations int     `json:"iterations"`
	Pressure   float64 `json:"pressure"`
	Diagnostic string  `json:"diagnostic"` // JSON blob, includes the per-iteration trace when recorded
}

// EventFilter narrows GetEvents. Empty fields match everything.
type EventFilter struct {
	RunID    string
	Kind     string
	Severity string
}
