// Package cvcs resolves letdown and charging flow demand during the drain
// phase of bubble formation.
package cvcs

import (
	"fmt"

	"github.com/openfroyo/bubbleform/pkg/numeric"
	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

// Policy holds the procedural flow limits. Flows are in gpm, levels in
// percent of vessel volume, pressures in psia.
type Policy struct {
	MinLetdown      float64 `json:"min_letdown" validate:"gte=0"`
	MaxLetdown      float64 `json:"max_letdown" validate:"gtefield=MinLetdown"`
	ChargingInitial float64 `json:"charging_initial" validate:"gte=0"`
	ChargingTarget  float64 `json:"charging_target" validate:"gtefield=ChargingInitial"`
	CCPStartLevel   float64 `json:"ccp_start_level" validate:"gt=0,lte=100"`
	BackPressure    float64 `json:"back_pressure" validate:"gte=0"`
}

// DefaultPolicy returns the heatup drain procedure values.
func DefaultPolicy() Policy {
	return Policy{
		MinLetdown:      75,
		MaxLetdown:      120,
		ChargingInitial: 8,
		ChargingTarget:  50,
		CCPStartLevel:   80,
		BackPressure:    50,
	}
}

// Demand is the resolved flow for one step.
type Demand struct {
	Letdown    float64 `json:"letdown"`
	Charging   float64 `json:"charging"`
	NetOutflow float64 `json:"net_outflow"`
	Achievable float64 `json:"achievable"`
	// Saturated is set when Letdown exceeds Achievable. Letdown is not
	// reduced.
	Saturated  bool         `json:"saturated"`
	Progress   float64      `json:"progress"`
	Lineup     int          `json:"lineup"`
	LineupName string       `json:"lineup_name"`
	CCPStarted bool         `json:"ccp_started"`
	Event      *LineupEvent `json:"event,omitempty"`
}

// Resolver maps drain progress to flow demand. It is stateful across the
// drain phase and not safe for concurrent use.
type Resolver struct {
	policy  Policy
	lineups []Lineup
	logger  *telemetry.Logger

	active     int
	pending    []LineupRequest
	eventSeq   int
	startLevel float64
	target     float64
	ccpStarted bool
	saturated  bool
}

// NewResolver creates a resolver with the first lineup active.
func NewResolver(policy Policy, lineups []Lineup, logger *telemetry.Logger) (*Resolver, error) {
	if len(lineups) == 0 {
		return nil, fmt.Errorf("cvcs: at least one lineup is required")
	}
	if policy.MaxLetdown < policy.MinLetdown {
		return nil, fmt.Errorf("cvcs: max letdown %g below min %g", policy.MaxLetdown, policy.MinLetdown)
	}
	return &Resolver{
		policy:  policy,
		lineups: append([]Lineup(nil), lineups...),
		logger:  telemetry.OrNop(logger).NewComponentLogger("cvcs"),
	}, nil
}

// Begin resets the drain bookkeeping at phase entry. The lineup and event
// counter carry over.
func (r *Resolver) Begin(startLevel, targetLevel float64) {
	r.startLevel = startLevel
	r.target = targetLevel
	r.ccpStarted = false
	r.saturated = false
	r.pending = r.pending[:0]
}

// RequestLineupChange queues an explicit lineup change. Requests apply one
// per Resolve in arrival order.
func (r *Resolver) RequestLineupChange(index int, trigger, reason string) error {
	if index < 0 || index >= len(r.lineups) {
		return fmt.Errorf("cvcs: lineup index %d out of range [0,%d)", index, len(r.lineups))
	}
	if trigger == "" {
		return fmt.Errorf("cvcs: lineup change needs a trigger")
	}
	r.pending = append(r.pending, LineupRequest{Index: index, Trigger: trigger, Reason: reason})
	return nil
}

// Resolve computes the demand for the current level (percent) and vessel
// pressure (psia).
func (r *Resolver) Resolve(level, pressure float64) Demand {
	d := Demand{}
	d.Event = r.applyPending()

	d.Progress = r.progress(level)
	p := r.policy
	d.Letdown = p.MaxLetdown - (p.MaxLetdown-p.MinLetdown)*d.Progress

	lineup := r.lineups[r.active]
	d.Lineup = r.active
	d.LineupName = lineup.Name
	d.Achievable = lineup.Capacity(pressure - p.BackPressure)
	d.Saturated = d.Letdown > d.Achievable
	if d.Saturated != r.saturated {
		r.saturated = d.Saturated
		l := r.logger.WithFields(map[string]interface{}{
			"demand_gpm":     d.Letdown,
			"achievable_gpm": d.Achievable,
			"lineup":         lineup.Name,
		})
		if d.Saturated {
			l.Warn("letdown demand exceeds lineup capacity")
		} else {
			l.Info("letdown demand back within lineup capacity")
		}
	}

	d.Charging = r.charging(level)
	d.CCPStarted = r.ccpStarted
	d.NetOutflow = d.Letdown - d.Charging
	return d
}

// Active returns the index of the active lineup.
func (r *Resolver) Active() int { return r.active }

// Lineups returns the catalogue.
func (r *Resolver) Lineups() []Lineup { return r.lineups }

// EventCount returns how many lineup changes have been applied.
func (r *Resolver) EventCount() int { return r.eventSeq }

func (r *Resolver) applyPending() *LineupEvent {
	if len(r.pending) == 0 {
		return nil
	}
	req := r.pending[0]
	r.pending = r.pending[1:]

	r.eventSeq++
	ev := &LineupEvent{
		Seq:      r.eventSeq,
		Previous: r.active,
		Next:     req.Index,
		Trigger:  req.Trigger,
		Reason:   req.Reason,
	}
	r.active = req.Index
	r.logger.WithField("lineup", r.lineups[req.Index].Name).Info(ev.String())
	return ev
}

// progress is the fraction of the drain completed, in [0,1].
func (r *Resolver) progress(level float64) float64 {
	span := r.startLevel - r.target
	if span <= 0 {
		return 1
	}
	return numeric.Clamp((r.startLevel-level)/span, 0, 1)
}

// charging holds the initial flow until the level drops to the CCP start
// level, then ramps toward the target as the level approaches the drain
// target.
func (r *Resolver) charging(level float64) float64 {
	p := r.policy
	if !r.ccpStarted && level <= p.CCPStartLevel {
		r.ccpStarted = true
		r.logger.WithField("level_pct", level).Info("charging pump started")
	}
	if !r.ccpStarted {
		return p.ChargingInitial
	}
	span := p.CCPStartLevel - r.target
	frac := 1.0
	if span > 0 {
		frac = numeric.Clamp((p.CCPStartLevel-level)/span, 0, 1)
	}
	return p.ChargingInitial + (p.ChargingTarget-p.ChargingInitial)*frac
}
