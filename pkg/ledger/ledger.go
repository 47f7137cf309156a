// Package ledger keeps the canonical mass and energy books for a run.
//
// The ledger advances a canonical primary mass by declared transfers only,
// compares it each step with an independently computed component sum, and
// integrates true plant-boundary crossings into an expected inventory.
// Transfers between adjoining compartments move mass between the primary
// and its reservoirs but never count as boundary flow.
//
// All alarm logging is edge-triggered: a message is written when a state
// changes, not on every step it persists.
package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/openfroyo/bubbleform/pkg/numeric"
	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

// ErrNonFinite is returned when an input is NaN or infinite. The ledger is
// left unchanged.
var ErrNonFinite = errors.New("ledger: non-finite input")

// State classifies a conservation error.
type State string

const (
	StateOK    State = "OK"
	StateWarn  State = "WARN"
	StateAlarm State = "ALARM"
)

// TransferKind says where a mass transfer starts and ends.
type TransferKind string

const (
	// TransferLetdown moves mass from the primary to the adjoining reservoir.
	TransferLetdown TransferKind = "letdown"
	// TransferCharging moves mass from the reservoir back to the primary.
	TransferCharging TransferKind = "charging"
	// TransferBoundaryIn brings mass into the primary from outside the plant.
	TransferBoundaryIn TransferKind = "boundary_in"
	// TransferBoundaryOut removes mass from the primary to outside the plant.
	TransferBoundaryOut TransferKind = "boundary_out"
)

// Internal reports whether the transfer stays within the plant boundary.
func (k TransferKind) Internal() bool {
	return k == TransferLetdown || k == TransferCharging
}

// Thresholds sets the classification limits in percent.
type Thresholds struct {
	DriftWarnPct      float64 `json:"drift_warn_pct" validate:"gt=0"`
	DriftAlarmPct     float64 `json:"drift_alarm_pct" validate:"gtfield=DriftWarnPct"`
	InventoryAlarmPct float64 `json:"inventory_alarm_pct" validate:"gt=0"`
}

// DefaultThresholds returns WARN at 0.1 %, ALARM at 0.5 % and an inventory
// alarm at 0.5 %.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DriftWarnPct:      0.1,
		DriftAlarmPct:     0.5,
		InventoryAlarmPct: 0.5,
	}
}

// Components is the independently computed primary inventory.
type Components struct {
	VesselWater float64 // lbm
	VesselSteam float64 // lbm
	Loop        float64 // lbm outside the vessel
}

// Sum returns the total component mass.
func (c Components) Sum() float64 {
	return c.VesselWater + c.VesselSteam + c.Loop
}

// Alert is emitted when a classified state changes.
type Alert struct {
	Check    string
	Previous State
	Current  State
	Message  string
}

// Snapshot is a read-only view of the books.
type Snapshot struct {
	CanonicalMass     float64 `json:"canonical_mass"`
	ComponentMass     float64 `json:"component_mass"`
	DriftAbs          float64 `json:"drift_abs"`
	DriftPct          float64 `json:"drift_pct"`
	DriftState        State   `json:"drift_state"`
	ReservoirMass     float64 `json:"reservoir_mass"`
	CumulativeIn      float64 `json:"cumulative_in"`
	CumulativeOut     float64 `json:"cumulative_out"`
	ExpectedMass      float64 `json:"expected_mass"`
	BoundaryError     float64 `json:"boundary_error"`
	EnergyIn          float64 `json:"energy_in"`
	EnergyOut         float64 `json:"energy_out"`
	ExpectedEnthalpy  float64 `json:"expected_enthalpy"`
	InventoryErrorAbs float64 `json:"inventory_error_abs"`
	InventoryErrorPct float64 `json:"inventory_error_pct"`
	InventoryState    State   `json:"inventory_state"`
}

// Ledger is owned by a single simulation and is not safe for concurrent use.
type Ledger struct {
	th     Thresholds
	logger *telemetry.Logger

	canonical float64
	reservoir float64
	initial   float64 // primary + reservoir at start

	componentSum float64
	driftAbs     float64
	driftPct     float64
	driftState   State

	cumIn  float64
	cumOut float64

	initialEnthalpy float64
	energyIn        float64
	energyOut       float64

	inventoryAbs   float64
	inventoryPct   float64
	inventoryState State
}

// New opens the books with the primary inventory, the reservoir inventory
// and the primary total enthalpy (BTU).
func New(primary Components, reservoir, enthalpy float64, th Thresholds, logger *telemetry.Logger) (*Ledger, error) {
	if !numeric.AllFinite(primary.VesselWater, primary.VesselSteam, primary.Loop, reservoir, enthalpy) {
		return nil, ErrNonFinite
	}
	total := primary.Sum()
	if total <= 0 {
		return nil, fmt.Errorf("ledger: initial primary mass must be positive, got %g", total)
	}
	return &Ledger{
		th:              th,
		logger:          telemetry.OrNop(logger).NewComponentLogger("ledger"),
		canonical:       total,
		reservoir:       reservoir,
		initial:         total + reservoir,
		componentSum:    total,
		driftState:      StateOK,
		initialEnthalpy: enthalpy,
		inventoryState:  StateOK,
	}, nil
}

// Transfer records a declared mass transfer of m lbm (m >= 0).
func (l *Ledger) Transfer(kind TransferKind, m float64) error {
	if !numeric.IsFinite(m) {
		return ErrNonFinite
	}
	if m < 0 {
		return fmt.Errorf("ledger: negative %s transfer %g", kind, m)
	}
	switch kind {
	case TransferLetdown:
		l.canonical -= m
		l.reservoir += m
	case TransferCharging:
		l.canonical += m
		l.reservoir -= m
	case TransferBoundaryIn:
		l.canonical += m
		l.cumIn += m
	case TransferBoundaryOut:
		l.canonical -= m
		l.cumOut += m
	default:
		return fmt.Errorf("ledger: unknown transfer kind %q", kind)
	}
	return nil
}

// Energy records heat added to and removed from the primary in BTU.
func (l *Ledger) Energy(in, out float64) error {
	if !numeric.AllFinite(in, out) {
		return ErrNonFinite
	}
	l.energyIn += in
	l.energyOut += out
	return nil
}

// Reconcile compares the component sum with the canonical mass and returns
// an alert if the drift state changed.
func (l *Ledger) Reconcile(c Components) (*Alert, error) {
	sum := c.Sum()
	if !numeric.IsFinite(sum) {
		return nil, ErrNonFinite
	}
	l.componentSum = sum
	l.driftAbs = math.Abs(sum - l.canonical)
	l.driftPct = percent(l.driftAbs, l.canonical)

	next := StateOK
	switch {
	case l.driftPct >= l.th.DriftAlarmPct:
		next = StateAlarm
	case l.driftPct >= l.th.DriftWarnPct:
		next = StateWarn
	}
	return l.transition("drift", &l.driftState, next, l.driftAbs, l.driftPct), nil
}

// Audit sums every connected compartment (the primary components plus all
// reservoirs) and compares the total with the boundary-integrated expected
// mass. It returns an alert if the inventory state changed.
func (l *Ledger) Audit(c Components, reservoirs ...float64) (*Alert, error) {
	total := c.Sum()
	for _, r := range reservoirs {
		total += r
	}
	if !numeric.IsFinite(total) {
		return nil, ErrNonFinite
	}
	expected := l.ExpectedMass()
	l.inventoryAbs = math.Abs(total - expected)
	l.inventoryPct = percent(l.inventoryAbs, expected)

	next := StateOK
	if l.inventoryPct >= l.th.InventoryAlarmPct {
		next = StateAlarm
	}
	return l.transition("inventory", &l.inventoryState, next, l.inventoryAbs, l.inventoryPct), nil
}

func (l *Ledger) transition(check string, cur *State, next State, abs, pct float64) *Alert {
	if *cur == next {
		return nil
	}
	a := &Alert{
		Check:    check,
		Previous: *cur,
		Current:  next,
		Message:  fmt.Sprintf("%s %s -> %s (%.3f lbm, %.4f%%)", check, *cur, next, abs, pct),
	}
	*cur = next

	log := l.logger.WithFields(map[string]interface{}{
		"check":   check,
		"abs_lbm": abs,
		"pct":     pct,
	})
	switch next {
	case StateAlarm:
		log.Error(a.Message)
	case StateWarn:
		log.Warn(a.Message)
	default:
		log.Info(a.Message)
	}
	return a
}

// ExpectedMass is the initial inventory plus cumulative boundary inflow
// minus outflow.
func (l *Ledger) ExpectedMass() float64 {
	return l.initial + l.cumIn - l.cumOut
}

// BoundaryError is |(component sum + reservoir) - expected|, using the
// component sum of the last Reconcile. Mass lost or gained without a
// declared transfer shows up here.
func (l *Ledger) BoundaryError() float64 {
	return math.Abs(l.componentSum + l.reservoir - l.ExpectedMass())
}

// CanonicalMass returns the canonical primary mass.
func (l *Ledger) CanonicalMass() float64 { return l.canonical }

// ReservoirMass returns the adjoining reservoir inventory.
func (l *Ledger) ReservoirMass() float64 { return l.reservoir }

// DriftState returns the current drift classification.
func (l *Ledger) DriftState() State { return l.driftState }

// InventoryState returns the current inventory audit classification.
func (l *Ledger) InventoryState() State { return l.inventoryState }

// ExpectedEnthalpy is the initial enthalpy plus net recorded energy.
func (l *Ledger) ExpectedEnthalpy() float64 {
	return l.initialEnthalpy + l.energyIn - l.energyOut
}

// Snapshot returns a copy of the books.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		CanonicalMass:     l.canonical,
		ComponentMass:     l.componentSum,
		DriftAbs:          l.driftAbs,
		DriftPct:          l.driftPct,
		DriftState:        l.driftState,
		ReservoirMass:     l.reservoir,
		CumulativeIn:      l.cumIn,
		CumulativeOut:     l.cumOut,
		ExpectedMass:      l.ExpectedMass(),
		BoundaryError:     l.BoundaryError(),
		EnergyIn:          l.energyIn,
		EnergyOut:         l.energyOut,
		ExpectedEnthalpy:  l.ExpectedEnthalpy(),
		InventoryErrorAbs: l.inventoryAbs,
		InventoryErrorPct: l.inventoryPct,
		InventoryState:    l.inventoryState,
	}
}

func percent(abs, base float64) float64 {
	if base == 0 {
		return 0
	}
	return 100 * abs / math.Abs(base)
}
