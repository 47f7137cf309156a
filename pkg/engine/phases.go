package engine

import (
	"fmt"
	"math"

	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/cvcs"
	"github.com/openfroyo/bubbleform/pkg/ledger"
)

// Each phase handler runs after the boundary terms are applied and the
// elapsed time is updated. It returns a non-empty reason to advance to the
// next phase.

func (s *Simulation) stepDetection(r *stepRun) TransitionReason {
	if s.ctx.Elapsed >= s.params.DetectionDuration-timeSlack {
		return ReasonElapsed
	}
	return ""
}

func (s *Simulation) stepVerification(r *stepRun) TransitionReason {
	p := s.params
	stepStart := s.ctx.Elapsed - r.dt
	switch {
	case stepStart < p.SprayDuration-timeSlack:
		s.spray(r)
	default:
		s.heat(r, 0)
	}

	if s.ctx.SprayResult == SprayPending && s.ctx.Elapsed >= p.SprayDuration-timeSlack {
		s.gradeSpray(r)
	}
	if s.ctx.Elapsed >= p.VerificationDuration-timeSlack {
		return ReasonElapsed
	}
	return ""
}

// spray drives pressure down at the fixed spray rate. Masses and enthalpy
// are left alone.
func (s *Simulation) spray(r *stepRun) {
	drop := math.Min(s.params.SprayRate*r.dt, s.state.Pressure-s.params.Closure.HardBand.Lo)
	if drop <= 0 {
		return
	}
	s.state.Pressure -= drop
	s.state.SaturationTemperature = s.props.SaturationTemperature(s.state.Pressure)
	s.state.Source = SourceSpray
	s.ctx.SprayPressureDrop += drop
}

func (s *Simulation) gradeSpray(r *stepRun) {
	p := s.params
	drop := s.ctx.SprayPressureDrop
	sev := SeverityInfo
	if drop >= p.SprayPassMin && drop <= p.SprayPassMax {
		s.ctx.SprayResult = SprayPass
	} else {
		s.ctx.SprayResult = SprayMarginal
		sev = SeverityWarning
	}
	s.emit(r, sev, EventKindSpray,
		fmt.Sprintf("aux spray test %s: pressure drop %.1f psi", s.ctx.SprayResult, drop),
		map[string]interface{}{
			"pressure_drop":  drop,
			"start_pressure": s.ctx.SprayStartPressure,
			"result":         string(s.ctx.SprayResult),
		})
}

// heat runs a heater-only closure at constant mass with a minimum water
// volume derived from minLevel (percent; zero disables it).
func (s *Simulation) heat(r *stepRun, minLevel float64) bool {
	qIn, qOut := heatTerms(r.in.Boundary, r.dt)
	ok := s.close(r, s.state.TotalMass(), s.state.TotalEnthalpy+qIn-qOut, s.params.levelVolume(minLevel))
	if ok {
		s.recordEnergy(r, qIn, qOut)
	}
	return ok
}

func (s *Simulation) stepDrain(r *stepRun) TransitionReason {
	p := s.params
	b := r.in.Boundary

	demand := s.drainDemand(r)
	r.res.Demand = &demand
	s.lastCharging = demand.Charging
	if demand.Event != nil {
		s.ctx.LineupEvents++
		s.emit(r, SeverityInfo, EventKindLineup, demand.Event.String(), map[string]interface{}{
			"seq":      demand.Event.Seq,
			"previous": demand.Event.Previous,
			"next":     demand.Event.Next,
			"trigger":  demand.Event.Trigger,
		})
	}
	if demand.CCPStarted && !s.ctx.CCPStarted {
		s.ctx.CCPStarted = true
		s.ctx.CCPStartLevel = s.Level()
	}

	prev := s.state
	rho := s.props.SaturatedLiquidDensity(prev.Pressure)
	hf := s.props.SaturatedLiquidEnthalpy(prev.Pressure)
	outflow := demand.NetOutflow * MinutesPerHour * r.dt / GallonsPerCubicFt * rho
	qIn, qOut := heatTerms(b, r.dt)

	mass := prev.TotalMass() - outflow
	enthalpy := prev.TotalEnthalpy + qIn - qOut - outflow*hf
	if s.close(r, mass, enthalpy, 0) {
		s.commitOutflow(r, outflow, outflow*hf)
		s.recordEnergy(r, qIn, qOut)
		s.ctx.CVCSTransfer += outflow
		s.ctx.SteamDisplacement += s.state.SteamMass - prev.SteamMass
		s.ctx.LastPressureRate = (s.state.Pressure - prev.Pressure) / r.dt
		s.auditDrain(r, prev, outflow)
	}

	level := s.Level()
	s.ctx.ExitLevelReady = level <= p.DrainTargetLevel+p.DrainLevelTolerance
	s.ctx.ExitPressureReady = s.state.Pressure >= p.DrainPressureFloor

	var reason TransitionReason
	switch {
	case s.ctx.ExitLevelReady && s.ctx.ExitPressureReady:
		reason = ReasonLevelPressureReady
	case s.ctx.Elapsed >= p.DrainTimeout-timeSlack:
		s.ctx.HardTimeout = true
		reason = ReasonHardTimeout
	default:
		return ""
	}

	if math.Abs(s.ctx.LastPressureRate) > p.DrainRateLimit {
		s.ctx.RateAdvisoryRaised = true
		s.logger.WithStep(s.step, s.simTime).
			WithField("rate_psi_hr", s.ctx.LastPressureRate).
			Warn("pressure rate above limit at drain exit")
		s.emit(r, SeverityWarning, EventKindRateAdvisory,
			fmt.Sprintf("pressure rate %.1f psi/hr at drain exit exceeds %.1f psi/hr", s.ctx.LastPressureRate, p.DrainRateLimit),
			map[string]interface{}{"rate_psi_hr": s.ctx.LastPressureRate})
	}
	return reason
}

// drainDemand resolves the letdown and charging flows, honouring a driver
// override.
func (s *Simulation) drainDemand(r *stepRun) cvcs.Demand {
	b := r.in.Boundary
	if !b.FlowOverride {
		return s.resolver.Resolve(s.Level(), s.state.Pressure)
	}
	lineup := s.resolver.Active()
	return cvcs.Demand{
		Letdown:    b.Letdown,
		Charging:   b.Charging,
		NetOutflow: b.Letdown - b.Charging,
		Achievable: math.Inf(1),
		Lineup:     lineup,
		LineupName: s.resolver.Lineups()[lineup].Name,
	}
}

// commitOutflow moves the committed net outflow into the reservoir books.
func (s *Simulation) commitOutflow(r *stepRun, outflow, enthalpy float64) {
	kind, m := ledger.TransferLetdown, outflow
	if outflow < 0 {
		kind, m = ledger.TransferCharging, -outflow
	}
	if err := s.books.Transfer(kind, m); err != nil {
		r.errs = append(r.errs, s.ledgerError(err))
		return
	}
	s.reservoir += outflow
	if enthalpy >= 0 {
		s.recordEnergy(r, 0, enthalpy)
	} else {
		s.recordEnergy(r, -enthalpy, 0)
	}
}

// auditDrain compares the component-sum delta with the system delta implied
// by the committed outflow.
func (s *Simulation) auditDrain(r *stepRun, prev VesselState, outflow float64) {
	componentDelta := s.state.TotalMass() - prev.TotalMass()
	systemDelta := -outflow
	violation := math.Abs(componentDelta - systemDelta)
	if violation <= s.params.DrainAuditTolerance {
		return
	}
	fields := map[string]interface{}{
		"component_delta": componentDelta,
		"system_delta":    systemDelta,
		"violation_lbm":   violation,
	}
	r.errs = append(r.errs, NewRecoverableError("drain mass audit violation", nil).
		WithCode(ErrCodeMassAudit).
		WithPhase(s.ctx.Phase, s.step).
		WithDetail("violation_lbm", violation))
	s.emit(r, SeverityAlarm, EventKindMassAudit,
		fmt.Sprintf("drain mass audit off by %.3f lbm", violation), fields)
}

func (s *Simulation) stepStabilize(r *stepRun) TransitionReason {
	p := s.params
	if s.heat(r, p.DrainTargetLevel) {
		s.levelLow = false
	} else if r.res.Hold == HoldLevelLow {
		s.holdLevelLow(r, p.DrainTargetLevel, r.res.Closure.Diagnostic)
	}
	if s.ctx.Elapsed < p.StabilizeDuration-timeSlack {
		return ""
	}
	s.controller.Seed(p.DrainTargetLevel, s.lastCharging)
	return ReasonElapsed
}

func (s *Simulation) stepPressurize(r *stepRun) TransitionReason {
	p := s.params
	floor := p.DrainTargetLevel - p.PressurizeLevelMargin
	if !s.heat(r, floor) {
		if r.res.Hold == HoldLevelLow {
			s.holdLevelLow(r, floor, r.res.Closure.Diagnostic)
		}
		return ""
	}

	if s.state.Pressure < p.ReleasePressure {
		s.levelLow = false
		return ""
	}
	level := s.Level()
	if level < floor {
		// Solvers that do not enforce the floor land here.
		r.hold(HoldLevelLow)
		s.ctx.Hold = HoldLevelLow
		s.holdLevelLow(r, floor, closure.Diagnostic{
			Pressure:    s.state.Pressure,
			WaterVolume: s.state.WaterVolume,
		})
		return ""
	}
	s.levelLow = false
	s.controller.Seed(level, s.lastCharging)
	return ReasonReleaseReady
}

// holdLevelLow raises the level-low event once per excursion below floor.
// d carries the pressure and liquid volume of the refused or committed
// candidate.
func (s *Simulation) holdLevelLow(r *stepRun, floor float64, d closure.Diagnostic) {
	if s.levelLow {
		return
	}
	s.levelLow = true
	level := 100 * d.WaterVolume / s.params.VesselVolume
	released := s.ctx.Phase == PhasePressurize && d.Pressure >= s.params.ReleasePressure
	msg := fmt.Sprintf("%s holding: level %.2f%% below %.2f%% at %.1f psia", s.ctx.Phase, level, floor, d.Pressure)
	if released {
		msg = fmt.Sprintf("release pressure reached with level %.2f%% below %.2f%%", level, floor)
	}
	s.logger.WithStep(s.step, s.simTime).
		WithField("level", level).
		WithField("floor", floor).
		Warn("level below floor, holding")
	s.emit(r, SeverityWarning, EventKindLevelLow, msg, map[string]interface{}{
		"level":            level,
		"floor":            floor,
		"pressure":         d.Pressure,
		"release_pressure": released,
	})
}
