package engine

import (
	"fmt"
	"math"

	"github.com/openfroyo/bubbleform/pkg/closure"
	"github.com/openfroyo/bubbleform/pkg/numeric"
)

// Authority names recorded in the handoff record.
const (
	AuthoritySinglePhase = "single-phase"
	AuthorityTwoPhase    = "two-phase-closure"
)

// reconstruct rebuilds the water/steam partition from the upstream volumes
// and saturated densities at the upstream pressure. The reconciliation delta
// is taken out of the bulk liquid so the tracked total is preserved.
//
// A non-nil error is either recoverable (bad snapshot, nothing to reconcile)
// or fatal (integrity violation). The returned record is always filled.
func (s *Simulation) reconstruct(up UpstreamSnapshot) (*HandoffRecord, VesselState, error) {
	rec := &HandoffRecord{
		From:    AuthoritySinglePhase,
		To:      AuthorityTwoPhase,
		PreMass: up.TotalMass,
	}

	p := up.Pressure
	rhoF := s.props.SaturatedLiquidDensity(p)
	rhoG := s.props.SaturatedVaporDensity(p)
	hF := s.props.SaturatedLiquidEnthalpy(p)
	hG := s.props.SaturatedVaporEnthalpy(p)
	tsat := s.props.SaturationTemperature(p)
	if !numeric.AllFinite(up.TotalMass, up.WaterVolume, up.SteamVolume, rhoF, rhoG, hF, hG, tsat) ||
		up.TotalMass <= 0 || up.WaterVolume < 0 || up.SteamVolume < 0 {
		rec.Failure = "invalid upstream snapshot"
		return rec, VesselState{}, NewRecoverableError(rec.Failure, nil).
			WithCode(ErrCodeHandoffInput).
			WithDetail("pressure", p).
			WithDetail("total_mass", up.TotalMass)
	}

	water := up.WaterVolume * rhoF
	steamMass := up.SteamVolume * rhoG
	rec.Reconstructed = water + steamMass
	rec.RawDelta = rec.Reconstructed - rec.PreMass
	rec.BulkLiquid = water - rec.RawDelta
	rec.Steam = steamMass
	rec.PostMass = rec.BulkLiquid + rec.Steam
	rec.AssertedDelta = rec.PostMass - rec.PreMass

	switch {
	case rec.BulkLiquid < 0:
		rec.Failure = fmt.Sprintf("reconciled bulk liquid mass %.3f lbm is negative", rec.BulkLiquid)
	case math.Abs(rec.RawDelta) > s.params.HandoffEpsilon:
		rec.Failure = fmt.Sprintf("reconciliation delta %.3f lbm exceeds %.3f lbm", rec.RawDelta, s.params.HandoffEpsilon)
	case math.Abs(rec.AssertedDelta) > s.params.HandoffEpsilon:
		rec.Failure = fmt.Sprintf("post-handoff mass differs by %.3f lbm", rec.AssertedDelta)
	}
	if rec.Failure != "" {
		return rec, VesselState{}, NewFatalError("authority handoff integrity violation", fmt.Errorf("%s", rec.Failure)).
			WithCode(ErrCodeHandoffIntegrity).
			WithDetail("pre_mass", rec.PreMass).
			WithDetail("reconstructed_mass", rec.Reconstructed).
			WithDetail("raw_delta", rec.RawDelta).
			WithDetail("bulk_liquid", rec.BulkLiquid)
	}
	rec.Passed = true

	total := rec.PostMass
	regime := closure.RegimeMixture
	if steamMass == 0 {
		regime = closure.RegimeSubcooled
	}
	return rec, VesselState{
		WaterMass:             rec.BulkLiquid,
		SteamMass:             steamMass,
		WaterVolume:           rec.BulkLiquid / rhoF,
		SteamVolume:           up.SteamVolume,
		TotalEnthalpy:         rec.BulkLiquid*hF + steamMass*hG,
		Pressure:              p,
		SaturationTemperature: tsat,
		Quality:               steamMass / total,
		Regime:                regime,
		Source:                SourceHandoff,
	}, nil
}
