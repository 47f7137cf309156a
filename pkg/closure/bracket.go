package closure

import "math"

// probe is one grid evaluation inside a bracket window.
type probe struct {
	cand   Candidate
	status EvalStatus
}

// findBracket scans windows centred on the pressure guess, first in the
// operating band and then in the hard envelope, until a sign change of the
// volume residual is found between two adjacent valid probes.
func (s *Solver) findBracket(ev *evaluator, guess float64, run *attempt) *BracketResult {
	res := &BracketResult{}
	sameSignSeen, hardCovered := false, false

	tiers := []struct {
		name Tier
		band Band
	}{
		{TierOperating, s.opts.OperatingBand},
		{TierHard, s.opts.HardBand},
	}

	for _, tier := range tiers {
		res.Tier = tier.name
		center := tier.band.Clamp(guess)
		half := s.opts.InitialHalfSpan

		for w := 0; w < s.opts.MaxWindows; w++ {
			res.Windows++
			lo := math.Max(tier.band.Lo, center-half)
			hi := math.Min(tier.band.Hi, center+half)
			probes := s.scanWindow(ev, lo, hi, res, run)

			if hit := s.closestHit(probes, guess); hit != nil {
				res.Hit = hit
				return res
			}
			if a, b := closestSignChange(probes, guess); a != nil {
				res.Lo, res.Hi = a, b
				return res
			}
			sameSignSeen = sameSign(probes)

			covered := lo <= tier.band.Lo && hi >= tier.band.Hi
			if covered {
				if tier.name == TierHard {
					hardCovered = true
				}
				break
			}
			half *= s.opts.GrowthFactor
		}
	}

	res.Reason = classifyBracketFailure(res.Counts, sameSignSeen, hardCovered)
	return res
}

// scanWindow evaluates ProbesPerWindow evenly spaced pressures in [lo, hi].
func (s *Solver) scanWindow(ev *evaluator, lo, hi float64, res *BracketResult, run *attempt) []probe {
	n := s.opts.ProbesPerWindow
	probes := make([]probe, 0, n)
	for i := 0; i < n; i++ {
		p := lo + (hi-lo)*float64(i)/float64(n-1)
		c, status := ev.evaluate(p)
		res.Counts.add(status)
		run.record(TraceEntry{
			Stage:          "bracket",
			Iteration:      res.Windows,
			Pressure:       p,
			Status:         status,
			Regime:         c.Regime,
			VolumeResidual: c.VolumeResidual,
			EnergyResidual: c.EnergyResidual,
		})
		if status == EvalOK {
			cand := c
			if res.Best == nil || math.Abs(cand.VolumeResidual) < math.Abs(res.Best.VolumeResidual) {
				res.Best = &cand
			}
		}
		probes = append(probes, probe{cand: c, status: status})
	}
	return probes
}

// closestHit returns the valid probe nearest the guess that already meets
// both tolerances.
func (s *Solver) closestHit(probes []probe, guess float64) *Candidate {
	var hit *Candidate
	for i := range probes {
		pr := &probes[i]
		if pr.status != EvalOK || !s.withinTolerance(pr.cand) {
			continue
		}
		if hit == nil || math.Abs(pr.cand.Pressure-guess) < math.Abs(hit.Pressure-guess) {
			c := pr.cand
			hit = &c
		}
	}
	return hit
}

// closestSignChange picks, among adjacent valid probe pairs whose volume
// residuals differ in sign, the pair whose centre is nearest the guess.
func closestSignChange(probes []probe, guess float64) (*Candidate, *Candidate) {
	var lo, hi *Candidate
	bestDist := math.Inf(1)
	for i := 0; i+1 < len(probes); i++ {
		a, b := probes[i], probes[i+1]
		if a.status != EvalOK || b.status != EvalOK {
			continue
		}
		if (a.cand.VolumeResidual > 0) == (b.cand.VolumeResidual > 0) {
			continue
		}
		d := math.Abs(0.5*(a.cand.Pressure+b.cand.Pressure) - guess)
		if d < bestDist {
			ca, cb := a.cand, b.cand
			lo, hi, bestDist = &ca, &cb, d
		}
	}
	return lo, hi
}

// sameSign reports whether the window had valid probes and all of them share
// one residual sign.
func sameSign(probes []probe) bool {
	seen, positive := false, false
	for _, pr := range probes {
		if pr.status != EvalOK {
			continue
		}
		pos := pr.cand.VolumeResidual > 0
		if !seen {
			seen, positive = true, pos
			continue
		}
		if pos != positive {
			return false
		}
	}
	return seen
}

// classifyBracketFailure turns evaluation tallies into a failure reason.
func classifyBracketFailure(c EvalCounts, sameSignSeen, hardCovered bool) FailureReason {
	if c.Valid == 0 {
		switch {
		case c.NaN > 0 && c.NaN >= c.OutOfRange:
			return ReasonVolumeEvalNaN
		case c.OutOfRange > 0:
			return ReasonEOSOutOfRange
		default:
			return ReasonInfeasibleEnergy
		}
	}
	if c.OutOfRange > 0 {
		return ReasonEOSOutOfRange
	}
	if sameSignSeen && hardCovered {
		return ReasonSameSignFullRange
	}
	return ReasonNoVolumeBracket
}
