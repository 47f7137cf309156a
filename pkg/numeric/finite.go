// Package numeric holds the finite-value checks shared by the closure solver
// and the conservation ledger.
package numeric

import "math"

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AllFinite reports whether every value is finite. An empty list is finite.
func AllFinite(vals ...float64) bool {
	for _, v := range vals {
		if !IsFinite(v) {
			return false
		}
	}
	return true
}

// HasNaN reports whether any value is NaN. Used to separate NaN evaluations
// from out-of-range (Inf) ones when classifying failures.
func HasNaN(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Positive reports whether v is finite and strictly greater than zero.
func Positive(v float64) bool {
	return IsFinite(v) && v > 0
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WithinTolerance reports whether |v| <= tol for a finite v.
func WithinTolerance(v, tol float64) bool {
	return IsFinite(v) && math.Abs(v) <= tol
}
