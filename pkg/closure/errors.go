package closure

import (
	"errors"
	"fmt"
)

// ErrReentrant is returned when Solve is called while another solve on the
// same Solver is still running, e.g. from inside a property callback.
var ErrReentrant = errors.New("closure: solve already in flight")

// Error is a refused closure. The previous committed state must be held.
type Error struct {
	Reason     FailureReason
	Diagnostic Diagnostic
}

func (e *Error) Error() string {
	d := e.Diagnostic
	return fmt.Sprintf("closure failed: %s (iterations=%d, P=%.3f psia, dV=%.4g ft3, dH=%.4g BTU)",
		e.Reason, d.Iterations, d.Pressure, d.VolumeResidual, d.EnergyResidual)
}

// Is matches another *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// ReasonOf extracts the failure reason from err, if it is a closure error.
func ReasonOf(err error) (FailureReason, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return ReasonNone, false
}

// DiagnosticOf extracts the diagnostic attached to a closure error.
func DiagnosticOf(err error) (Diagnostic, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Diagnostic, true
	}
	return Diagnostic{}, false
}
