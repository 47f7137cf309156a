package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for hold/abort logic.
type ErrorClass string

const (
	// ErrorClassRecoverable indicates the step held its previous committed
	// state. The driver may keep stepping with updated inputs.
	// Examples: closure failures, conservation audit violations.
	ErrorClassRecoverable ErrorClass = "recoverable"

	// ErrorClassFatal indicates a data-integrity violation. Nothing was
	// committed and the driver decides whether to abort the run.
	// Example: negative reconciled mass at authority handoff.
	ErrorClassFatal ErrorClass = "fatal"
)

// EngineError represents a classified error with simulation context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Phase is the phase that was executing.
	Phase Phase `json:"phase,omitempty"`

	// Step is the step counter at the time of the error.
	Step int64 `json:"step,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("[%s] %s (phase=%s, step=%d)%s",
			e.Class, e.Message, e.Phase, e.Step, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the message of the underlying error, if any.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewRecoverableError creates a new recoverable error.
func NewRecoverableError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRecoverable,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// WithPhase adds phase and step context to an error.
func (e *EngineError) WithPhase(phase Phase, step int64) *EngineError {
	e.Phase = phase
	e.Step = step
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsRecoverable returns true if the error is classified as recoverable.
func IsRecoverable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRecoverable
	}
	return false
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// Common error codes.
const (
	ErrCodeHandoffIntegrity = "HANDOFF_INTEGRITY"
	ErrCodeHandoffInput     = "HANDOFF_INPUT"
	ErrCodeClosureFailed    = "CLOSURE_FAILED"
	ErrCodeMassAudit        = "MASS_AUDIT"
	ErrCodeLedger           = "LEDGER"
	ErrCodeInvalidInput     = "INVALID_INPUT"
)
