package engine

import (
	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

// Event kinds emitted by the simulation.
const (
	EventKindTransition     = "phase.transition"
	EventKindHandoff        = "authority.handoff"
	EventKindClosureFailed  = "closure.failed"
	EventKindClosureResumed = "closure.resumed"
	EventKindDrift          = "ledger.drift"
	EventKindInventory      = "ledger.inventory"
	EventKindMassAudit      = "drain.mass_audit"
	EventKindRateAdvisory   = "drain.rate_advisory"
	EventKindLineup         = "cvcs.lineup"
	EventKindSpray          = "verification.spray"
	EventKindLevelLow       = "vessel.level_low"
	EventKindReset          = "simulation.reset"
)

// Event is a structured record pushed to the configured sink.
type Event struct {
	Severity Severity               `json:"severity"`
	Kind     string                 `json:"kind"`
	Message  string                 `json:"message"`
	SimTime  float64                `json:"sim_time_hr"`
	Step     int64                  `json:"step"`
	Phase    Phase                  `json:"phase"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Sink receives simulation events. Emit is called synchronously from Step
// and must not call back into the simulation.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

// Emit forwards e to each non-nil sink.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events through a component logger.
type LogSink struct {
	logger *telemetry.Logger
}

// NewLogSink creates a sink that logs events under the "events" component.
func NewLogSink(logger *telemetry.Logger) *LogSink {
	return &LogSink{logger: telemetry.OrNop(logger).NewComponentLogger("events")}
}

// Emit logs e at a level derived from its severity.
func (s *LogSink) Emit(e Event) {
	fields := map[string]interface{}{
		"kind":        e.Kind,
		"severity":    string(e.Severity),
		"step":        e.Step,
		"sim_time_hr": e.SimTime,
		"phase":       string(e.Phase),
	}
	for k, v := range e.Fields {
		fields[k] = v
	}
	l := s.logger.WithFields(fields)
	switch e.Severity {
	case SeverityWarning:
		l.Warn(e.Message)
	case SeverityAlarm, SeverityCritical:
		l.Error(e.Message)
	default:
		l.Info(e.Message)
	}
}

type nopSink struct{}

func (nopSink) Emit(Event) {}
