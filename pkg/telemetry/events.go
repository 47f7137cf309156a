package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a published telemetry event. Engine events are bridged into this
// shape by the runner; run lifecycle events are published directly.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is the wall-clock publish time.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event kind (phase.transition, closure.failed, run.started).
	Type string `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	// RunID is the associated run, if any.
	RunID string `json:"run_id,omitempty"`

	// Step and SimTime locate the event in simulation time (hours).
	Step    int64   `json:"step,omitempty"`
	SimTime float64 `json:"sim_time_hr,omitempty"`

	// Phase is the phase at emission.
	Phase string `json:"phase,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is info, warning, alarm, critical or error.
	Level string `json:"level"`

	// Data contains additional event-specific fields.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for run lifecycle events.
const (
	EventTypeRunStarted   = "run.started"
	EventTypeRunCompleted = "run.completed"
	EventTypeRunFailed    = "run.failed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo     = "info"
	EventLevelWarning  = "warning"
	EventLevelAlarm    = "alarm"
	EventLevelCritical = "critical"
	EventLevelError    = "error"
)

var eventLevelRank = map[string]int{
	EventLevelInfo:     0,
	EventLevelWarning:  1,
	EventLevelAlarm:    2,
	EventLevelError:    2,
	EventLevelCritical: 3,
}

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In synchronous mode Publish
// delivers to every subscriber, in subscription order, before returning. In
// async mode events are queued and delivered in batches by one goroutine, so
// ordering is still preserved.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	recent      []Event
	next        int
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	closed := ep.closed
	ep.mu.RUnlock()
	if closed {
		return fmt.Errorf("event publisher stopped")
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, scenario string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "runner",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started for scenario %s", runID, scenario),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"scenario": scenario,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, phase string, simHours float64, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "runner",
		RunID:   runID,
		Phase:   phase,
		SimTime: simHours,
		Message: fmt.Sprintf("Run %s finished in %s after %.3f h", runID, phase, simHours),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "runner",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Recent returns up to the last Retain delivered events, oldest first.
func (ep *EventPublisher) Recent() []Event {
	if ep == nil {
		return nil
	}
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if len(ep.recent) < ep.config.Retain {
		return append([]Event(nil), ep.recent...)
	}
	out := make([]Event, 0, len(ep.recent))
	out = append(out, ep.recent[ep.next:]...)
	return append(out, ep.recent[:ep.next]...)
}

// processEvents drains the async queue, flushing a batch when it is full or
// when the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-tick:
			flush()

		case <-ep.ctx.Done():
			// Drain whatever is still queued.
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent records the event and hands it to every matching subscriber.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.Lock()
	if ep.config.Retain > 0 {
		if len(ep.recent) < ep.config.Retain {
			ep.recent = append(ep.recent, event)
		} else {
			ep.recent[ep.next] = event
			ep.next = (ep.next + 1) % ep.config.Retain
		}
	}
	subs := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.Unlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering any queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	minLevelValue := eventLevelRank[minLevel]

	return func(event Event) bool {
		return eventLevelRank[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

