package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/rs/zerolog"
)

// Event is a lifecycle notification raised by the engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Source names the component that raised the event.
	Source string `json:"source"`

	// SessionID is the task session, if applicable.
	SessionID string `json:"session_id,omitempty"`

	// ResourceID is the resource involved, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	Message string `json:"message"`

	// Level is info, warning or error.
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeResourceStateChanged = "resource.state_changed"
	EventTypeActivationFailed     = "activation.failed"
	EventTypePolicyViolation      = "policy.violation"
	EventTypeCacheWriteDegraded   = "cache.write_degraded"
	EventTypeTaskCompleted        = "task.completed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventBufferFull is returned by Publish when an async publisher cannot
// queue an event.
var ErrEventBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles one event. Subscribers must not block and must not
// call back into the component that raised the event.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Delivery is synchronous unless
// EventsConfig.EnableAsync is set. A nil or disabled publisher drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	mu          sync.RWMutex
	wg          sync.WaitGroup
	done        chan struct{}
	stopOnce    sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher. An async publisher starts one delivery
// goroutine that runs until Shutdown.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg, done: make(chan struct{})}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultEventBufferSize
	}
	ep.buffer = make(chan Event, size)
	ep.wg.Add(1)
	go ep.processEvents()
	return ep
}

// Publish delivers event to every matching subscriber.
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

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return ErrEventBufferFull
	}
}

// PublishResourceStateChanged publishes a handle state transition.
func (ep *EventPublisher) PublishResourceStateChanged(resourceID string, oldState, newState engine.HandleState) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceStateChanged,
		Source:     "activation",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s state changed from %s to %s", resourceID, oldState, newState),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": string(oldState),
			"new_state": string(newState),
		},
	})
}

// PublishActivationFailed publishes a failed activation attempt.
func (ep *EventPublisher) PublishActivationFailed(resourceID string, err error) error {
	return ep.Publish(Event{
		Type:       EventTypeActivationFailed,
		Source:     "activation",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Activation of %s failed: %v", resourceID, err),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"class": string(engine.ClassOf(err)),
		},
	})
}

// PublishPolicyViolation publishes one policy violation. Blocking violations
// are raised at error level, the rest at warning.
func (ep *EventPublisher) PublishPolicyViolation(resourceID, policyName, reason string, blocking bool) error {
	level := EventLevelWarning
	if blocking {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:       EventTypePolicyViolation,
		Source:     "policy_engine",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Policy violation on resource %s: %s - %s", resourceID, policyName, reason),
		Level:      level,
		Data: map[string]interface{}{
			"policy":   policyName,
			"reason":   reason,
			"blocking": blocking,
		},
	})
}

// PublishCacheWriteDegraded publishes a write that one cache tier rejected.
func (ep *EventPublisher) PublishCacheWriteDegraded(tier engine.Tier, key string, err error) error {
	return ep.Publish(Event{
		Type:    EventTypeCacheWriteDegraded,
		Source:  "cache",
		Message: fmt.Sprintf("Write of %s to the %s tier failed: %v", key, tier, err),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"tier": string(tier),
			"key":  key,
		},
	})
}

// PublishTaskCompleted publishes the end of a task execution.
func (ep *EventPublisher) PublishTaskCompleted(sessionID, strategy string, degraded bool, duration time.Duration) error {
	level := EventLevelInfo
	if degraded {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:      EventTypeTaskCompleted,
		Source:    "manager",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Task %s completed as %s", sessionID, strategy),
		Level:     level,
		Data: map[string]interface{}{
			"strategy": strategy,
			"degraded": degraded,
			"duration": duration.Seconds(),
		},
	})
}

// Subscribe adds a subscriber. filter may be nil.
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

// AddFilter adds a filter applied to every event before delivery.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
			// Drain what was queued before shutdown.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops an async publisher after delivering queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// LogEvents returns a subscriber that writes each event to logger.
func LogEvents(logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		ev := logger.Debug()
		switch event.Level {
		case EventLevelWarning:
			ev = logger.Warn()
		case EventLevelError:
			ev = logger.Error()
		}
		ev.Str("event", event.Type).
			Str("source", event.Source).
			Str("resource", event.ResourceID).
			Str("session_id", event.SessionID).
			Msg(event.Message)
	}
}
