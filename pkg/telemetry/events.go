package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notification about a synchronization cycle or an artifact.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	RunID    string `json:"run_id,omitempty"`
	Group    string `json:"group,omitempty"`
	Location string `json:"location,omitempty"`

	Message string         `json:"message"`
	Level   string         `json:"level"`
	Data    map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeCycleStarted         = "cycle.started"
	EventTypeCycleCompleted       = "cycle.completed"
	EventTypeCycleFailed          = "cycle.failed"
	EventTypeArtifactStateChanged = "artifact.state_changed"
	EventTypeArtifactFailed       = "artifact.failed"
	EventTypePolicyViolation      = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. With EnableAsync events
// are buffered and delivered from a background goroutine in batches;
// otherwise they are delivered before Publish returns. Subscribers receive
// events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
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
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. A nil or disabled
// publisher drops the event.
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

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishCycleStarted publishes a cycle started event.
func (ep *EventPublisher) PublishCycleStarted(runID, group string) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleStarted,
		Source:  "engine",
		RunID:   runID,
		Group:   group,
		Message: fmt.Sprintf("Synchronization of %s started", group),
		Level:   EventLevelInfo,
	})
}

// PublishCycleCompleted publishes a cycle completed event.
func (ep *EventPublisher) PublishCycleCompleted(runID, group, status string, duration time.Duration, counts map[string]int) error {
	data := map[string]any{
		"status":   status,
		"duration": duration.Seconds(),
	}
	for k, v := range counts {
		data[k] = v
	}
	return ep.Publish(Event{
		Type:    EventTypeCycleCompleted,
		Source:  "engine",
		RunID:   runID,
		Group:   group,
		Message: fmt.Sprintf("Synchronization of %s completed with status: %s", group, status),
		Level:   EventLevelInfo,
		Data:    data,
	})
}

// PublishCycleFailed publishes a cycle failed event.
func (ep *EventPublisher) PublishCycleFailed(runID, group, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleFailed,
		Source:  "engine",
		RunID:   runID,
		Group:   group,
		Message: fmt.Sprintf("Synchronization of %s failed: %s", group, reason),
		Level:   EventLevelError,
		Data:    map[string]any{"reason": reason},
	})
}

// PublishStateChanged publishes an artifact status transition.
func (ep *EventPublisher) PublishStateChanged(runID, location, from, to string) error {
	return ep.Publish(Event{
		Type:     EventTypeArtifactStateChanged,
		Source:   "engine",
		RunID:    runID,
		Location: location,
		Message:  fmt.Sprintf("Artifact %s changed from %s to %s", location, from, to),
		Level:    EventLevelInfo,
		Data: map[string]any{
			"from": from,
			"to":   to,
		},
	})
}

// PublishArtifactFailed publishes a per-artifact failure.
func (ep *EventPublisher) PublishArtifactFailed(runID, location, code, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeArtifactFailed,
		Source:   "engine",
		RunID:    runID,
		Location: location,
		Message:  fmt.Sprintf("Artifact %s failed: %s", location, reason),
		Level:    EventLevelError,
		Data: map[string]any{
			"code":   code,
			"reason": reason,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(runID, location, policyName, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "policy_engine",
		RunID:    runID,
		Location: location,
		Message:  fmt.Sprintf("Policy violation on %s: %s - %s", location, policyName, reason),
		Level:    EventLevelWarning,
		Data: map[string]any{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
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

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches, flushing partial
// batches every FlushInterval and on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

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
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
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

// deliverEvent delivers an event to all matching subscribers.
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

// Shutdown delivers pending events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

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

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
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

// FilterByGroup creates a filter that only allows events of one group.
func FilterByGroup(group string) EventFilter {
	return func(event Event) bool {
		return event.Group == group
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
