package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventDecisionCreated      EventType = "DECISION_CREATED"
	EventProviderResult       EventType = "PROVIDER_RESULT"
	EventCircuitBreakerUpdate EventType = "CIRCUIT_BREAKER_UPDATE"
	EventQuorumFailed         EventType = "QUORUM_FAILED"
	EventAllProvidersFailed   EventType = "ALL_PROVIDERS_FAILED"
	EventExecutionResult      EventType = "EXECUTION_RESULT"
	EventEngineStarted        EventType = "ENGINE_STARTED"
	EventEngineStopped        EventType = "ENGINE_STOPPED"
	EventError                EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishDecision publishes a decision created event
func (eb *EventBus) PublishDecision(id, asset, action string, confidence int, tier string) {
	eb.Publish(Event{
		Type: EventDecisionCreated,
		Data: map[string]interface{}{
			"id":            id,
			"asset":         asset,
			"action":        action,
			"confidence":    confidence,
			"fallback_tier": tier,
		},
	})
}

// PublishProviderResult publishes the outcome of one provider invocation
func (eb *EventBus) PublishProviderResult(providerID, status string, latency time.Duration, errText string) {
	data := map[string]interface{}{
		"provider": providerID,
		"status":   status,
		"latency":  latency.String(),
	}
	if errText != "" {
		data["error"] = errText
	}
	eb.Publish(Event{
		Type: EventProviderResult,
		Data: data,
	})
}

// PublishQuorumFailed publishes a quorum failure, a pipeline-wide condition
// distinct from ordinary single-provider failures
func (eb *EventBus) PublishQuorumFailed(asset string, active, required int) {
	eb.Publish(Event{
		Type: EventQuorumFailed,
		Data: map[string]interface{}{
			"asset":    asset,
			"active":   active,
			"required": required,
		},
	})
}

// PublishAllProvidersFailed publishes the systemic all-failed condition
func (eb *EventBus) PublishAllProvidersFailed(asset string, enabled []string) {
	eb.Publish(Event{
		Type: EventAllProvidersFailed,
		Data: map[string]interface{}{
			"asset":   asset,
			"enabled": enabled,
		},
	})
}

// PublishExecutionResult publishes the outcome of the execution stage
func (eb *EventBus) PublishExecutionResult(platform, asset, action, status string, err error) {
	data := map[string]interface{}{
		"platform": platform,
		"asset":    asset,
		"action":   action,
		"status":   status,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventExecutionResult,
		Data: data,
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

// ============================================================================
// WebSocket broadcast callbacks. These let packages like circuit and
// pipeline broadcast to websocket clients without importing the api
// package, avoiding import cycles. Wired up by the api package at startup.
// ============================================================================

// BroadcastFunc is a callback for broadcasting keyed event payloads
type BroadcastFunc func(key string, data interface{})

var (
	broadcastCircuitBreaker BroadcastFunc
	broadcastDecision       BroadcastFunc
	broadcastProviderResult BroadcastFunc
)

// SetBroadcastCircuitBreaker sets the callback for circuit breaker broadcasts
func SetBroadcastCircuitBreaker(fn BroadcastFunc) {
	broadcastCircuitBreaker = fn
}

// SetBroadcastDecision sets the callback for decision broadcasts
func SetBroadcastDecision(fn BroadcastFunc) {
	broadcastDecision = fn
}

// SetBroadcastProviderResult sets the callback for provider result broadcasts
func SetBroadcastProviderResult(fn BroadcastFunc) {
	broadcastProviderResult = fn
}

// BroadcastCircuitBreaker broadcasts breaker state keyed by breaker name
func BroadcastCircuitBreaker(name string, data interface{}) {
	if broadcastCircuitBreaker != nil && name != "" {
		go broadcastCircuitBreaker(name, data)
	}
}

// BroadcastDecision broadcasts a decision keyed by asset
func BroadcastDecision(asset string, data interface{}) {
	if broadcastDecision != nil && asset != "" {
		go broadcastDecision(asset, data)
	}
}

// BroadcastProviderResult broadcasts a provider outcome keyed by provider id
func BroadcastProviderResult(providerID string, data interface{}) {
	if broadcastProviderResult != nil && providerID != "" {
		go broadcastProviderResult(providerID, data)
	}
}
