// Package bus is the in-process publish/subscribe bus the session uses to notify
// listeners about user lifecycle changes (identify, ready, join, logout) and bridge
// changes.
package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub event bus.
//
//   - Handlers subscribe by Event.Type() within a topic; the default topic is "".
//   - Publish calls handlers in the caller goroutine and joins their errors.
//   - Filters run before delivery; a rejected event is dropped without error.
//   - Metrics are collected only while at least one observer is registered.
//
// Handlers should return quickly. The session publishes from its tick.
type EventBus interface {
	// Publish delivers event synchronously to every subscriber of event.Type() in
	// the default topic.
	Publish(event Event) error
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels sub. A nil sub is ignored.
	Unsubscribe(sub Subscription) error

	PublishWithFilters(event Event, filters ...EventFilter) error

	SubscribeTopic(topic, eventType string, handler EventHandler) (Subscription, error)
	PublishToTopic(topic string, event Event) error

	// PublishAsync publishes from a new goroutine. The returned channel yields the
	// joined handler error (or nil) and is then closed.
	PublishAsync(event Event) <-chan error

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	Metrics() Metrics
	Topics() []TopicInfo
}

// Event is an immutable message. Type selects the handlers.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type (
	// EventHandler is invoked once per delivered event.
	EventHandler func(event Event) error
	// EventFilter returns false to drop an event before delivery.
	EventFilter func(event Event) bool
)

// Subscription is a registered handler. Cancel is idempotent.
type Subscription interface {
	ID() string
	Topic() string
	EventType() string
	IsActive() bool
	Cancel() error
}

// Observer is told about every publish and delivery.
type Observer interface {
	OnPublish(topic, eventType string, event Event)
	OnDelivered(topic, eventType string, handlers int, err error, took time.Duration)
}

// Metrics are best-effort counters, updated only while observed.
type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	DroppedByFilters  uint64
	SubscribersActive uint64
	Topics            uint64
}

type TopicInfo struct {
	Name       string
	EventTypes int
	Subs       int
}
