// Package bus provides event distribution for sepal workflow runs. It allows
// components to publish and subscribe to run events, enabling decoupled
// communication between the execution engine and observers such as loggers,
// UIs, and monitoring systems.
package bus

import "github.com/petal-labs/sepal"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event sepal.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan sepal.Event

	// Close unsubscribes and releases resources.
	Close() error
}

// Pump drains a subscription into a handler until the subscription closes.
// It blocks; run it in a goroutine for live consumption.
func Pump(sub Subscription, handler sepal.EventHandler) {
	for e := range sub.Events() {
		handler(e)
	}
}
