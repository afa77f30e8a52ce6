package shared

import "context"

// EventHandler reacts to published events. Handlers must tolerate redelivery.
type EventHandler interface {
	Handle(ctx context.Context, event DomainEvent) error
	// EventTypes lists the types the handler is subscribed to when none are given explicitly.
	EventTypes() []string
}

// EventPublisher is what services depend on to announce goal changes and
// what the change feed uses to inject CRM record changes.
type EventPublisher interface {
	Publish(ctx context.Context, events ...DomainEvent) error
}

// EventSubscriber routes event types to handlers.
type EventSubscriber interface {
	Subscribe(handler EventHandler, eventTypes ...string)
	Unsubscribe(handler EventHandler)
}

// EventBus is a publisher and subscriber with a worker lifecycle.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
