package messagebus

import (
	"context"

	"github.com/jordanhubbard/approvalflow/pkg/messages"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error
}

// EventSubscriber abstracts event subscription for testability.
type EventSubscriber interface {
	SubscribeEvents(eventType string, handler func(*messages.EventMessage)) error
}

// Verify both buses implement all interfaces at compile time.
var (
	_ EventPublisher  = (*NatsMessageBus)(nil)
	_ EventSubscriber = (*NatsMessageBus)(nil)
	_ EventPublisher  = (*MemoryBus)(nil)
	_ EventSubscriber = (*MemoryBus)(nil)
)
