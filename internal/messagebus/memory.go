package messagebus

import (
	"context"
	"strings"
	"sync"

	"github.com/jordanhubbard/approvalflow/pkg/messages"
)

// MemoryBus delivers events synchronously to in-process subscribers. It is
// used when no NATS URL is configured and in tests.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]func(*messages.EventMessage)
	history  []*messages.EventMessage
	limit    int
}

// NewMemoryBus creates an in-process bus keeping the last limit events
// (0 keeps none)
func NewMemoryBus(limit int) *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string][]func(*messages.EventMessage)),
		limit:    limit,
	}
}

// PublishEvent hands event to every matching subscriber
func (b *MemoryBus) PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.limit > 0 {
		b.history = append(b.history, event)
		if len(b.history) > b.limit {
			b.history = b.history[len(b.history)-b.limit:]
		}
	}
	var targets []func(*messages.EventMessage)
	for pattern, hs := range b.handlers {
		if matchEventType(pattern, eventType) {
			targets = append(targets, hs...)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(event)
	}
	return nil
}

// SubscribeEvents registers handler for eventType. An empty type, "*" or
// ">" receives everything; "workflow.*" matches one trailing token.
func (b *MemoryBus) SubscribeEvents(eventType string, handler func(*messages.EventMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// History returns the retained events, oldest first
func (b *MemoryBus) History() []*messages.EventMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*messages.EventMessage, len(b.history))
	copy(out, b.history)
	return out
}

// matchEventType applies NATS-style token matching to dotted event types
func matchEventType(pattern, eventType string) bool {
	if pattern == "" || pattern == "*" || pattern == ">" {
		return true
	}
	pt := strings.Split(pattern, ".")
	et := strings.Split(eventType, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(et) > i
		}
		if i >= len(et) {
			return false
		}
		if tok != "*" && tok != et[i] {
			return false
		}
	}
	return len(pt) == len(et)
}
