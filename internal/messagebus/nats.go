package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/approvalflow/pkg/messages"
	"github.com/nats-io/nats.go"
)

const (
	DefaultURL        = "nats://localhost:4222"
	DefaultStreamName = "APPROVALFLOW"
	subjectRoot       = "approvalflow"
)

// eventSubject maps "workflow.completed" to approvalflow.events.workflow.completed.
// An empty type subscribes to every event.
func eventSubject(eventType string) string {
	if eventType == "" || eventType == "*" {
		return subjectRoot + ".events.>"
	}
	return fmt.Sprintf("%s.events.%s", subjectRoot, eventType)
}

// consumerName builds a durable name; NATS forbids dots and wildcards in it
func consumerName(eventType string) string {
	if eventType == "" || eventType == "*" {
		return "events-all"
	}
	r := strings.NewReplacer(".", "-", "*", "all", ">", "all")
	return "events-" + r.Replace(eventType)
}

// NatsMessageBus implements a message bus using NATS with JetStream
type NatsMessageBus struct {
	mu             sync.Mutex
	conn           *nats.Conn
	js             nats.JetStreamContext
	subscriptions  map[string]*nats.Subscription
	streamName     string
	url            string
	consumerPrefix string
}

// Config holds NATS configuration
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "APPROVALFLOW")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
	MaxAge         time.Duration // How long events are retained (default: 24h)
}

// NewNatsMessageBus creates a new NATS message bus with JetStream
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = DefaultStreamName
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("approvalflow"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[MessageBus] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[MessageBus] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:           nc,
		js:             js,
		subscriptions:  make(map[string]*nats.Subscription),
		streamName:     cfg.StreamName,
		url:            cfg.URL,
		consumerPrefix: cfg.ConsumerPrefix,
	}

	if err := mb.ensureStream(cfg.MaxAge); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[MessageBus] Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy lets
// several consumers read the same events.
func (mb *NatsMessageBus) ensureStream(maxAge time.Duration) error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{subjectRoot + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    maxAge,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[MessageBus] Created JetStream stream: %s", mb.streamName)
		return nil
	}

	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishEvent publishes an event message to approvalflow.events.<type>
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error {
	return mb.publish(ctx, eventSubject(eventType), event)
}

func (mb *NatsMessageBus) publish(ctx context.Context, subject string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := mb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeEvents subscribes to event messages of one type, or all types
// when eventType is empty
func (mb *NatsMessageBus) SubscribeEvents(eventType string, handler func(*messages.EventMessage)) error {
	subject := eventSubject(eventType)

	return mb.subscribe(subject, consumerName(eventType), func(msg *nats.Msg) {
		var event messages.EventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[MessageBus] Failed to unmarshal event message: %v", err)
			_ = msg.Term()
			return
		}

		handler(&event)
		_ = msg.Ack()
	})
}

func (mb *NatsMessageBus) prefixConsumer(name string) string {
	if mb.consumerPrefix != "" {
		return mb.consumerPrefix + "-" + name
	}
	return name
}

func (mb *NatsMessageBus) subscribe(subject, consumer string, handler nats.MsgHandler) error {
	prefixed := mb.prefixConsumer(consumer)
	sub, err := mb.js.Subscribe(subject, handler,
		nats.Durable(prefixed),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.mu.Lock()
	mb.subscriptions[subject] = sub
	mb.mu.Unlock()
	log.Printf("[MessageBus] Subscribed to %s with consumer %s", subject, prefixed)
	return nil
}

// Unsubscribe removes a subscription
func (mb *NatsMessageBus) Unsubscribe(subject string) error {
	mb.mu.Lock()
	sub, ok := mb.subscriptions[subject]
	delete(mb.subscriptions, subject)
	mb.mu.Unlock()

	if !ok {
		return fmt.Errorf("no subscription found for %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}
	return nil
}

// Close drains subscriptions and closes the connection
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	subjects := make([]string, 0, len(mb.subscriptions))
	for subject := range mb.subscriptions {
		subjects = append(subjects, subject)
	}
	mb.mu.Unlock()

	for _, subject := range subjects {
		_ = mb.Unsubscribe(subject)
	}

	mb.conn.Close()
	log.Printf("[MessageBus] Closed NATS connection")
	return nil
}

// Health returns the health status of the NATS connection
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !mb.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.streamName, err)
	}
	return nil
}

// Stats returns statistics about the message bus
func (mb *NatsMessageBus) Stats() map[string]interface{} {
	mb.mu.Lock()
	subs := len(mb.subscriptions)
	mb.mu.Unlock()

	stats := map[string]interface{}{
		"url":           mb.url,
		"stream":        mb.streamName,
		"connected":     mb.conn.IsConnected(),
		"subscriptions": subs,
	}

	if info, err := mb.js.StreamInfo(mb.streamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
		stats["stream_consumers"] = info.State.Consumers
	}
	return stats
}
