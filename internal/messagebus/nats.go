// Package messagebus mirrors processing events onto NATS JetStream and
// accepts inbound channel messages published there.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/tinyloom/internal/eventbus"
	"github.com/jordanhubbard/tinyloom/pkg/messages"
)

const (
	subjectRoot    = "tinyloom"
	inboundSubject = subjectRoot + ".inbound"
)

// eventSubject returns the subject an event type is published on.
func eventSubject(eventType eventbus.EventType) string {
	return fmt.Sprintf("%s.events.%s", subjectRoot, strings.ReplaceAll(string(eventType), ".", "_"))
}

// NatsMessageBus implements a message bus using NATS with JetStream
type NatsMessageBus struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	mu             sync.Mutex
	subscriptions  map[string]*nats.Subscription
	streamName     string
	url            string
	consumerPrefix string
}

// Config holds NATS configuration
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "TINYLOOM")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
}

// NewNatsMessageBus creates a new NATS message bus with JetStream
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "TINYLOOM"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[NATS] Reconnected to %s", nc.ConnectedUrl())
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

	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[NATS] Connected to %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy lets
// any number of consumers read the same event subjects.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{subjectRoot + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[NATS] Created JetStream stream: %s", mb.streamName)
		return nil
	}

	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishEvent publishes a processing event on tinyloom.events.<type>.
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, event *eventbus.Event) error {
	return mb.publish(ctx, eventSubject(event.Type), event)
}

// HandleEvent lets the bus act as an event sink.
func (mb *NatsMessageBus) HandleEvent(ctx context.Context, event *eventbus.Event) error {
	return mb.PublishEvent(ctx, event)
}

// PublishInbound publishes a channel message for the processor to enqueue.
func (mb *NatsMessageBus) PublishInbound(ctx context.Context, env *messages.Envelope) error {
	return mb.publish(ctx, inboundSubject, env)
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

// SubscribeInbound delivers inbound channel messages to handler. A handler
// error naks the message so JetStream redelivers it.
func (mb *NatsMessageBus) SubscribeInbound(handler func(*messages.Envelope) error) error {
	return mb.subscribe(inboundSubject, "inbound", func(msg *nats.Msg) {
		var env messages.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[NATS] Dropping malformed inbound message: %v", err)
			msg.Term()
			return
		}
		if err := handler(&env); err != nil {
			log.Printf("[NATS] Inbound handler failed: %v", err)
			msg.Nak()
			return
		}
		msg.Ack()
	})
}

// SubscribeEvents subscribes to mirrored events of one type, or all types
// when eventType is empty.
func (mb *NatsMessageBus) SubscribeEvents(eventType string, handler func(*eventbus.Event)) error {
	subject := subjectRoot + ".events.>"
	consumer := "events-all"
	if eventType != "" {
		subject = eventSubject(eventbus.EventType(eventType))
		consumer = "events-" + eventType
	}

	return mb.subscribe(subject, consumer, func(msg *nats.Msg) {
		var event eventbus.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[NATS] Failed to unmarshal event message: %v", err)
			msg.Term()
			return
		}
		handler(&event)
		msg.Ack()
	})
}

// prefixConsumer adds the optional consumer prefix for namespace isolation
func (mb *NatsMessageBus) prefixConsumer(name string) string {
	if mb.consumerPrefix != "" {
		return mb.consumerPrefix + "-" + name
	}
	return name
}

func (mb *NatsMessageBus) subscribe(subject, consumerName string, handler nats.MsgHandler) error {
	prefixed := mb.prefixConsumer(consumerName)
	sub, err := mb.js.Subscribe(subject, handler,
		nats.Durable(prefixed),
		nats.AckExplicit(),
		nats.MaxDeliver(5),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.mu.Lock()
	mb.subscriptions[subject] = sub
	mb.mu.Unlock()
	log.Printf("[NATS] Subscribed to %s with consumer %s", subject, prefixed)
	return nil
}

// Close closes all subscriptions and the NATS connection
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	for subject, sub := range mb.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[NATS] Failed to unsubscribe from %s: %v", subject, err)
		}
		delete(mb.subscriptions, subject)
	}
	mb.mu.Unlock()

	mb.conn.Close()
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
