// Package eventbus carries processing events from the dispatcher to
// persistent storage, live subscribers (SSE and websocket clients) and
// optional mirrors such as NATS.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// EventType names a processing event
type EventType string

const (
	EventTypeProcessorStart  EventType = "processor_start"
	EventTypeMessageReceived EventType = "message_received"
	EventTypeMessageEnqueued EventType = "message_enqueued"
	EventTypeAgentRouted     EventType = "agent_routed"
	EventTypeChainStepStart  EventType = "chain_step_start"
	EventTypeChainStepDone   EventType = "chain_step_done"
	EventTypeChainHandoff    EventType = "chain_handoff"
	EventTypeTeamChainStart  EventType = "team_chain_start"
	EventTypeTeamChainEnd    EventType = "team_chain_end"
	EventTypeResponseReady   EventType = "response_ready"
	EventTypeMessageFailed   EventType = "message_failed"
	EventTypeDeadLettered    EventType = "message_dead_lettered"
	EventTypeSettingsChanged EventType = "settings_changed"
)

// Event is one emitted processing event. On the wire it is a flat object:
// {"type": ..., "timestamp": <unix ms>, ...Data}.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// MarshalJSON flattens Data next to type and timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = string(e.Type)
	out["timestamp"] = e.Timestamp.UnixMilli()
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = EventType(t)
	}
	if ts, ok := raw["timestamp"].(float64); ok {
		e.Timestamp = time.UnixMilli(int64(ts))
	}
	delete(raw, "type")
	delete(raw, "timestamp")
	e.Data = raw
	return nil
}

// Millis returns the event timestamp in unix milliseconds.
func (e *Event) Millis() int64 {
	return e.Timestamp.UnixMilli()
}

// Store persists events for later polling.
type Store interface {
	Append(ctx context.Context, event *Event) error
	Since(ctx context.Context, since int64, limit int) ([]*Event, error)
}

// Sink receives every distributed event, e.g. to mirror it elsewhere.
type Sink interface {
	HandleEvent(ctx context.Context, event *Event) error
}

// Subscriber represents an event subscriber
type Subscriber struct {
	ID      string
	Channel chan *Event
	Filter  func(*Event) bool // Optional filter function
}

// EventBus persists events synchronously and fans them out asynchronously.
// Event emission never fails the caller: storage and delivery errors are
// logged and dropped.
type EventBus struct {
	store       Store
	sinks       []Sink
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	buffer      chan *Event
	done        chan struct{}

	// Ring buffer for recent event history (ephemeral, lost on restart)
	recentEvents []*Event
	recentIdx    int
	recentCount  int
}

// NewEventBus creates a new event bus. store may be nil.
func NewEventBus(store Store, bufferSize int) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	if bufferSize <= 0 {
		bufferSize = 1000
	}

	eb := &EventBus{
		store:        store,
		subscribers:  make(map[string]*Subscriber),
		ctx:          ctx,
		cancel:       cancel,
		buffer:       make(chan *Event, bufferSize),
		done:         make(chan struct{}),
		recentEvents: make([]*Event, 1000),
	}

	go eb.processEvents()

	return eb
}

// AddSink registers a sink. Sinks are called from the distribution goroutine.
func (eb *EventBus) AddSink(s Sink) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.sinks = append(eb.sinks, s)
}

// Emit builds an event of the given type and publishes it.
func (eb *EventBus) Emit(eventType EventType, data map[string]interface{}) *Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	event := &Event{Type: eventType, Data: data}
	if err := eb.Publish(event); err != nil {
		log.Printf("[Events] Dropped %s event: %v", eventType, err)
	}
	return event
}

// Publish persists the event and queues it for distribution.
func (eb *EventBus) Publish(event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("%s-%d", event.Type, event.Timestamp.UnixNano())
	}

	if eb.store != nil {
		if err := eb.store.Append(eb.ctx, event); err != nil {
			log.Printf("[Events] Failed to persist %s event: %v", event.Type, err)
		}
	}

	select {
	case <-eb.ctx.Done():
		return fmt.Errorf("event bus closed")
	default:
	}

	select {
	case eb.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer is full")
	}
}

// Subscribe creates a new subscription to events
func (eb *EventBus) Subscribe(subscriberID string, filter func(*Event) bool) *Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		return sub
	}

	sub := &Subscriber{
		ID:      subscriberID,
		Channel: make(chan *Event, 100),
		Filter:  filter,
	}

	eb.subscribers[subscriberID] = sub
	return sub
}

// Unsubscribe removes a subscriber
func (eb *EventBus) Unsubscribe(subscriberID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		close(sub.Channel)
		delete(eb.subscribers, subscriberID)
	}
}

func (eb *EventBus) processEvents() {
	defer close(eb.done)
	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.buffer:
			eb.distributeEvent(event)
		}
	}
}

// distributeEvent sends event to all matching subscribers and sinks
func (eb *EventBus) distributeEvent(event *Event) {
	eb.mu.Lock()
	eb.recentEvents[eb.recentIdx] = event
	eb.recentIdx = (eb.recentIdx + 1) % len(eb.recentEvents)
	if eb.recentCount < len(eb.recentEvents) {
		eb.recentCount++
	}

	for _, sub := range eb.subscribers {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		// Non-blocking send; slow subscribers miss events
		select {
		case sub.Channel <- event:
		default:
		}
	}
	sinks := append([]Sink(nil), eb.sinks...)
	eb.mu.Unlock()

	for _, s := range sinks {
		if err := s.HandleEvent(eb.ctx, event); err != nil {
			log.Printf("[Events] Sink failed for %s: %v", event.Type, err)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// GetRecentEvents returns recent events from the ring buffer, newest first,
// optionally filtered by type.
func (eb *EventBus) GetRecentEvents(limit int, eventType string) []*Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > eb.recentCount {
		limit = eb.recentCount
	}

	result := make([]*Event, 0, limit)
	for i := 0; i < eb.recentCount && len(result) < limit; i++ {
		idx := (eb.recentIdx - 1 - i + len(eb.recentEvents)) % len(eb.recentEvents)
		ev := eb.recentEvents[idx]
		if ev == nil {
			continue
		}
		if eventType != "" && string(ev.Type) != eventType {
			continue
		}
		result = append(result, ev)
	}
	return result
}

// Store returns the persistent store, possibly nil.
func (eb *EventBus) Store() Store {
	return eb.store
}

// Close shuts down the event bus
func (eb *EventBus) Close() {
	eb.cancel()
	<-eb.done

	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, sub := range eb.subscribers {
		close(sub.Channel)
	}
	eb.subscribers = make(map[string]*Subscriber)
}
