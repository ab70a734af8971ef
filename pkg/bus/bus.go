// Package bus implements the in-process event bus that fans lifecycle
// events out to background subscribers (cost tracker, narrator, analytics).
//
// Publishing never blocks: each subscriber owns an independent bounded
// queue, and events are dropped per-subscriber when that queue is full.
// Subscribers must therefore tolerate missing events.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventCascadeStart        EventType = "cascade_start"
	EventCascadeComplete     EventType = "cascade_complete"
	EventCascadeError        EventType = "cascade_error"
	EventCellStart           EventType = "cell_start"
	EventCellComplete        EventType = "cell_complete"
	EventTurnStart           EventType = "turn_start"
	EventToolCall            EventType = "tool_call"
	EventToolResult          EventType = "tool_result"
	EventCheckpointSuspended EventType = "checkpoint_suspended"
	EventCheckpointResumed   EventType = "checkpoint_resumed"
	EventCostUpdate          EventType = "cost_update"
	EventWardResult          EventType = "ward_result"
	EventCandidateComplete   EventType = "candidate_complete"
	EventAnalyticsComplete   EventType = "analytics_complete"
)

// Event is an immutable record delivered to subscribers.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscription is a handle to an independent bounded event queue.
// Close it to stop receiving events; the Events channel is closed by the
// bus on Unsubscribe or Shutdown.
type Subscription struct {
	id        int
	bus       *Bus
	events    chan Event
	sessionID string      // empty matches all sessions
	types     []EventType // empty matches all types

	dropped int64
	closed  bool
	mu      sync.Mutex
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the event channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// deliver enqueues the event unless the subscription is already closed
// or its queue is full. Sending and closing both happen under s.mu, so a
// subscriber closing mid-publish never panics the publisher.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%1000 == 0 {
			slog.Warn("Event bus subscriber queue full, dropping",
				"type", ev.Type,
				"session_id", ev.SessionID,
				"dropped_total", s.dropped)
		}
	}
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *Subscription) matches(ev Event) bool {
	if s.sessionID != "" && s.sessionID != ev.SessionID {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithSession filters delivery to one session.
func WithSession(sessionID string) SubscribeOption {
	return func(s *Subscription) {
		s.sessionID = sessionID
	}
}

// WithTypes filters delivery to the given event types.
func WithTypes(types ...EventType) SubscribeOption {
	return func(s *Subscription) {
		s.types = types
	}
}

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*Subscription
	nextID      int
	queueSize   int
	closed      bool
}

const defaultQueueSize = 256

// New creates a Bus. queueSize bounds each subscriber's queue; values <= 0
// use the default.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		subscribers: make(map[int]*Subscription),
		queueSize:   queueSize,
	}
}

// Subscribe registers a new subscriber with its own bounded queue.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		events: make(chan Event, b.queueSize),
	}
	for _, opt := range opts {
		opt(sub)
	}
	b.nextID++

	if b.closed {
		sub.shut()
		return sub
	}

	b.subscribers[sub.id] = sub
	return sub
}

// Publish delivers the event to every matching subscriber without blocking.
// Subscribers with full queues miss the event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return
	}

	for _, sub := range subs {
		if !sub.matches(ev) {
			continue
		}
		sub.deliver(ev)
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	sub.shut()
}

// Shutdown closes every subscriber channel. Pending queued events remain
// readable until drained; the closed channel is the poison pill.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		sub.shut()
	}
}
