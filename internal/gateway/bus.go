// Package gateway implements the Event Gateway: a WebSocket multiplexer
// publishing domain events and serving read-only/control RPCs to
// authenticated observers, spec §4.9.
package gateway

import (
	"sync"
	"time"
)

// AgentEvent is one domain event delivered to every connected observer.
// Grounded on copilot/events.go's AgentEvent, trimmed of the run-scoped
// fields (RunID, Stream) that don't apply outside a single LLM
// completion stream, and with Seq now scoped per session rather than
// per run to match spec §4.8's "per session: strict FIFO... of events".
type AgentEvent struct {
	SessionID string
	Seq       uint64
	Type      string
	Data      map[string]any
	Timestamp time.Time
}

// Listener receives every event published on a Bus.
type Listener func(AgentEvent)

// EventBus fans out one event per publish to every subscriber, per spec
// §4.9 ("Events are delivered to all connected observers; there is no
// replay"). The subscriber list is protected by a single mutex held
// only to add/remove subscribers; Publish copies the snapshot before
// calling out, exactly the concurrency model spec §5 requires ("Event
// Gateway's subscriber list is protected by a single mutex held only to
// add/remove subscribers; publishes copy the snapshot").
type EventBus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener

	seqMu sync.Mutex
	seq   map[string]uint64 // sessionID -> last assigned seq
}

// NewEventBus returns a ready-to-use, empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		listeners: make(map[uint64]Listener),
		seq:       make(map[string]uint64),
	}
}

// Subscribe registers l and returns a function that removes it. Safe to
// call from any goroutine, including from within a Listener callback.
func (b *EventBus) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish implements dispatcher.EventPublisher: fan the event out to
// every current subscriber. Satisfies the interface structurally, so
// internal/dispatcher never imports internal/gateway.
func (b *EventBus) Publish(sessionID, event string, data map[string]any) {
	evt := AgentEvent{
		SessionID: sessionID,
		Seq:       b.nextSeq(sessionID),
		Type:      event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	snapshot := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		snapshot = append(snapshot, l)
	}
	b.mu.Unlock()

	for _, l := range snapshot {
		l(evt)
	}
}

func (b *EventBus) nextSeq(sessionID string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seq[sessionID]++
	return b.seq[sessionID]
}
