// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventbus is the in-process typed pub/sub used for observability
// and UI streaming. Delivery is best-effort: a dropped event degrades
// observability but never correctness.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the closed event enumeration.
type Type string

const (
	TypeUserMessage        Type = "user_message"
	TypeAgentResponse      Type = "agent_response"
	TypeThinking           Type = "thinking"
	TypeDecision           Type = "decision"
	TypeToolCall           Type = "tool_call"
	TypeToolResult         Type = "tool_result"
	TypeApprovalRequest    Type = "approval_request"
	TypeApprovalResponse   Type = "approval_response"
	TypeSystemNotification Type = "system_notification"
	TypeError              Type = "error"
	TypeMetric             Type = "metric"
	TypeSessionStart       Type = "session_start"
	TypeSessionEnd         Type = "session_end"
)

// Event is one bus message.
type Event struct {
	EventID   string                 `json:"event_id"`
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(t Type, source string, payload map[string]interface{}) Event {
	return Event{
		EventID:   uuid.NewString(),
		Type:      t,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Handler consumes events. Panics are contained and logged; they never
// reach the publisher.
type Handler func(Event)

// Bus dispatches published events to subscribers. One consumer goroutine
// drains the queue; each handler invocation runs on its own goroutine so a
// slow handler cannot stall the others. Per subscriber, events of the same
// type are delivered in publish order.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Type]map[string]*subscriber
	queue    chan Event
	done     chan struct{}
	closedMu sync.Mutex
	closed   bool

	ringMu  sync.Mutex
	ring    []Event
	ringCap int
}

type subscriber struct {
	id string
	// mailbox preserves per-subscriber ordering while keeping dispatch
	// independent across subscribers.
	mailbox chan Event
	quit    chan struct{}
}

// NewBus starts a bus whose ring buffer keeps the last ringSize events
// (default 1000 when <= 0).
func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 1000
	}
	b := &Bus{
		subs:    make(map[Type]map[string]*subscriber),
		queue:   make(chan Event, 256),
		done:    make(chan struct{}),
		ringCap: ringSize,
	}
	go b.consume()
	return b
}

// Subscribe registers a handler for one event type and returns the
// subscription id.
func (b *Bus) Subscribe(t Type, handler Handler) string {
	sub := &subscriber{
		id:      uuid.NewString(),
		mailbox: make(chan Event, 64),
		quit:    make(chan struct{}),
	}
	go func() {
		for {
			select {
			case ev := <-sub.mailbox:
				invoke(handler, ev)
			case <-sub.quit:
				return
			}
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[t] == nil {
		b.subs[t] = make(map[string]*subscriber)
	}
	b.subs[t][sub.id] = sub
	return sub.id
}

func invoke(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	handler(ev)
}

// Unsubscribe removes a subscription by id. Returns true when found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		if sub, ok := subs[id]; ok {
			close(sub.quit)
			delete(subs, id)
			return true
		}
	}
	return false
}

// Publish enqueues an event. Never blocks the caller indefinitely: when
// the queue is saturated the event is dropped with a warning.
func (b *Bus) Publish(ev Event) {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return
	}
	b.closedMu.Unlock()

	select {
	case b.queue <- ev:
	default:
		slog.Warn("event queue saturated, dropping event", "type", ev.Type)
	}
}

// Emit is shorthand for Publish(New(...)).
func (b *Bus) Emit(t Type, source string, payload map[string]interface{}) {
	b.Publish(New(t, source, payload))
}

func (b *Bus) consume() {
	for {
		select {
		case ev := <-b.queue:
			b.record(ev)
			b.dispatch(ev)
		case <-b.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.record(ev)
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[ev.Type] {
		select {
		case sub.mailbox <- ev:
		default:
			slog.Warn("subscriber mailbox full, dropping event",
				"type", ev.Type, "subscriber", sub.id)
		}
	}
}

func (b *Bus) record(ev Event) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
}

// Recent returns up to n most recent events, oldest first. n <= 0 returns
// the whole buffer.
func (b *Bus) Recent(n int) []Event {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	if n <= 0 || n > len(b.ring) {
		n = len(b.ring)
	}
	out := make([]Event, n)
	copy(out, b.ring[len(b.ring)-n:])
	return out
}

// Close stops the consumer. Pending queued events are drained first.
func (b *Bus) Close() {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return
	}
	b.closed = true
	b.closedMu.Unlock()

	close(b.done)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for id, sub := range subs {
			close(sub.quit)
			delete(subs, id)
		}
	}
}
