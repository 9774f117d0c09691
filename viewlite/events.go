// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"sync"
	"time"
)

// EventType identifies an engine lifecycle event.
type EventType int

const (
	// EventStatusChanged fires on every SyncStatus transition.
	EventStatusChanged EventType = iota
	// EventConflictRaised fires when a mutation is parked for manual resolution.
	EventConflictRaised
	// EventSyncCompleted fires after every finished sync cycle.
	EventSyncCompleted
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventStatusChanged:
		return "status_changed"
	case EventConflictRaised:
		return "conflict_raised"
	case EventSyncCompleted:
		return "sync_completed"
	default:
		return "unknown"
	}
}

// Event is one entry on the engine's typed event stream.
type Event struct {
	Type EventType
	Time time.Time

	// Status is set for EventStatusChanged.
	Status SyncStatus
	// Conflict is set for EventConflictRaised.
	Conflict *ConflictRecord
	// Uploaded/Downloaded are set for EventSyncCompleted.
	Uploaded   int
	Downloaded int
}

// EventSubscription is one consumer's attachment to the event stream.
type EventSubscription struct {
	id int64
	ch chan Event

	mu     sync.Mutex
	closed bool
	hub    *eventHub
}

// C returns the channel delivering events for this subscription.
func (s *EventSubscription) C() <-chan Event { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *EventSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.unsubscribe(s.id)
}

// eventHub fans engine events out to subscribers. Delivery is best-effort:
// a subscriber that cannot keep up has events dropped rather than stalling
// the sync loop, which keeps test assertions deterministic.
type eventHub struct {
	mu     sync.Mutex
	subs   map[int64]*EventSubscription
	nextID int64
	buffer int
}

func newEventHub(buffer int) *eventHub {
	return &eventHub{subs: make(map[int64]*EventSubscription), buffer: buffer}
}

func (h *eventHub) subscribe(buffer int) *EventSubscription {
	if buffer <= 0 {
		buffer = h.buffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &EventSubscription{id: h.nextID, ch: make(chan Event, buffer), hub: h}
	h.subs[sub.id] = sub
	return sub
}

func (h *eventHub) unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (h *eventHub) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	subs := make([]*EventSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
