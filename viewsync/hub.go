// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// FeedSubscription is one device's live attachment to the change feed. The
// set of collections it receives is toggled by subscribe/unsubscribe commands
// on the socket.
type FeedSubscription struct {
	id       int64
	userID   string
	deviceID string

	mu          sync.Mutex
	collections map[string]bool
	closed      bool

	ch   chan *FeedMessage
	done chan struct{}
}

// C returns the channel that delivers feed messages for this subscription.
func (s *FeedSubscription) C() <-chan *FeedMessage {
	return s.ch
}

// Done is closed when the subscription is shut down.
func (s *FeedSubscription) Done() <-chan struct{} {
	return s.done
}

// SetCollection enables or disables delivery for one collection.
func (s *FeedSubscription) SetCollection(collection string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.collections[collection] = true
	} else {
		delete(s.collections, collection)
	}
}

func (s *FeedSubscription) wants(collection string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.collections[collection]
}

// Close shuts the subscription down. Safe to call more than once.
func (s *FeedSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// FeedHub fans committed changes out to live feed subscribers. Delivery is
// best-effort: a subscriber that cannot keep up has messages dropped rather
// than stalling the publisher, and catches up through the periodic fetch.
type FeedHub struct {
	mu     sync.RWMutex
	users  map[string]map[int64]*FeedSubscription
	nextID int64

	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
}

// FeedHubStats is a snapshot of hub activity.
type FeedHubStats struct {
	Subscribers int   `json:"subscribers"`
	Dropped     int64 `json:"dropped"`
}

// NewFeedHub creates a hub whose subscriptions buffer up to buffer messages.
func NewFeedHub(buffer int, logger *slog.Logger) *FeedHub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedHub{
		users:  make(map[string]map[int64]*FeedSubscription),
		buffer: buffer,
		logger: logger,
	}
}

// Register attaches a device to the feed with no collections enabled yet.
func (h *FeedHub) Register(userID, deviceID string) *FeedSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &FeedSubscription{
		id:          h.nextID,
		userID:      userID,
		deviceID:    deviceID,
		collections: make(map[string]bool),
		ch:          make(chan *FeedMessage, h.buffer),
		done:        make(chan struct{}),
	}
	if h.users[userID] == nil {
		h.users[userID] = make(map[int64]*FeedSubscription)
	}
	h.users[userID][sub.id] = sub
	h.logger.Debug("Feed subscription registered", "user_id", userID, "device_id", deviceID, "sub_id", sub.id)
	return sub
}

// Unregister detaches and closes a subscription. Idempotent.
func (h *FeedHub) Unregister(sub *FeedSubscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if subs, ok := h.users[sub.userID]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.users, sub.userID)
		}
	}
	h.mu.Unlock()
	sub.Close()
}

// Publish delivers a committed change to every subscription of the user that
// wants its collection, except the device that produced it.
func (h *FeedHub) Publish(userID string, change *FeedChange) {
	h.mu.RLock()
	subs := make([]*FeedSubscription, 0, len(h.users[userID]))
	for _, sub := range h.users[userID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	msg := &FeedMessage{Type: FeedMsgChange, Collection: change.Collection, Change: change}
	for _, sub := range subs {
		if sub.deviceID == change.DeviceID {
			continue
		}
		if !sub.wants(change.Collection) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Feed message dropped, subscriber too slow",
				"user_id", userID, "device_id", sub.deviceID, "collection", change.Collection)
		}
	}
}

// Stats returns a snapshot of hub activity.
func (h *FeedHub) Stats() FeedHubStats {
	h.mu.RLock()
	n := 0
	for _, subs := range h.users {
		n += len(subs)
	}
	h.mu.RUnlock()
	return FeedHubStats{Subscribers: n, Dropped: h.dropped.Load()}
}
