// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/viewsync/go-viewsync/viewsync"
)

// feedSubscription is one live WebSocket attachment to the server feed.
type feedSubscription struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	err    error
	done   chan struct{}
}

func (s *feedSubscription) Done() <-chan struct{} { return s.done }

func (s *feedSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the feed. Safe to call more than once and when the read
// loop has already failed.
func (s *feedSubscription) Close() error {
	s.finish(nil)
	return nil
}

func (s *feedSubscription) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// Subscribe implements RemoteBackend. It dials the feed socket, enables the
// given collections, and delivers pushed changes to onChange from a private
// goroutine. Delivery order within one collection matches server commit
// order; nothing is guaranteed across collections.
func (b *HTTPBackend) Subscribe(ctx context.Context, collections []string, onChange func(*viewsync.FeedChange)) (Subscription, error) {
	token, err := b.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}

	endpoint := strings.Replace(b.BaseURL, "http", "ws", 1) + "/sync/feed"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: feed dial rejected", ErrAuthRequired)
			case http.StatusTooManyRequests:
				return nil, fmt.Errorf("%w: feed dial rejected", ErrRateLimited)
			}
		}
		return nil, fmt.Errorf("%w: feed dial failed: %v", ErrNetworkUnavailable, err)
	}

	for _, collection := range collections {
		cmd := viewsync.FeedCommand{Action: viewsync.FeedActionSubscribe, Collection: collection}
		if err := conn.WriteJSON(&cmd); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: feed subscribe failed: %v", ErrNetworkUnavailable, err)
		}
	}

	sub := &feedSubscription{conn: conn, done: make(chan struct{})}
	go sub.readLoop(b, onChange)
	return sub, nil
}

func (s *feedSubscription) readLoop(b *HTTPBackend, onChange func(*viewsync.FeedChange)) {
	for {
		var msg viewsync.FeedMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.finish(fmt.Errorf("%w: feed read failed: %v", ErrNetworkUnavailable, err))
			return
		}
		switch msg.Type {
		case viewsync.FeedMsgChange:
			if msg.Change != nil {
				onChange(msg.Change)
			}
		case viewsync.FeedMsgError:
			b.logger.Warn("Feed server reported error", "message", msg.Message, "collection", msg.Collection)
		case viewsync.FeedMsgSubscribed, viewsync.FeedMsgUnsubscribed:
			b.logger.Debug("Feed subscription state changed", "type", msg.Type, "collection", msg.Collection)
		}
	}
}
