// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"time"

	"github.com/viewsync/go-viewsync/viewsync"
)

// subscribe establishes the live push feed for every collection. A failure is
// not fatal: the engine degrades to pull-only mode and the periodic fetch
// keeps it consistent; the next sync cycle retries the subscription.
func (c *Client) subscribe(ctx context.Context) {
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sub, err := c.backend.Subscribe(ctx, viewsync.Collections(), c.onFeedChange)
	if err != nil {
		c.mu.Lock()
		c.pullOnly = true
		c.subFailures++
		delay := c.subscribeBackoff(c.subFailures)
		c.nextSubAttempt = c.now().Add(delay)
		c.mu.Unlock()
		c.logger.Warn("Subscription failed, continuing in pull-only mode",
			"error", err, "retry_in", delay)
		return
	}

	c.mu.Lock()
	c.sub = sub
	c.pullOnly = false
	c.subFailures = 0
	c.nextSubAttempt = time.Time{}
	c.mu.Unlock()
	c.logger.Info("Live feed subscribed", "collections", len(viewsync.Collections()))

	// Watch for mid-stream feed loss and flip to pull-only until the next
	// cycle re-subscribes.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-sub.Done()
		c.mu.Lock()
		if c.sub == sub {
			c.sub = nil
			c.pullOnly = true
		}
		stillRunning := c.running
		c.mu.Unlock()
		if err := sub.Err(); err != nil && stillRunning {
			c.logger.Warn("Live feed lost, continuing in pull-only mode", "error", err)
		}
	}()
}

// resubscribeIfNeeded re-attempts the live feed after a degradation, at most
// once per sync cycle while online and only after the backoff window from the
// previous failed attempt has elapsed.
func (c *Client) resubscribeIfNeeded(ctx context.Context) {
	c.mu.Lock()
	degraded := c.pullOnly && c.sub == nil && c.running
	ready := !c.now().Before(c.nextSubAttempt)
	c.mu.Unlock()
	if degraded && ready && c.monitor.Online() {
		c.subscribe(ctx)
	}
}

// subscribeBackoff doubles the delay before the next subscribe attempt from
// BackoffMin up to the BackoffMax ceiling.
func (c *Client) subscribeBackoff(failures int) time.Duration {
	delay := c.config.BackoffMin
	for i := 1; i < failures && delay < c.config.BackoffMax; i++ {
		delay *= 2
	}
	if delay > c.config.BackoffMax {
		delay = c.config.BackoffMax
	}
	return delay
}

// unsubscribeAll tears down the live feed. Idempotent and safe when no
// subscription exists.
func (c *Client) unsubscribeAll() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// onFeedChange is called from the feed read goroutine. The change is handed
// to the scheduler loop, which owns all queue/token state; if the loop is
// backed up the change is dropped and the periodic fetch delivers it later.
func (c *Client) onFeedChange(ch *viewsync.FeedChange) {
	select {
	case c.feedCh <- ch:
	default:
		c.logger.Debug("Feed change dropped, scheduler busy",
			"collection", ch.Collection, "record_id", ch.RecordID)
	}
}
