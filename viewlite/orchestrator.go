// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/viewsync/go-viewsync/viewsync"
)

// Start brings the engine up: Connecting, reachability monitoring, the live
// feed, an initial full sync (upload then download), then the scheduler loop.
// An authentication failure during the initial sync aborts the whole start
// and returns the engine to Disconnected; network loss and other errors leave
// the loop running so reachability restoration or ForceSync can recover.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.setStatus(StatusConnecting)

	if err := c.monitor.Start(runCtx); err != nil {
		c.teardown()
		return fmt.Errorf("failed to start reachability monitor: %w", err)
	}

	c.subscribe(runCtx)

	c.setStatus(StatusSyncing)
	if err := c.seedIfFresh(runCtx); err != nil {
		c.teardown()
		return err
	}
	if err := c.runCycle(runCtx); err != nil {
		if errors.Is(err, ErrAuthRequired) {
			c.teardown()
			return err
		}
		// Offline or transient failure: the loop below owns recovery.
		c.logger.Warn("Initial sync incomplete", "error", err)
	}

	c.wg.Add(1)
	go c.schedulerLoop(runCtx)
	return nil
}

// Stop cancels the periodic timer, unsubscribes the live feed, and cancels
// in-flight network calls. A call already past its point of no return on the
// server is not rolled back; its effect arrives later as a remote change.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	c.unsubscribeAll()
	c.monitor.Stop()
	c.wg.Wait()
	c.setStatus(StatusDisconnected)
	c.logger.Info("Sync engine stopped")
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.unsubscribeAll()
	c.monitor.Stop()
	c.wg.Wait()
	c.setStatus(StatusDisconnected)
}

// ForceSync runs an immediate upload-then-download cycle regardless of the
// timer schedule. Rejected with ErrSyncInProgress while a cycle is running,
// never queued.
func (c *Client) ForceSync(ctx context.Context) error {
	if !c.isRunning() {
		return ErrNotRunning
	}
	return c.runCycle(ctx)
}

// schedulerLoop is the single coordinating task that owns all mutable sync
// state. It sleeps until the next tick or an external wake signal: a
// reachability transition, a wake request, a pushed feed change, or stop.
func (c *Client) schedulerLoop(ctx context.Context) {
	defer c.wg.Done()

	timer := time.NewTimer(c.config.SyncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			// The periodic path runs only from the quiescent Synced state:
			// Offline waits for reachability, Error waits for ForceSync or a
			// reachability event.
			if c.Status() == StatusSynced {
				if err := c.runCycle(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
					c.logger.Warn("Periodic sync failed", "error", err)
				}
			}
			timer.Reset(c.config.SyncInterval)

		case <-c.wakeCh:
			if c.Status() != StatusOffline {
				if err := c.runCycle(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
					c.logger.Warn("Triggered sync failed", "error", err)
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.config.SyncInterval)

		case online, ok := <-c.monitor.Events():
			if !ok {
				continue
			}
			if !online {
				c.logger.Info("Connectivity lost, suspending sync")
				c.setStatus(StatusOffline)
				continue
			}
			// Primary recovery path: one immediate forced sync instead of
			// waiting for the next tick.
			c.logger.Info("Connectivity restored, forcing sync")
			c.setStatus(StatusConnecting)
			c.resubscribeIfNeeded(ctx)
			if err := c.runCycle(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				c.logger.Warn("Reconnect sync failed", "error", err)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.config.SyncInterval)

		case ch := <-c.feedCh:
			c.applyFeedChange(ctx, ch)
		}
	}
}

// runCycle performs one upload-then-download pass. Cycles never overlap: a
// second caller gets ErrSyncInProgress while one is in flight.
func (c *Client) runCycle(ctx context.Context) error {
	if !c.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer c.syncing.Store(false)

	uploaded, err := c.uploadPending(ctx)
	var downloaded int
	if err == nil {
		downloaded, err = c.downloadAll(ctx)
	}
	if err != nil {
		return c.failCycle(err)
	}

	now := c.now()
	c.stats.cycleCompleted(now, uploaded, downloaded)
	if err := c.saveLastSync(ctx, now.UTC().Format(timeFormat)); err != nil {
		c.logger.Warn("Failed to persist last sync time", "error", err)
	}
	c.setStatus(StatusSynced)
	c.events.publish(Event{Type: EventSyncCompleted, Uploaded: uploaded, Downloaded: downloaded})
	c.resubscribeIfNeeded(ctx)
	return nil
}

// failCycle classifies a cycle failure into the status machine. Transient
// network loss parks the engine Offline for the reachability monitor to
// recover; everything else is an Error state that waits for ForceSync.
func (c *Client) failCycle(err error) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown or caller timeout, not a sync failure.
	case errors.Is(err, ErrNetworkUnavailable):
		c.stats.recordError("", "", err)
		c.setStatus(StatusOffline)
	default:
		c.stats.recordError("", "", err)
		c.setStatus(StatusError)
	}
	return err
}

// applyFeedChange applies one pushed change in the scheduler task, keeping
// the single-writer ownership of queue and store state. While a forced cycle
// is in flight the push is skipped: the change is durable on the server, so a
// follow-up cycle delivers it from the change token instead of racing the
// cycle's own reads of the outbox.
func (c *Client) applyFeedChange(ctx context.Context, ch *viewsync.FeedChange) {
	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("Feed change deferred to next cycle",
			"collection", ch.Collection, "record_id", ch.RecordID)
		c.wake()
		return
	}
	defer c.syncing.Store(false)

	applied, err := c.applyRemoteChange(ctx, ch)
	if err != nil {
		c.logger.Warn("Failed to apply pushed change",
			"collection", ch.Collection, "record_id", ch.RecordID, "error", err)
		c.stats.recordError(ch.Collection, ch.RecordID, err)
		return
	}
	if applied {
		c.stats.addDownloaded(1)
	}
}

// seedIfFresh queues the local store's pre-engine data on the very first sync
// of a fresh install: no outbox entries and no change token means nothing has
// ever been uploaded or fetched.
func (c *Client) seedIfFresh(ctx context.Context) error {
	count, err := c.outbox.Count(ctx)
	if err != nil {
		return err
	}
	token, err := c.loadToken(ctx)
	if err != nil {
		return err
	}
	if count > 0 || token != "" {
		return nil
	}

	changes, err := c.store.GetLocalMutationsSince(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to seed from local store: %w", err)
	}
	for _, change := range changes {
		if err := c.outbox.Enqueue(ctx, change); err != nil {
			return err
		}
	}
	if len(changes) > 0 {
		c.logger.Info("Seeded outbox from local store", "changes", len(changes))
	}
	return nil
}
