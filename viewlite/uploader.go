// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"errors"
	"sync"

	"github.com/viewsync/go-viewsync/viewsync"
)

// uploadPending drains one batch from the outbox through the remote write
// path. The batch is a snapshot: entries are only mutated (removed, retried,
// rewritten) after the network round-trip completes, and failure handling is
// strictly per item, so a partial-batch success removes exactly the entries
// that were acknowledged.
//
// Entries for the same entity are uploaded in enqueue order by a single
// worker, and a group halts as soon as one of its entries stays queued, so a
// DELETE followed by a re-CREATE of the same id cannot be reordered even
// inside a concurrent batch: the re-CREATE waits until the DELETE is settled.
func (c *Client) uploadPending(ctx context.Context) (int, error) {
	batch, err := c.outbox.DrainBatch(ctx, c.config.UploadBatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	// Group per entity, preserving first-seen (oldest-first) group order.
	type entityKey struct{ collection, recordID string }
	var order []entityKey
	groups := make(map[entityKey][]*PendingChange)
	for _, change := range batch {
		key := entityKey{change.Collection, change.RecordID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], change)
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		uploaded int
		fatal    error
	)
	sem := make(chan struct{}, c.config.UploadConcurrency)
	for _, key := range order {
		group := groups[key]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, change := range group {
				if groupCtx.Err() != nil {
					return
				}
				n, settled, err := c.uploadOne(groupCtx, change)
				mu.Lock()
				uploaded += n
				if err != nil && fatal == nil {
					fatal = err
					cancel()
				}
				mu.Unlock()
				// A still-queued entry blocks the rest of its group: uploading
				// a later change for the same entity would overtake it.
				if err != nil || !settled {
					return
				}
			}
		}()
	}
	wg.Wait()

	if fatal != nil {
		return uploaded, fatal
	}
	return uploaded, nil
}

// uploadOne pushes a single outbox entry and settles its fate. The boolean
// reports whether the entry left the queue (acknowledged, dropped, or parked);
// false means it is still queued for a later retry. The returned error is
// fatal to the cycle (auth failure, cancellation); per-item failures are
// absorbed into the retry counter and return nil.
func (c *Client) uploadOne(ctx context.Context, change *PendingChange) (int, bool, error) {
	result, err := c.backend.Upload(ctx, change)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return 0, false, err
		case errors.Is(err, ErrAuthRequired):
			return 0, false, err
		default:
			if !isRetryable(err) {
				c.logger.Warn("Upload failed",
					"collection", change.Collection, "record_id", change.RecordID, "error", err)
			}
			settled, err := c.retryOrDrop(ctx, change, err)
			return 0, settled, err
		}
	}

	if result.Applied {
		if err := c.outbox.Remove(ctx, change.ID); err != nil {
			return 0, false, err
		}
		return 1, true, nil
	}

	// Conflict verdict: the server judged its state newer (or tombstoned).
	if result.Remote == nil {
		c.stats.recordError(change.Collection, change.RecordID,
			errors.New("conflict response without remote state"))
		return 0, true, c.outbox.Remove(ctx, change.ID)
	}
	settled, err := c.settleConflict(ctx, change, result.Remote)
	return 0, settled, err
}

// retryOrDrop increments the per-item retry counter and evicts the entry once
// it exhausts its attempts. The boolean reports whether the entry was evicted;
// false means it stays queued. No mutation is dropped silently: permanent
// failures land in the bounded error log with the entity identity and cause.
func (c *Client) retryOrDrop(ctx context.Context, change *PendingChange, cause error) (bool, error) {
	count, err := c.outbox.IncrementRetry(ctx, change.ID)
	if err != nil {
		return false, err
	}
	if count < c.config.MaxRetryAttempts {
		c.logger.Debug("Upload will be retried",
			"collection", change.Collection, "record_id", change.RecordID,
			"retry_count", count, "error", cause)
		return false, nil
	}
	c.logger.Error("Dropping change after max retries",
		"collection", change.Collection, "record_id", change.RecordID,
		"op", change.Op, "retry_count", count, "error", cause)
	c.stats.recordError(change.Collection, change.RecordID, cause)
	return true, c.outbox.Remove(ctx, change.ID)
}

// settleConflict runs the resolver over an upload conflict and applies its
// verdict to the outbox and the local store. The boolean reports whether the
// entry left the queue; rewritten entries stay queued for the next cycle.
func (c *Client) settleConflict(ctx context.Context, change *PendingChange, remote *viewsync.Record) (bool, error) {
	verdict := c.resolver.Resolve(change, remote)
	c.logger.Debug("Upload conflict resolved",
		"collection", change.Collection, "record_id", change.RecordID,
		"outcome", verdict.Outcome.String(), "reason", verdict.Reason)

	switch verdict.Outcome {
	case OutcomeRemoteWins:
		if err := c.applyRecord(ctx, remote); err != nil {
			return false, err
		}
		return true, c.outbox.Remove(ctx, change.ID)

	case OutcomeLocalWins:
		// Re-stamp so the retry lands strictly after the remote write.
		return false, c.outbox.Rewrite(ctx, change.ID, change.Op, change.Payload, c.now())

	case OutcomeRetryAsUpdate:
		at := change.EnqueuedAt
		if verdict.FreshTimestamp {
			at = c.now()
		}
		if err := c.applyRecord(ctx, remote); err != nil {
			return false, err
		}
		return false, c.outbox.Rewrite(ctx, change.ID, viewsync.OpUpdate, change.Payload, at)

	default: // OutcomeManual
		return true, c.storeConflict(ctx, &ConflictRecord{
			ID:         c.newID(),
			Collection: change.Collection,
			RecordID:   change.RecordID,
			Local:      change,
			Remote:     remote,
			DetectedAt: c.now(),
		})
	}
}

// applyRecord routes a remote record state into the local store. The store
// contract makes re-application a no-op, so replays are safe.
func (c *Client) applyRecord(ctx context.Context, record *viewsync.Record) error {
	if record.Deleted {
		return c.store.ApplyRemoteDelete(ctx, record)
	}
	if record.Version <= 1 {
		return c.store.ApplyRemoteInsert(ctx, record)
	}
	return c.store.ApplyRemoteUpdate(ctx, record)
}
