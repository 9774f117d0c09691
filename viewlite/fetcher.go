// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/viewsync/go-viewsync/viewsync"
)

// downloadAll drains the remote change stream from the persisted token until
// the server reports no more pages. Token invalidation is not an error to the
// caller: the cursor is reset and the fetch restarts from epoch, yielding a
// full snapshot.
func (c *Client) downloadAll(ctx context.Context) (int, error) {
	token, err := c.loadToken(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	resetDone := false
	for {
		page, err := c.backend.FetchSince(ctx, token, c.config.DownloadLimit)
		if err != nil {
			if errors.Is(err, ErrTokenInvalid) && !resetDone {
				c.logger.Info("Change token invalidated, falling back to full resync")
				resetDone = true
				token = ""
				if err := c.saveToken(ctx, ""); err != nil {
					return applied, err
				}
				continue
			}
			return applied, err
		}

		n, err := c.applyPage(ctx, page.Changes)
		applied += n
		if err != nil {
			return applied, err
		}

		token = page.NextToken
		if err := c.saveToken(ctx, token); err != nil {
			return applied, err
		}
		if !page.HasMore {
			return applied, nil
		}
	}
}

// applyPage applies one fetched page in order, skipping our own echoes and
// DELETEs superseded by a later re-create of the same entity within the page.
func (c *Client) applyPage(ctx context.Context, changes []viewsync.FeedChange) (int, error) {
	applied := 0
	for i := range changes {
		ch := &changes[i]
		if ch.DeviceID == c.deviceID {
			continue
		}

		if ch.Op == viewsync.OpDelete {
			superseded := false
			for j := i + 1; j < len(changes); j++ {
				later := &changes[j]
				if later.RecordID == ch.RecordID && later.Collection == ch.Collection &&
					later.Op != viewsync.OpDelete && later.Version > ch.Version {
					superseded = true
					break
				}
			}
			if superseded {
				c.logger.Debug("Skipping DELETE superseded by later change",
					"collection", ch.Collection, "record_id", ch.RecordID, "version", ch.Version)
				continue
			}
		}

		ok, err := c.applyRemoteChange(ctx, ch)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// applyRemoteChange routes one remote change through conflict resolution
// against any pending local mutation for the same entity, then into the local
// store. Returns whether the remote state was applied locally.
func (c *Client) applyRemoteChange(ctx context.Context, ch *viewsync.FeedChange) (bool, error) {
	record, err := ch.ToRecord()
	if err != nil {
		return false, fmt.Errorf("failed to decode remote change: %w", err)
	}

	pending, err := c.outbox.Get(ctx, ch.Collection, ch.RecordID)
	if err != nil {
		return false, err
	}
	if pending == nil {
		if err := c.applyRecord(ctx, record); err != nil {
			return false, err
		}
		return true, nil
	}

	verdict := c.resolver.Resolve(pending, record)
	c.logger.Debug("Remote change conflicts with pending mutation",
		"collection", ch.Collection, "record_id", ch.RecordID,
		"outcome", verdict.Outcome.String(), "reason", verdict.Reason)

	switch verdict.Outcome {
	case OutcomeRemoteWins:
		if err := c.outbox.Remove(ctx, pending.ID); err != nil {
			return false, err
		}
		if err := c.applyRecord(ctx, record); err != nil {
			return false, err
		}
		return true, nil

	case OutcomeLocalWins:
		// The pending mutation still wins; the remote state is not applied
		// and the next upload carries the local value to the server.
		return false, nil

	case OutcomeRetryAsUpdate:
		at := pending.EnqueuedAt
		if verdict.FreshTimestamp {
			at = c.now()
		}
		if err := c.applyRecord(ctx, record); err != nil {
			return false, err
		}
		if err := c.outbox.Rewrite(ctx, pending.ID, viewsync.OpUpdate, pending.Payload, at); err != nil {
			return false, err
		}
		return true, nil

	default: // OutcomeManual
		err := c.storeConflict(ctx, &ConflictRecord{
			ID:         c.newID(),
			Collection: ch.Collection,
			RecordID:   ch.RecordID,
			Local:      pending,
			Remote:     record,
			DetectedAt: c.now(),
		})
		return false, err
	}
}
