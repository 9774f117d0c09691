// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/viewsync/go-viewsync/viewsync"
)

// storeConflict persists a manual conflict and removes the local mutation
// from the outbox: a parked change must not keep retrying while the caller
// decides.
func (c *Client) storeConflict(ctx context.Context, rec *ConflictRecord) error {
	localJSON, err := json.Marshal(rec.Local)
	if err != nil {
		return fmt.Errorf("failed to encode conflict local side: %w", err)
	}
	remoteJSON, err := json.Marshal(rec.Remote)
	if err != nil {
		return fmt.Errorf("failed to encode conflict remote side: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin conflict tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _viewsync_conflicts (id, collection, record_id, local_json, remote_json, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Collection, rec.RecordID, string(localJSON), string(remoteJSON),
		rec.DetectedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to store conflict: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _viewsync_outbox WHERE id = ?`, rec.Local.ID); err != nil {
		return fmt.Errorf("failed to park conflicted change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflict tx: %w", err)
	}

	c.logger.Warn("Conflict requires manual resolution",
		"conflict_id", rec.ID, "collection", rec.Collection, "record_id", rec.RecordID)
	c.events.publish(Event{Type: EventConflictRaised, Conflict: rec})
	return nil
}

func (c *Client) loadConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, collection, record_id, local_json, remote_json, detected_at
		FROM _viewsync_conflicts WHERE id = ?
	`, id)
	rec, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrConflictNotFound
	}
	return rec, err
}

func (c *Client) deleteConflict(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM _viewsync_conflicts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conflict %s: %w", id, err)
	}
	return nil
}

func (c *Client) conflictCount(ctx context.Context) (int, error) {
	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _viewsync_conflicts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

// Conflicts returns the unresolved manual conflicts, oldest first.
func (c *Client) Conflicts(ctx context.Context) ([]*ConflictRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, collection, record_id, local_json, remote_json, detected_at
		FROM _viewsync_conflicts
		ORDER BY detected_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conflict rows: %w", err)
	}
	return conflicts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*ConflictRecord, error) {
	var (
		rec        ConflictRecord
		localJSON  string
		remoteJSON string
		detectedAt string
	)
	err := row.Scan(&rec.ID, &rec.Collection, &rec.RecordID, &localJSON, &remoteJSON, &detectedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict row: %w", err)
	}
	if err := json.Unmarshal([]byte(localJSON), &rec.Local); err != nil {
		return nil, fmt.Errorf("failed to decode conflict local side: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteJSON), &rec.Remote); err != nil {
		return nil, fmt.Errorf("failed to decode conflict remote side: %w", err)
	}
	ts, err := time.Parse(timeFormat, detectedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse detected_at %q: %w", detectedAt, err)
	}
	rec.DetectedAt = ts
	return &rec, nil
}

// ResolveConflict applies the caller's verdict on a parked conflict.
// KeepLocal re-enqueues the local mutation with a fresh timestamp so it wins
// the next last-writer-wins comparison; KeepRemote applies the remote state
// to the local store and drops the local mutation for good.
func (c *Client) ResolveConflict(ctx context.Context, id string, resolution Resolution) error {
	rec, err := c.loadConflict(ctx, id)
	if err != nil {
		return err
	}

	switch resolution {
	case KeepLocal:
		change := *rec.Local
		change.EnqueuedAt = c.now()
		change.RetryCount = 0
		if rec.Remote != nil && !rec.Remote.Deleted && change.Op == viewsync.OpCreate {
			change.Op = viewsync.OpUpdate
		}
		if err := c.outbox.Enqueue(ctx, &change); err != nil {
			return fmt.Errorf("failed to re-enqueue local version: %w", err)
		}
	case KeepRemote:
		if rec.Remote != nil {
			if err := c.applyRecord(ctx, rec.Remote); err != nil {
				return fmt.Errorf("failed to apply remote version: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown resolution %d", resolution)
	}

	if err := c.deleteConflict(ctx, id); err != nil {
		return err
	}
	c.logger.Info("Conflict resolved",
		"conflict_id", id, "collection", rec.Collection, "record_id", rec.RecordID,
		"kept_local", resolution == KeepLocal)
	c.wake()
	return nil
}
