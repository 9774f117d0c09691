// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/viewsync/go-viewsync/viewsync"
)

// timeFormat is the lexicographically sortable on-disk timestamp form.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Outbox is the durable FIFO queue of not-yet-acknowledged local mutations.
// Entries are removed only on confirmed upload or permanent failure; a drained
// batch is a snapshot, not a removal.
type Outbox struct {
	db         *sql.DB
	maxPending int
	logger     *slog.Logger
}

// NewOutbox wraps the outbox table in db. maxPending bounds the queue;
// enqueueing past it evicts oldest non-critical entries first.
func NewOutbox(db *sql.DB, maxPending int, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{db: db, maxPending: maxPending, logger: logger}
}

// Enqueue appends a change and persists it synchronously: once Enqueue
// returns nil the mutation survives a crash. If the queue would exceed its
// bound, the oldest non-critical entries are evicted first, then the oldest
// overall.
func (o *Outbox) Enqueue(ctx context.Context, change *PendingChange) error {
	if change.ID == "" {
		return fmt.Errorf("pending change missing id")
	}
	payload, err := viewsync.EncodePayload(change.Payload)
	if err != nil {
		return err
	}
	var payloadText sql.NullString
	if payload != nil {
		payloadText = sql.NullString{String: string(payload), Valid: true}
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _viewsync_outbox (id, collection, record_id, op, payload, enqueued_at, is_critical, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, change.ID, change.Collection, change.RecordID, change.Op, payloadText,
		change.EnqueuedAt.UTC().Format(timeFormat), boolToInt(change.IsCritical))
	if err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}

	if err := o.evictInTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue tx: %w", err)
	}
	return nil
}

// evictInTx enforces the queue bound. Durability of very old mutations is
// traded for bounded storage.
func (o *Outbox) evictInTx(ctx context.Context, tx *sql.Tx) error {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM _viewsync_outbox`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count outbox: %w", err)
	}
	over := count - o.maxPending
	if over <= 0 {
		return nil
	}

	// Oldest non-critical first.
	res, err := tx.ExecContext(ctx, `
		DELETE FROM _viewsync_outbox WHERE id IN (
			SELECT id FROM _viewsync_outbox WHERE is_critical = 0
			ORDER BY enqueued_at, id LIMIT ?
		)
	`, over)
	if err != nil {
		return fmt.Errorf("failed to evict non-critical entries: %w", err)
	}
	evicted, _ := res.RowsAffected()
	over -= int(evicted)

	// Still over capacity: oldest overall.
	if over > 0 {
		res, err = tx.ExecContext(ctx, `
			DELETE FROM _viewsync_outbox WHERE id IN (
				SELECT id FROM _viewsync_outbox ORDER BY enqueued_at, id LIMIT ?
			)
		`, over)
		if err != nil {
			return fmt.Errorf("failed to evict oldest entries: %w", err)
		}
		n, _ := res.RowsAffected()
		evicted += n
	}
	if evicted > 0 {
		o.logger.Warn("Outbox over capacity, evicted oldest entries",
			"evicted", evicted, "max_pending", o.maxPending)
	}
	return nil
}

// DrainBatch returns up to n oldest entries without removing them.
func (o *Outbox) DrainBatch(ctx context.Context, n int) ([]*PendingChange, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, collection, record_id, op, payload, enqueued_at, is_critical, retry_count
		FROM _viewsync_outbox
		ORDER BY enqueued_at, id
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var changes []*PendingChange
	for rows.Next() {
		change, err := scanPendingChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox rows: %w", err)
	}
	return changes, nil
}

// Get returns the pending change for an entity, or nil when none is queued.
func (o *Outbox) Get(ctx context.Context, collection, recordID string) (*PendingChange, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, collection, record_id, op, payload, enqueued_at, is_critical, retry_count
		FROM _viewsync_outbox
		WHERE collection = ? AND record_id = ?
		ORDER BY enqueued_at, id
		LIMIT 1
	`, collection, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox entry: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanPendingChange(rows)
}

// Remove deletes entries by id. Idempotent: absent ids are no-ops.
func (o *Outbox) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := o.db.ExecContext(ctx,
		`DELETE FROM _viewsync_outbox WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to remove outbox entries: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count. The
// caller evicts the entry once the count reaches the configured maximum.
func (o *Outbox) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := o.db.QueryRowContext(ctx, `
		UPDATE _viewsync_outbox SET retry_count = retry_count + 1
		WHERE id = ?
		RETURNING retry_count
	`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry for %s: %w", id, err)
	}
	return count, nil
}

// Rewrite replaces the stored op, payload and timestamp of an entry in place,
// resetting its retry counter. Used when a losing CREATE is converted to an
// UPDATE, or when a manual resolution re-enqueues the local version.
func (o *Outbox) Rewrite(ctx context.Context, id, op string, payload viewsync.RecordPayload, enqueuedAt time.Time) error {
	data, err := viewsync.EncodePayload(payload)
	if err != nil {
		return err
	}
	var payloadText sql.NullString
	if data != nil {
		payloadText = sql.NullString{String: string(data), Valid: true}
	}
	_, err = o.db.ExecContext(ctx, `
		UPDATE _viewsync_outbox
		SET op = ?, payload = ?, enqueued_at = ?, retry_count = 0
		WHERE id = ?
	`, op, payloadText, enqueuedAt.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("failed to rewrite outbox entry %s: %w", id, err)
	}
	return nil
}

// Count returns the number of queued entries.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var count int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _viewsync_outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}

func scanPendingChange(rows *sql.Rows) (*PendingChange, error) {
	var (
		change     PendingChange
		payload    sql.NullString
		enqueuedAt string
		critical   int
	)
	if err := rows.Scan(&change.ID, &change.Collection, &change.RecordID, &change.Op,
		&payload, &enqueuedAt, &critical, &change.RetryCount); err != nil {
		return nil, fmt.Errorf("failed to scan outbox row: %w", err)
	}
	ts, err := time.Parse(timeFormat, enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse enqueued_at %q: %w", enqueuedAt, err)
	}
	change.EnqueuedAt = ts
	change.IsCritical = critical != 0
	if payload.Valid {
		p, err := viewsync.DecodePayload(change.Collection, []byte(payload.String))
		if err != nil {
			return nil, err
		}
		change.Payload = p
	}
	return &change, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
