// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// currentRow is the locked state of one record inside an apply transaction.
type currentRow struct {
	payload   []byte
	version   int64
	updatedAt time.Time
	deleted   bool
}

// ApplyChange applies one uploaded change for the authenticated user/device.
//
// Idempotency: (user_id, device_id, change_id) gates re-application, so a
// client retrying after a lost response gets the recorded outcome back.
// Concurrency control is last-writer-wins by the record's wall-clock
// updated_at: an upsert at or before the stored timestamp returns a conflict
// with the current server state; DELETE always applies (tombstone wins);
// a CREATE strictly newer than a tombstone resurrects the record.
func (s *SyncService) ApplyChange(ctx context.Context, userID, deviceID string, req *UploadChangeRequest) (*UploadChangeResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := s.validateChange(req); err != nil {
		return nil, err
	}

	var (
		resp      *UploadChangeResponse
		committed *FeedChange
	)
	attempts := s.config.TxRetryAttempts
	for attempt := 1; ; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
			var txErr error
			resp, committed, txErr = s.applyChangeInTx(ctx, tx, userID, deviceID, req)
			return txErr
		})
		if err == nil {
			break
		}
		if isRetryablePGTxError(err) && attempt < attempts {
			s.logger.Debug("Retrying apply after tx conflict", "attempt", attempt, "change_id", req.ChangeID)
			if serr := sleepWithContext(ctx, time.Duration(attempt)*10*time.Millisecond); serr != nil {
				return nil, serr
			}
			continue
		}
		return nil, fmt.Errorf("failed to apply change %s: %w", req.ChangeID, err)
	}

	// Publish only after commit so feed subscribers never observe a change
	// that later rolls back.
	if committed != nil {
		if hub := s.feedHub(); hub != nil {
			hub.Publish(userID, committed)
		}
	}
	return resp, nil
}

func (s *SyncService) validateChange(req *UploadChangeRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidChange)
	}
	if _, err := uuid.Parse(req.ChangeID); err != nil {
		return fmt.Errorf("%w: change_id must be a UUID", ErrInvalidChange)
	}
	if !ValidCollection(req.Collection) {
		return fmt.Errorf("%w: unknown collection %q", ErrInvalidChange, req.Collection)
	}
	if !ValidOp(req.Op) {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidChange, req.Op)
	}
	if req.RecordID == "" {
		return fmt.Errorf("%w: missing record_id", ErrInvalidChange)
	}
	if req.ChangedAt.IsZero() {
		return fmt.Errorf("%w: missing changed_at", ErrInvalidChange)
	}
	if req.Op == OpDelete {
		if len(req.Payload) > 0 && string(req.Payload) != "null" {
			return fmt.Errorf("%w: DELETE must not carry a payload", ErrInvalidChange)
		}
		return nil
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidChange, req.Op)
	}
	if len(req.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidChange, s.config.MaxPayloadBytes)
	}
	if _, err := DecodePayload(req.Collection, req.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	return nil
}

func (s *SyncService) applyChangeInTx(ctx context.Context, tx pgx.Tx, userID, deviceID string, req *UploadChangeRequest) (*UploadChangeResponse, *FeedChange, error) {
	// Idempotency gate: a change we already recorded is acknowledged again
	// without touching record state.
	var priorVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM viewsync.change_log
		 WHERE user_id = $1 AND device_id = $2 AND change_id = $3`,
		userID, deviceID, req.ChangeID,
	).Scan(&priorVersion)
	if err == nil {
		return &UploadChangeResponse{
			Status:   StApplied,
			RecordID: req.RecordID,
			Version:  priorVersion,
			Message:  "duplicate change replayed",
		}, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	cur, exists, err := s.lockCurrentRow(ctx, tx, userID, req.Collection, req.RecordID)
	if err != nil {
		return nil, nil, err
	}

	if exists {
		switch {
		case req.Op == OpDelete:
			// Tombstone wins over any concurrent state.
		case cur.deleted && req.Op == OpCreate && req.ChangedAt.After(cur.updatedAt):
			// Deliberate re-create after a delete: resurrect.
		case cur.deleted:
			// UPDATE against a tombstone, or a stale CREATE: delete wins.
			return s.conflictResponse(req, cur)
		case req.ChangedAt.After(cur.updatedAt):
			// Strictly newer write wins.
		default:
			// Older or same-instant write: surface the server state and let
			// the client resolver decide.
			return s.conflictResponse(req, cur)
		}
	}

	newVersion := int64(1)
	if exists {
		newVersion = cur.version + 1
	}
	deleted := req.Op == OpDelete
	var payload []byte
	if !deleted {
		payload = req.Payload
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO viewsync.change_log
		   (user_id, collection, record_id, op, payload, version, deleted, device_id, change_id, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING seq`,
		userID, req.Collection, req.RecordID, req.Op, payload, newVersion, deleted, deviceID, req.ChangeID, req.ChangedAt,
	).Scan(&seq)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to append change log: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO viewsync.records (user_id, collection, record_id, payload, version, updated_at, deleted, last_seq, device_id, change_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id, collection, record_id) DO UPDATE SET
		   payload = EXCLUDED.payload,
		   version = EXCLUDED.version,
		   updated_at = EXCLUDED.updated_at,
		   deleted = EXCLUDED.deleted,
		   last_seq = EXCLUDED.last_seq,
		   device_id = EXCLUDED.device_id,
		   change_id = EXCLUDED.change_id`,
		userID, req.Collection, req.RecordID, payload, newVersion, req.ChangedAt, deleted, seq, deviceID, req.ChangeID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to upsert record state: %w", err)
	}

	change := &FeedChange{
		Seq:        seq,
		Collection: req.Collection,
		RecordID:   req.RecordID,
		Op:         req.Op,
		Payload:    payload,
		Version:    newVersion,
		Deleted:    deleted,
		ChangedAt:  req.ChangedAt,
		DeviceID:   deviceID,
		ChangeID:   req.ChangeID,
	}
	resp := &UploadChangeResponse{
		Status:   StApplied,
		RecordID: req.RecordID,
		Version:  newVersion,
	}
	return resp, change, nil
}

func (s *SyncService) lockCurrentRow(ctx context.Context, tx pgx.Tx, userID, collection, recordID string) (currentRow, bool, error) {
	var cur currentRow
	err := tx.QueryRow(ctx,
		`SELECT payload, version, updated_at, deleted
		 FROM viewsync.records
		 WHERE user_id = $1 AND collection = $2 AND record_id = $3
		 FOR UPDATE`,
		userID, collection, recordID,
	).Scan(&cur.payload, &cur.version, &cur.updatedAt, &cur.deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return currentRow{}, false, nil
	}
	if err != nil {
		return currentRow{}, false, fmt.Errorf("failed to lock record row: %w", err)
	}
	return cur, true, nil
}

func (s *SyncService) conflictResponse(req *UploadChangeRequest, cur currentRow) (*UploadChangeResponse, *FeedChange, error) {
	remote := &Record{
		Collection: req.Collection,
		ID:         req.RecordID,
		Version:    cur.version,
		UpdatedAt:  cur.updatedAt,
		Deleted:    cur.deleted,
	}
	if !cur.deleted && len(cur.payload) > 0 {
		p, err := DecodePayload(req.Collection, cur.payload)
		if err != nil {
			return nil, nil, fmt.Errorf("stored payload undecodable for %s/%s: %w", req.Collection, req.RecordID, err)
		}
		remote.Payload = p
	}
	return &UploadChangeResponse{
		Status:   StConflict,
		RecordID: req.RecordID,
		Version:  cur.version,
		Remote:   remote,
		Message:  "remote state is newer",
	}, nil, nil
}
