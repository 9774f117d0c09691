// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/viewsync/go-viewsync/viewsync"
)

// LocalStore is the on-device home of synchronized records. The engine drives
// it with remote state; the application reads from it and writes through
// Client.QueueChange.
//
// All three Apply methods must be idempotent: applying the same remote state
// twice is a no-op on the second application.
type LocalStore interface {
	ApplyRemoteInsert(ctx context.Context, record *viewsync.Record) error
	ApplyRemoteUpdate(ctx context.Context, record *viewsync.Record) error
	ApplyRemoteDelete(ctx context.Context, record *viewsync.Record) error

	// GetLocalMutationsSince returns records modified after the given time as
	// CREATE mutations. The engine calls it once, on the first sync of a fresh
	// install, to seed the outbox with data that predates the engine.
	GetLocalMutationsSince(ctx context.Context, since time.Time) ([]*PendingChange, error)
}

// SQLiteLocalStore is the reference LocalStore: one table per collection, each
// row holding the typed payload JSON plus sync bookkeeping.
type SQLiteLocalStore struct {
	db    *sql.DB
	newID func() string
}

// NewSQLiteLocalStore creates the per-collection tables if needed. newID
// supplies ids for seeded mutations (nil = UUIDs).
func NewSQLiteLocalStore(db *sql.DB, newID func() string) (*SQLiteLocalStore, error) {
	if newID == nil {
		newID = newUUID
	}
	for _, collection := range viewsync.Collections() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			id         TEXT NOT NULL PRIMARY KEY,
			payload    TEXT NOT NULL,
			version    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`, collection)
		if _, err := db.Exec(ddl); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", collection, err)
		}
	}
	return &SQLiteLocalStore{db: db, newID: newID}, nil
}

// ApplyRemoteInsert stores the remote record. Replaying the same state is a
// no-op because the row is keyed by id and overwritten with identical values.
func (s *SQLiteLocalStore) ApplyRemoteInsert(ctx context.Context, record *viewsync.Record) error {
	return s.upsert(ctx, record)
}

// ApplyRemoteUpdate overwrites the local row with the remote state.
func (s *SQLiteLocalStore) ApplyRemoteUpdate(ctx context.Context, record *viewsync.Record) error {
	return s.upsert(ctx, record)
}

// ApplyRemoteDelete removes the local row. Deleting an absent row is a no-op.
func (s *SQLiteLocalStore) ApplyRemoteDelete(ctx context.Context, record *viewsync.Record) error {
	if !viewsync.ValidCollection(record.Collection) {
		return fmt.Errorf("unknown collection %q", record.Collection)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, record.Collection), record.ID)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", record.Collection, record.ID, err)
	}
	return nil
}

func (s *SQLiteLocalStore) upsert(ctx context.Context, record *viewsync.Record) error {
	if !viewsync.ValidCollection(record.Collection) {
		return fmt.Errorf("unknown collection %q", record.Collection)
	}
	payload, err := viewsync.EncodePayload(record.Payload)
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("missing payload for %s/%s", record.Collection, record.ID)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (id, payload, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, record.Collection), record.ID, string(payload), record.Version,
		record.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", record.Collection, record.ID, err)
	}
	return nil
}

// Get returns the local state of one record, or nil when absent.
func (s *SQLiteLocalStore) Get(ctx context.Context, collection, id string) (*viewsync.Record, error) {
	if !viewsync.ValidCollection(collection) {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	var (
		payload   string
		version   int64
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT payload, version, updated_at FROM %q WHERE id = ?`, collection), id,
	).Scan(&payload, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	p, err := viewsync.DecodePayload(collection, []byte(payload))
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(timeFormat, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at %q: %w", updatedAt, err)
	}
	return &viewsync.Record{
		Collection: collection,
		ID:         id,
		Payload:    p,
		Version:    version,
		UpdatedAt:  ts,
	}, nil
}

// GetLocalMutationsSince walks every collection and returns rows modified
// after since as CREATE mutations, oldest first per collection.
func (s *SQLiteLocalStore) GetLocalMutationsSince(ctx context.Context, since time.Time) ([]*PendingChange, error) {
	var changes []*PendingChange
	cutoff := since.UTC().Format(timeFormat)
	for _, collection := range viewsync.Collections() {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, payload, updated_at FROM %q
			WHERE updated_at > ?
			ORDER BY updated_at, id
		`, collection), cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s for local mutations: %w", collection, err)
		}
		for rows.Next() {
			var id, payload, updatedAt string
			if err := rows.Scan(&id, &payload, &updatedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s row: %w", collection, err)
			}
			p, err := viewsync.DecodePayload(collection, []byte(payload))
			if err != nil {
				rows.Close()
				return nil, err
			}
			ts, err := time.Parse(timeFormat, updatedAt)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to parse updated_at %q: %w", updatedAt, err)
			}
			changes = append(changes, &PendingChange{
				ID:         s.newID(),
				Collection: collection,
				RecordID:   id,
				Op:         viewsync.OpCreate,
				Payload:    p,
				EnqueuedAt: ts,
			})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read %s rows: %w", collection, err)
		}
		rows.Close()
	}
	return changes, nil
}
