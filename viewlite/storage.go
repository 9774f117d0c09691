// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// initializeDatabase creates the engine's metadata tables. The outbox and the
// change token must survive process restarts, so both live in the same SQLite
// file as the application data.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client/device identity plus the opaque change token (one row)
		`CREATE TABLE IF NOT EXISTS _viewsync_client_info (
			user_id      TEXT NOT NULL,
			device_id    TEXT NOT NULL,      -- locally generated UUIDv4 (persisted)
			change_token TEXT NOT NULL DEFAULT '',
			last_sync_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id)            -- single signed-in user per DB file
		)`,

		// Durable outbox of not-yet-acknowledged mutations, FIFO by enqueued_at
		`CREATE TABLE IF NOT EXISTS _viewsync_outbox (
			id          TEXT NOT NULL PRIMARY KEY,
			collection  TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			op          TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload     TEXT,               -- typed payload JSON (NULL for DELETE)
			enqueued_at TEXT NOT NULL,
			is_critical INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS _viewsync_outbox_order_idx
			ON _viewsync_outbox(enqueued_at, id)`,
		`CREATE INDEX IF NOT EXISTS _viewsync_outbox_record_idx
			ON _viewsync_outbox(collection, record_id)`,

		// Manual conflicts awaiting a verdict; both sides stored as JSON
		`CREATE TABLE IF NOT EXISTS _viewsync_conflicts (
			id          TEXT NOT NULL PRIMARY KEY,
			collection  TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			local_json  TEXT NOT NULL,
			remote_json TEXT NOT NULL,
			detected_at TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// EnsureDeviceID loads the persisted device id for the user, generating and
// storing a new one for a fresh install.
func EnsureDeviceID(db *sql.DB, userID string, newID func() string) (string, error) {
	var deviceID string
	err := db.QueryRow(
		`SELECT device_id FROM _viewsync_client_info WHERE user_id = ?`, userID,
	).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = newID()
		_, err = db.Exec(
			`INSERT INTO _viewsync_client_info (user_id, device_id) VALUES (?, ?)`,
			userID, deviceID,
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

// loadToken reads the persisted change token ("" = never fetched / reset).
func (c *Client) loadToken(ctx context.Context) (string, error) {
	var token string
	err := c.db.QueryRowContext(ctx,
		`SELECT change_token FROM _viewsync_client_info WHERE user_id = ?`, c.userID,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load change token: %w", err)
	}
	return token, nil
}

// saveToken persists the change token. An empty token records a reset.
func (c *Client) saveToken(ctx context.Context, token string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE _viewsync_client_info SET change_token = ? WHERE user_id = ?`,
		token, c.userID,
	)
	if err != nil {
		return fmt.Errorf("failed to save change token: %w", err)
	}
	return nil
}

func (c *Client) saveLastSync(ctx context.Context, at string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE _viewsync_client_info SET last_sync_at = ? WHERE user_id = ?`,
		at, c.userID,
	)
	if err != nil {
		return fmt.Errorf("failed to save last sync time: %w", err)
	}
	return nil
}
