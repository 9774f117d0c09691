// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the required sync tables if they don't exist
func (s *SyncService) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

// initializeSchemaInTx creates the required sync tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema for all sync state
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS viewsync`,

		// 1) Current record state per user, tombstones included. last_seq ties
		// each row to the change-log position that produced it; incremental
		// fetches page this table by last_seq, so every delta arrives already
		// collapsed to the latest state. device_id/change_id name the last
		// writer so clients can filter their own echoes.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS viewsync.records (
			user_id    TEXT        NOT NULL,
			collection TEXT        NOT NULL CHECK (collection IN ('streams','layouts','favorites','watch_history')),
			record_id  TEXT        NOT NULL,
			payload    JSON,
			version    BIGINT      NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted    BOOLEAN     NOT NULL DEFAULT FALSE,
			last_seq   BIGINT      NOT NULL DEFAULT 0,
			device_id  TEXT        NOT NULL DEFAULT '',
			change_id  UUID,
			PRIMARY KEY (user_id, collection, record_id),
			CONSTRAINT records_payload_by_state_chk
			CHECK ((deleted AND payload IS NULL) OR (NOT deleted AND payload IS NOT NULL))
		)`,

		// 2) Ordered change log (download stream + idempotency gate)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS viewsync.change_log (
			seq        BIGSERIAL   PRIMARY KEY,
			user_id    TEXT        NOT NULL,
			collection TEXT        NOT NULL,
			record_id  TEXT        NOT NULL,
			op         TEXT        NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload    JSON,
			version    BIGINT      NOT NULL,
			deleted    BOOLEAN     NOT NULL DEFAULT FALSE,
			device_id  TEXT        NOT NULL,
			change_id  UUID        NOT NULL,
			changed_at TIMESTAMPTZ NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, device_id, change_id),
			CONSTRAINT change_log_payload_by_op_chk
			CHECK ((op = 'DELETE' AND payload IS NULL) OR (op IN ('CREATE','UPDATE') AND payload IS NOT NULL))
		)`,

		// 3) Per-user token epoch; bumping it invalidates all outstanding cursors
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS viewsync.sync_epochs (
			user_id TEXT   PRIMARY KEY,
			epoch   BIGINT NOT NULL DEFAULT 1
		)`,

		// Indexes for tail-follow downloads and snapshot paging
		`CREATE INDEX IF NOT EXISTS cl_user_seq_idx ON viewsync.change_log(user_id, seq)`,
		`CREATE INDEX IF NOT EXISTS cl_user_collection_seq_idx ON viewsync.change_log(user_id, collection, seq)`,
		`CREATE INDEX IF NOT EXISTS records_user_seq_idx ON viewsync.records(user_id, last_seq)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running sync migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("sync migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized successfully", "migrations", len(migrations))

	return nil
}
