// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CollectChangesSince returns one page of the user's change stream after the
// given opaque token ("" = from epoch, i.e. a full snapshot).
//
// Deltas are served from current record state ordered by last_seq, so each
// entity appears at most once per page with its latest payload; intermediate
// revisions are never shipped. A record updated while a client is mid-paging
// moves to a later last_seq and is delivered again with the newer state, so
// no frozen window is needed for consistency.
func (s *SyncService) CollectChangesSince(ctx context.Context, userID, sinceToken string, limit int) (*FetchResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxFetchLimit {
		limit = defaultFetchLimit
	}

	epoch, err := s.userEpoch(ctx, userID)
	if err != nil {
		return nil, err
	}

	since := int64(0)
	if sinceToken != "" {
		tokenEpoch, tokenSeq, err := DecodeToken(sinceToken)
		if err != nil {
			return nil, err
		}
		if tokenEpoch != epoch {
			return nil, fmt.Errorf("token epoch %d, current %d: %w", tokenEpoch, epoch, ErrTokenInvalid)
		}
		since = tokenSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT collection, record_id, payload, version, updated_at, deleted, last_seq, device_id, change_id::text
		 FROM viewsync.records
		 WHERE user_id = $1 AND last_seq > $2
		 ORDER BY last_seq
		 LIMIT $3`,
		userID, since, limit+1,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}
	defer rows.Close()

	changes := make([]FeedChange, 0, limit)
	for rows.Next() {
		var (
			ch       FeedChange
			payload  []byte
			changeID *string
		)
		if err := rows.Scan(&ch.Collection, &ch.RecordID, &payload, &ch.Version, &ch.ChangedAt,
			&ch.Deleted, &ch.Seq, &ch.DeviceID, &changeID); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		ch.Payload = json.RawMessage(payload)
		if changeID != nil {
			ch.ChangeID = *changeID
		}
		ch.Op = deltaOp(ch.Version, ch.Deleted)
		changes = append(changes, ch)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to read change rows: %w", rows.Err())
	}

	hasMore := len(changes) > limit
	if hasMore {
		changes = changes[:limit]
	}
	next := since
	if len(changes) > 0 {
		next = changes[len(changes)-1].Seq
	}

	return &FetchResponse{
		Changes:   changes,
		NextToken: EncodeToken(epoch, next),
		HasMore:   hasMore,
	}, nil
}

// deltaOp synthesizes the operation for a collapsed state delta.
func deltaOp(version int64, deleted bool) string {
	switch {
	case deleted:
		return OpDelete
	case version <= 1:
		return OpCreate
	default:
		return OpUpdate
	}
}

func (s *SyncService) userEpoch(ctx context.Context, userID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT epoch FROM viewsync.sync_epochs WHERE user_id = $1), 1)`,
		userID,
	).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("failed to read sync epoch: %w", err)
	}
	return epoch, nil
}

// ResetChangeLog truncates the user's change log and bumps the token epoch,
// invalidating every outstanding cursor for that user. Record state is kept;
// clients recover by hydrating from an empty token.
func (s *SyncService) ResetChangeLog(ctx context.Context, userID string) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	var epoch int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM viewsync.change_log WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to truncate change log: %w", err)
		}
		return tx.QueryRow(ctx,
			`INSERT INTO viewsync.sync_epochs (user_id, epoch) VALUES ($1, 2)
			 ON CONFLICT (user_id) DO UPDATE SET epoch = viewsync.sync_epochs.epoch + 1
			 RETURNING epoch`,
			userID,
		).Scan(&epoch)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset change log for %s: %w", userID, err)
	}

	s.logger.Info("Change log reset", "user_id", userID, "epoch", epoch)
	return epoch, nil
}
