// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/viewsync/go-viewsync/viewsync"
)

// PendingChange is a single outbound mutation in the durable outbox. Its ID is
// assigned once at enqueue time and stays stable across retries, so the server
// idempotency gate can deduplicate replays after a lost response.
type PendingChange struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	RecordID   string                 `json:"record_id"`
	Op         string                 `json:"op"` // CREATE, UPDATE, DELETE
	Payload    viewsync.RecordPayload `json:"payload,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	IsCritical bool                   `json:"is_critical"`
	RetryCount int                    `json:"retry_count"`
}

type pendingChangeJSON struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	RecordID   string          `json:"record_id"`
	Op         string          `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	IsCritical bool            `json:"is_critical"`
	RetryCount int             `json:"retry_count"`
}

// MarshalJSON encodes the change with its payload in typed wire form.
func (c PendingChange) MarshalJSON() ([]byte, error) {
	raw, err := viewsync.EncodePayload(c.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pendingChangeJSON{
		ID:         c.ID,
		Collection: c.Collection,
		RecordID:   c.RecordID,
		Op:         c.Op,
		Payload:    raw,
		EnqueuedAt: c.EnqueuedAt,
		IsCritical: c.IsCritical,
		RetryCount: c.RetryCount,
	})
}

// UnmarshalJSON decodes the envelope, then the payload keyed by collection.
func (c *PendingChange) UnmarshalJSON(data []byte) error {
	var cj pendingChangeJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return fmt.Errorf("failed to decode pending change: %w", err)
	}
	var payload viewsync.RecordPayload
	if len(cj.Payload) > 0 && string(cj.Payload) != "null" {
		p, err := viewsync.DecodePayload(cj.Collection, cj.Payload)
		if err != nil {
			return err
		}
		payload = p
	}
	c.ID = cj.ID
	c.Collection = cj.Collection
	c.RecordID = cj.RecordID
	c.Op = cj.Op
	c.Payload = payload
	c.EnqueuedAt = cj.EnqueuedAt
	c.IsCritical = cj.IsCritical
	c.RetryCount = cj.RetryCount
	return nil
}

// SyncStatus is the orchestrator's lifecycle state.
type SyncStatus int

const (
	StatusDisconnected SyncStatus = iota
	StatusConnecting
	StatusSyncing
	StatusSynced
	StatusError
	StatusOffline
)

// String returns a human-readable status name.
func (s SyncStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusSyncing:
		return "syncing"
	case StatusSynced:
		return "synced"
	case StatusError:
		return "error"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ConflictRecord holds both sides of a mutation the resolver refused to decide
// automatically. It stays persisted and counted until the caller resolves it.
type ConflictRecord struct {
	ID         string           `json:"id"`
	Collection string           `json:"collection"`
	RecordID   string           `json:"record_id"`
	Local      *PendingChange   `json:"local"`
	Remote     *viewsync.Record `json:"remote"`
	DetectedAt time.Time        `json:"detected_at"`
}

// Resolution is the caller's verdict on a manual conflict.
type Resolution int

const (
	// KeepLocal re-enqueues the local mutation with a fresh timestamp so it
	// wins the next last-writer-wins comparison.
	KeepLocal Resolution = iota
	// KeepRemote applies the remote state locally and drops the local mutation.
	KeepRemote
)

// Statistics is a point-in-time snapshot of engine health for diagnostics.
type Statistics struct {
	LastSyncTime    time.Time  `json:"last_sync_time"`
	PendingCount    int        `json:"pending_count"`
	ConflictCount   int        `json:"conflict_count"`
	ErrorCount      int64      `json:"error_count"`
	UploadedCount   int64      `json:"uploaded_count"`
	DownloadedCount int64      `json:"downloaded_count"`
	CyclesCompleted int64      `json:"cycles_completed"`
	IsOnline        bool       `json:"is_online"`
	Status          SyncStatus `json:"status"`
	IsHealthy       bool       `json:"is_healthy"`
}

// SyncError is one entry in the bounded error log: enough context to identify
// the dropped or failed mutation without digging through logs.
type SyncError struct {
	Time       time.Time `json:"time"`
	Collection string    `json:"collection,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	Cause      string    `json:"cause"`
}
