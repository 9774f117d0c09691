// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/viewsync/go-viewsync/viewsync"
)

// Outcome is the resolver's decision for one pending/remote pair.
type Outcome int

const (
	// OutcomeRemoteWins drops the local mutation and overwrites the local
	// store with the remote value.
	OutcomeRemoteWins Outcome = iota
	// OutcomeLocalWins keeps the local mutation queued; the next upload
	// carries it to the server.
	OutcomeLocalWins
	// OutcomeRetryAsUpdate converts a losing CREATE into an UPDATE against
	// the already-committed entity.
	OutcomeRetryAsUpdate
	// OutcomeManual surfaces a ConflictRecord for the caller to resolve.
	OutcomeManual
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeRemoteWins:
		return "remote_wins"
	case OutcomeLocalWins:
		return "local_wins"
	case OutcomeRetryAsUpdate:
		return "retry_as_update"
	case OutcomeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Verdict is the full resolution result.
type Verdict struct {
	Outcome Outcome
	// FreshTimestamp asks the orchestrator to re-stamp the kept local
	// mutation so it wins the next last-writer-wins comparison instead of
	// bouncing off the server again.
	FreshTimestamp bool
	Reason         string
}

// Resolver decides conflicts between a pending local mutation and the remote
// state of the same entity, by last-writer-wins wall-clock comparison with a
// tolerance window for ambiguity. Resolve is pure: the same inputs always
// produce the same verdict.
type Resolver struct {
	tolerance time.Duration
}

// NewResolver creates a resolver whose tolerance is the window within which
// two timestamps are considered concurrent rather than ordered.
func NewResolver(tolerance time.Duration) *Resolver {
	return &Resolver{tolerance: tolerance}
}

// Resolve decides the winner between pending and remote.
//
// Policy, in precedence order: tombstones win over concurrent updates in both
// directions; CREATE/CREATE races go to the earliest timestamp with the loser
// converted to an UPDATE; otherwise the strictly newer writer wins when the
// changed fields overlap; timestamps within the tolerance window are
// surfaced as manual conflicts.
func (r *Resolver) Resolve(pending *PendingChange, remote *viewsync.Record) Verdict {
	delta := remote.UpdatedAt.Sub(pending.EnqueuedAt) // >0: remote is newer
	ambiguous := delta >= -r.tolerance && delta <= r.tolerance

	// Tombstone precedence is deliberate even at equal timestamps: a deleted
	// entity must not be resurrected by a concurrent update.
	if remote.Deleted {
		if pending.Op == viewsync.OpCreate && delta < -r.tolerance {
			// Deliberate re-create strictly after the delete.
			return Verdict{Outcome: OutcomeLocalWins, Reason: "create supersedes older tombstone"}
		}
		return Verdict{Outcome: OutcomeRemoteWins, Reason: "remote tombstone wins"}
	}
	if pending.Op == viewsync.OpDelete {
		return Verdict{Outcome: OutcomeLocalWins, Reason: "local tombstone wins"}
	}

	if pending.Op == viewsync.OpCreate {
		if ambiguous {
			return Verdict{Outcome: OutcomeManual, Reason: "concurrent creates within tolerance"}
		}
		if delta < 0 {
			// Pending create is the earlier one: it wins the race, but the
			// entity already exists remotely, so its data lands as an update
			// with a fresh stamp to prevail over the later create.
			return Verdict{
				Outcome:        OutcomeRetryAsUpdate,
				FreshTimestamp: true,
				Reason:         "earliest create wins, re-applied as update",
			}
		}
		// Remote create was earlier: it establishes the entity and the local
		// create is demoted to an update in its own (later) slot.
		return Verdict{Outcome: OutcomeRetryAsUpdate, Reason: "losing create converted to update"}
	}

	overlap, err := payloadsDiffer(pending.Payload, remote.Payload)
	if err != nil {
		return Verdict{Outcome: OutcomeManual, Reason: fmt.Sprintf("payload comparison failed: %v", err)}
	}
	if !overlap {
		// Both sides agree on every field; the pending mutation is redundant.
		return Verdict{Outcome: OutcomeRemoteWins, Reason: "payloads identical"}
	}
	if ambiguous {
		return Verdict{Outcome: OutcomeManual, Reason: "timestamps within tolerance"}
	}
	if delta > 0 {
		return Verdict{Outcome: OutcomeRemoteWins, Reason: "remote is newer"}
	}
	return Verdict{Outcome: OutcomeLocalWins, Reason: "local is newer"}
}

// payloadsDiffer reports whether any field differs between the two payloads.
// The outbox carries full record state rather than deltas, so any differing
// field is treated as an overlapping touch.
func payloadsDiffer(local, remote viewsync.RecordPayload) (bool, error) {
	lm, err := payloadMap(local)
	if err != nil {
		return false, err
	}
	rm, err := payloadMap(remote)
	if err != nil {
		return false, err
	}
	return !reflect.DeepEqual(lm, rm), nil
}

func payloadMap(p viewsync.RecordPayload) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := viewsync.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to compare payloads: %w", err)
	}
	return m, nil
}
