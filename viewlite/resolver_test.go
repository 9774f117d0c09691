package viewlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viewsync/go-viewsync/viewsync"
)

func TestResolverPolicy(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tolerance := 2 * time.Second
	r := NewResolver(tolerance)

	remote := func(at time.Time, deleted bool, channel string) *viewsync.Record {
		rec := &viewsync.Record{
			Collection: viewsync.CollectionStreams,
			ID:         "s1",
			Version:    2,
			UpdatedAt:  at,
			Deleted:    deleted,
		}
		if !deleted {
			rec.Payload = streamPayload(channel)
		}
		return rec
	}
	pending := func(op string, at time.Time, channel string) *PendingChange {
		ch := &PendingChange{
			ID:         "p1",
			Collection: viewsync.CollectionStreams,
			RecordID:   "s1",
			Op:         op,
			EnqueuedAt: at,
		}
		if op != viewsync.OpDelete {
			ch.Payload = streamPayload(channel)
		}
		return ch
	}

	cases := []struct {
		name    string
		pending *PendingChange
		remote  *viewsync.Record
		want    Outcome
	}{
		{
			name:    "remote newer update wins",
			pending: pending(viewsync.OpUpdate, base, "local"),
			remote:  remote(base.Add(10*time.Second), false, "remote"),
			want:    OutcomeRemoteWins,
		},
		{
			name:    "local newer update wins",
			pending: pending(viewsync.OpUpdate, base.Add(10*time.Second), "local"),
			remote:  remote(base, false, "remote"),
			want:    OutcomeLocalWins,
		},
		{
			name:    "identical payloads are redundant",
			pending: pending(viewsync.OpUpdate, base.Add(10*time.Second), "same"),
			remote:  remote(base, false, "same"),
			want:    OutcomeRemoteWins,
		},
		{
			name:    "equal timestamps go to manual",
			pending: pending(viewsync.OpUpdate, base, "local"),
			remote:  remote(base, false, "remote"),
			want:    OutcomeManual,
		},
		{
			name:    "within tolerance goes to manual",
			pending: pending(viewsync.OpUpdate, base, "local"),
			remote:  remote(base.Add(tolerance), false, "remote"),
			want:    OutcomeManual,
		},
		{
			name:    "remote tombstone beats update",
			pending: pending(viewsync.OpUpdate, base.Add(time.Hour), "local"),
			remote:  remote(base, true, ""),
			want:    OutcomeRemoteWins,
		},
		{
			name:    "local delete beats remote update",
			pending: pending(viewsync.OpDelete, base, ""),
			remote:  remote(base.Add(time.Hour), false, "remote"),
			want:    OutcomeLocalWins,
		},
		{
			name:    "create supersedes older tombstone",
			pending: pending(viewsync.OpCreate, base.Add(time.Hour), "local"),
			remote:  remote(base, true, ""),
			want:    OutcomeLocalWins,
		},
		{
			name:    "losing create converted to update",
			pending: pending(viewsync.OpCreate, base.Add(time.Hour), "local"),
			remote:  remote(base, false, "remote"),
			want:    OutcomeRetryAsUpdate,
		},
		{
			name:    "earliest create wins the race",
			pending: pending(viewsync.OpCreate, base, "local"),
			remote:  remote(base.Add(time.Hour), false, "remote"),
			want:    OutcomeRetryAsUpdate,
		},
		{
			name:    "concurrent creates go to manual",
			pending: pending(viewsync.OpCreate, base, "local"),
			remote:  remote(base.Add(time.Second), false, "remote"),
			want:    OutcomeManual,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Resolve(tc.pending, tc.remote)
			require.Equal(t, tc.want, got.Outcome, "reason: %s", got.Reason)
		})
	}
}

// The same inputs must always produce the same verdict.
func TestResolverDeterminism(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(2 * time.Second)

	pending := &PendingChange{
		ID:         "p1",
		Collection: viewsync.CollectionFavorites,
		RecordID:   "f1",
		Op:         viewsync.OpUpdate,
		Payload:    &viewsync.Favorite{StreamID: "s1", Channel: "a", Platform: "twitch"},
		EnqueuedAt: base,
	}
	remote := &viewsync.Record{
		Collection: viewsync.CollectionFavorites,
		ID:         "f1",
		Payload:    &viewsync.Favorite{StreamID: "s1", Channel: "b", Platform: "twitch"},
		Version:    3,
		UpdatedAt:  base.Add(5 * time.Second),
	}

	first := r.Resolve(pending, remote)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, r.Resolve(pending, remote))
	}
}

// Two devices mark the same favorite with t1 < t2: the resolver run with t1
// as the pending base and t2 as remote must let remote win.
func TestResolverTwoDeviceFavoriteRace(t *testing.T) {
	t1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(30 * time.Second)
	r := NewResolver(2 * time.Second)

	pending := &PendingChange{
		ID:         "p1",
		Collection: viewsync.CollectionFavorites,
		RecordID:   "f1",
		Op:         viewsync.OpUpdate,
		Payload:    &viewsync.Favorite{StreamID: "s1", Channel: "a", Platform: "twitch", Note: "device A"},
		EnqueuedAt: t1,
	}
	remote := &viewsync.Record{
		Collection: viewsync.CollectionFavorites,
		ID:         "f1",
		Payload:    &viewsync.Favorite{StreamID: "s1", Channel: "a", Platform: "twitch", Note: "device B"},
		Version:    2,
		UpdatedAt:  t2,
	}

	got := r.Resolve(pending, remote)
	require.Equal(t, OutcomeRemoteWins, got.Outcome)
}
