package viewlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viewsync/go-viewsync/viewsync"
)

func TestLocalStoreApplyIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store, err := NewSQLiteLocalStore(db, seqIDs("m-"))
	require.NoError(t, err)

	record := &viewsync.Record{
		Collection: viewsync.CollectionStreams,
		ID:         "s1",
		Payload:    streamPayload("somechannel"),
		Version:    1,
		UpdatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, store.ApplyRemoteInsert(ctx, record))
	first, err := store.Get(ctx, viewsync.CollectionStreams, "s1")
	require.NoError(t, err)

	// Applying the same remote state twice must be a no-op the second time.
	require.NoError(t, store.ApplyRemoteInsert(ctx, record))
	second, err := store.Get(ctx, viewsync.CollectionStreams, "s1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Same for updates.
	record.Version = 2
	record.Payload = streamPayload("renamed")
	require.NoError(t, store.ApplyRemoteUpdate(ctx, record))
	require.NoError(t, store.ApplyRemoteUpdate(ctx, record))
	got, err := store.Get(ctx, viewsync.CollectionStreams, "s1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Payload.(*viewsync.Stream).Channel)
	require.Equal(t, int64(2), got.Version)

	// And deletes: removing an absent row is a no-op.
	require.NoError(t, store.ApplyRemoteDelete(ctx, &viewsync.Record{
		Collection: viewsync.CollectionStreams, ID: "s1", Deleted: true,
	}))
	require.NoError(t, store.ApplyRemoteDelete(ctx, &viewsync.Record{
		Collection: viewsync.CollectionStreams, ID: "s1", Deleted: true,
	}))
	got, err = store.Get(ctx, viewsync.CollectionStreams, "s1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLocalStoreAllCollections(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store, err := NewSQLiteLocalStore(db, seqIDs("m-"))
	require.NoError(t, err)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	records := []*viewsync.Record{
		{Collection: viewsync.CollectionStreams, ID: "s1", Payload: streamPayload("ch"), Version: 1, UpdatedAt: at},
		{Collection: viewsync.CollectionLayouts, ID: "l1", Payload: &viewsync.Layout{Name: "quad", Kind: "grid", Rows: 2, Cols: 2}, Version: 1, UpdatedAt: at},
		{Collection: viewsync.CollectionFavorites, ID: "f1", Payload: &viewsync.Favorite{StreamID: "s1", Channel: "ch", Platform: "twitch"}, Version: 1, UpdatedAt: at},
		{Collection: viewsync.CollectionWatchHistory, ID: "w1", Payload: &viewsync.WatchEvent{StreamID: "s1", Channel: "ch", Platform: "twitch", StartedAt: at, Seconds: 120}, Version: 1, UpdatedAt: at},
	}
	for _, rec := range records {
		require.NoError(t, store.ApplyRemoteInsert(ctx, rec))
	}
	for _, rec := range records {
		got, err := store.Get(ctx, rec.Collection, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got, rec.Collection)
		require.Equal(t, rec.Payload, got.Payload)
	}
}

func TestLocalStoreGetLocalMutationsSince(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store, err := NewSQLiteLocalStore(db, seqIDs("m-"))
	require.NoError(t, err)

	early := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.ApplyRemoteInsert(ctx, &viewsync.Record{
		Collection: viewsync.CollectionStreams, ID: "old", Payload: streamPayload("old"), Version: 1, UpdatedAt: early,
	}))
	require.NoError(t, store.ApplyRemoteInsert(ctx, &viewsync.Record{
		Collection: viewsync.CollectionStreams, ID: "new", Payload: streamPayload("new"), Version: 1, UpdatedAt: late,
	}))

	// Zero time returns everything as CREATE mutations.
	all, err := store.GetLocalMutationsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, ch := range all {
		require.Equal(t, viewsync.OpCreate, ch.Op)
		require.NotEmpty(t, ch.ID)
	}

	// A cutoff between the two returns only the newer row.
	since, err := store.GetLocalMutationsSince(ctx, early.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, "new", since[0].RecordID)
}
