package viewsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodePayloadByCollection(t *testing.T) {
	tests := []struct {
		collection string
		json       string
		want       RecordPayload
	}{
		{
			CollectionStreams,
			`{"url":"https://twitch.tv/somechannel","platform":"twitch","channel":"somechannel","muted":true}`,
			&Stream{URL: "https://twitch.tv/somechannel", Platform: "twitch", Channel: "somechannel", Muted: true},
		},
		{
			CollectionLayouts,
			`{"name":"quad","kind":"grid","rows":2,"cols":2,"slots":[{"position":0,"stream_id":"s1"}]}`,
			&Layout{Name: "quad", Kind: "grid", Rows: 2, Cols: 2, Slots: []LayoutSlot{{Position: 0, StreamID: "s1"}}},
		},
		{
			CollectionFavorites,
			`{"stream_id":"s1","channel":"somechannel","platform":"twitch","note":"late night"}`,
			&Favorite{StreamID: "s1", Channel: "somechannel", Platform: "twitch", Note: "late night"},
		},
		{
			CollectionWatchHistory,
			`{"stream_id":"s1","channel":"somechannel","platform":"twitch","started_at":"2025-06-01T12:00:00Z","seconds":360}`,
			&WatchEvent{StreamID: "s1", Channel: "somechannel", Platform: "twitch",
				StartedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), Seconds: 360},
		},
	}
	for _, tt := range tests {
		t.Run(tt.collection, func(t *testing.T) {
			got, err := DecodePayload(tt.collection, []byte(tt.json))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.collection, got.Collection())
		})
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	_, err := DecodePayload("bogus", []byte(`{}`))
	require.Error(t, err)

	_, err = DecodePayload(CollectionStreams, nil)
	require.Error(t, err)

	_, err = DecodePayload(CollectionStreams, []byte(`not json`))
	require.Error(t, err)
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := Record{
		Collection: CollectionStreams,
		ID:         "s1",
		Payload:    &Stream{URL: "https://twitch.tv/x", Platform: "twitch", Channel: "x"},
		Version:    3,
		UpdatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, rec, got)
	require.IsType(t, &Stream{}, got.Payload)
}

func TestRecordTombstoneHasNoPayload(t *testing.T) {
	rec := Record{
		Collection: CollectionFavorites,
		ID:         "f1",
		Version:    4,
		UpdatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Deleted:    true,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NotContains(t, string(data), `"payload"`)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.True(t, got.Deleted)
	require.Nil(t, got.Payload)
}

func TestRecordUnknownCollectionRejected(t *testing.T) {
	var got Record
	err := json.Unmarshal([]byte(`{"collection":"bogus","id":"x","updated_at":"2025-06-01T12:00:00Z"}`), &got)
	require.Error(t, err)
}

func TestFeedChangeToRecord(t *testing.T) {
	ch := FeedChange{
		Seq:        12,
		Collection: CollectionStreams,
		RecordID:   "s1",
		Op:         OpUpdate,
		Payload:    json.RawMessage(`{"url":"https://twitch.tv/x","platform":"twitch","channel":"x"}`),
		Version:    2,
		ChangedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		DeviceID:   "dev-1",
	}
	rec, err := ch.ToRecord()
	require.NoError(t, err)
	require.Equal(t, "s1", rec.ID)
	require.Equal(t, int64(2), rec.Version)
	require.Equal(t, "x", rec.Payload.(*Stream).Channel)

	del := FeedChange{
		Seq: 13, Collection: CollectionStreams, RecordID: "s1",
		Op: OpDelete, Version: 3, Deleted: true,
		ChangedAt: time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC),
	}
	rec, err = del.ToRecord()
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	require.Nil(t, rec.Payload)
}
