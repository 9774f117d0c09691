package viewsync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func testChange(collection, recordID, deviceID string, seq int64) *FeedChange {
	return &FeedChange{
		Seq:        seq,
		Collection: collection,
		RecordID:   recordID,
		Op:         OpUpdate,
		Version:    seq,
		DeviceID:   deviceID,
	}
}

func TestFeedHubFanOutExcludesOriginDevice(t *testing.T) {
	hub := NewFeedHub(8, nil)

	origin := hub.Register("user-1", "dev-a")
	other := hub.Register("user-1", "dev-b")
	origin.SetCollection(CollectionStreams, true)
	other.SetCollection(CollectionStreams, true)

	hub.Publish("user-1", testChange(CollectionStreams, "s1", "dev-a", 1))

	select {
	case msg := <-other.C():
		require.Equal(t, FeedMsgChange, msg.Type)
		require.Equal(t, "s1", msg.Change.RecordID)
	default:
		t.Fatal("expected delivery to the other device")
	}
	select {
	case <-origin.C():
		t.Fatal("origin device must not receive its own change")
	default:
	}
}

func TestFeedHubIsolatesUsers(t *testing.T) {
	hub := NewFeedHub(8, nil)

	mine := hub.Register("user-1", "dev-a")
	theirs := hub.Register("user-2", "dev-b")
	mine.SetCollection(CollectionStreams, true)
	theirs.SetCollection(CollectionStreams, true)

	hub.Publish("user-1", testChange(CollectionStreams, "s1", "dev-z", 1))

	select {
	case <-theirs.C():
		t.Fatal("change leaked across users")
	default:
	}
	select {
	case <-mine.C():
	default:
		t.Fatal("expected delivery to the owning user")
	}
}

func TestFeedHubFiltersByCollection(t *testing.T) {
	hub := NewFeedHub(8, nil)

	sub := hub.Register("user-1", "dev-a")
	sub.SetCollection(CollectionLayouts, true)

	hub.Publish("user-1", testChange(CollectionStreams, "s1", "dev-z", 1))
	select {
	case <-sub.C():
		t.Fatal("unsubscribed collection delivered")
	default:
	}

	// Toggling the collection on starts delivery; off stops it again.
	sub.SetCollection(CollectionStreams, true)
	hub.Publish("user-1", testChange(CollectionStreams, "s2", "dev-z", 2))
	require.Len(t, sub.C(), 1)

	sub.SetCollection(CollectionStreams, false)
	hub.Publish("user-1", testChange(CollectionStreams, "s3", "dev-z", 3))
	require.Len(t, sub.C(), 1)
}

func TestFeedHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewFeedHub(2, nil)

	sub := hub.Register("user-1", "dev-a")
	sub.SetCollection(CollectionStreams, true)

	for i := 0; i < 5; i++ {
		hub.Publish("user-1", testChange(CollectionStreams, fmt.Sprintf("s%d", i), "dev-z", int64(i)))
	}

	require.Len(t, sub.C(), 2)
	require.Equal(t, int64(3), hub.Stats().Dropped)
}

func TestFeedHubUnregister(t *testing.T) {
	hub := NewFeedHub(8, nil)

	sub := hub.Register("user-1", "dev-a")
	sub.SetCollection(CollectionStreams, true)
	require.Equal(t, 1, hub.Stats().Subscribers)

	hub.Unregister(sub)
	require.Zero(t, hub.Stats().Subscribers)

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done must be closed after Unregister")
	}

	// Idempotent, and publishing after unregister delivers nothing.
	hub.Unregister(sub)
	hub.Publish("user-1", testChange(CollectionStreams, "s1", "dev-z", 1))
	require.Empty(t, sub.C())
}
