package viewlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/viewsync/go-viewsync/viewsync"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "viewlite_test.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// seqIDs returns a deterministic id generator (c1, c2, ...).
func seqIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// fakeBackend is an in-memory RemoteBackend with programmable behavior.
type fakeBackend struct {
	mu       sync.Mutex
	uploads  []*PendingChange
	fetches  int
	uploadFn func(change *PendingChange) (*UploadResult, error)
	fetchFn  func(token string, limit int) (*FetchResult, error)

	subscribeErr error
	feedFn       func(*viewsync.FeedChange)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		uploadFn: func(*PendingChange) (*UploadResult, error) {
			return &UploadResult{Applied: true, Version: 1}, nil
		},
		fetchFn: func(token string, limit int) (*FetchResult, error) {
			return &FetchResult{NextToken: "t-1", HasMore: false}, nil
		},
	}
}

func (b *fakeBackend) Upload(ctx context.Context, change *PendingChange) (*UploadResult, error) {
	b.mu.Lock()
	b.uploads = append(b.uploads, change)
	fn := b.uploadFn
	b.mu.Unlock()
	return fn(change)
}

func (b *fakeBackend) FetchSince(ctx context.Context, token string, limit int) (*FetchResult, error) {
	b.mu.Lock()
	b.fetches++
	fn := b.fetchFn
	b.mu.Unlock()
	return fn(token, limit)
}

func (b *fakeBackend) Subscribe(ctx context.Context, collections []string, onChange func(*viewsync.FeedChange)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.feedFn = onChange
	return &fakeSubscription{done: make(chan struct{})}, nil
}

func (b *fakeBackend) uploadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

func (b *fakeBackend) uploadedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, len(b.uploads))
	for i, ch := range b.uploads {
		ids[i] = ch.RecordID
	}
	return ids
}

func (b *fakeBackend) uploadedOps() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ops := make([]string, len(b.uploads))
	for i, ch := range b.uploads {
		ops[i] = ch.Op
	}
	return ops
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *fakeBackend) push(ch *viewsync.FeedChange) {
	b.mu.Lock()
	fn := b.feedFn
	b.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

type fakeSubscription struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (s *fakeSubscription) Done() <-chan struct{} { return s.done }
func (s *fakeSubscription) Err() error            { return nil }
func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// fakeMonitor is a ReachabilityMonitor driven by the test.
type fakeMonitor struct {
	mu     sync.Mutex
	online bool
	events chan bool
}

func newFakeMonitor(online bool) *fakeMonitor {
	return &fakeMonitor{online: online, events: make(chan bool, 4)}
}

func (m *fakeMonitor) Start(context.Context) error { return nil }
func (m *fakeMonitor) Stop()                       {}
func (m *fakeMonitor) Events() <-chan bool         { return m.events }

func (m *fakeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *fakeMonitor) setOnline(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
	m.events <- online
}

func newTestClient(t *testing.T, backend RemoteBackend, monitor ReachabilityMonitor, cfg *Config, extra ...Option) (*Client, *SQLiteLocalStore) {
	t.Helper()
	db := openTestDB(t)
	store, err := NewSQLiteLocalStore(db, seqIDs("seed-"))
	require.NoError(t, err)
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.SyncInterval = time.Hour // keep the periodic timer out of tests
	}
	opts := []Option{
		WithConfig(cfg),
		WithIDGenerator(seqIDs("id-")),
	}
	if monitor != nil {
		opts = append(opts, WithMonitor(monitor))
	}
	opts = append(opts, extra...)
	client, err := New(db, backend, store, "user-1", opts...)
	require.NoError(t, err)
	return client, store
}

func streamPayload(channel string) *viewsync.Stream {
	return &viewsync.Stream{
		URL:      "https://twitch.tv/" + channel,
		Platform: "twitch",
		Channel:  channel,
	}
}

func pendingCreate(id, recordID, channel string, at time.Time) *PendingChange {
	return &PendingChange{
		ID:         id,
		Collection: viewsync.CollectionStreams,
		RecordID:   recordID,
		Op:         viewsync.OpCreate,
		Payload:    streamPayload(channel),
		EnqueuedAt: at,
	}
}

func pendingDelete(id, recordID string, at time.Time) *PendingChange {
	return &PendingChange{
		ID:         id,
		Collection: viewsync.CollectionStreams,
		RecordID:   recordID,
		Op:         viewsync.OpDelete,
		EnqueuedAt: at,
	}
}
