// Package viewlite is the on-device side of viewsync synchronization: a
// durable outbox of local mutations, an incremental change fetcher, a live
// feed subscriber, and an orchestrator that keeps a local SQLite store
// consistent with the remote backend across intermittent connectivity.
//
// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/viewsync/go-viewsync/viewsync"
)

// Client is the sync engine. Construct one per signed-in user at application
// startup and pass it by reference to consumers; its lifecycle is explicit
// through Start and Stop.
type Client struct {
	db       *sql.DB
	backend  RemoteBackend
	store    LocalStore
	monitor  ReachabilityMonitor
	outbox   *Outbox
	resolver *Resolver
	events   *eventHub
	stats    *statsCollector
	config   *Config
	logger   *slog.Logger

	userID   string
	deviceID string
	newID    func() string
	now      func() time.Time

	mu             sync.Mutex
	status         SyncStatus
	running        bool
	cancel         context.CancelFunc
	sub            Subscription
	pullOnly       bool // live feed unavailable, rely on periodic fetch
	subFailures    int  // consecutive failed subscribe attempts
	nextSubAttempt time.Time

	syncing atomic.Bool // rejects overlapping sync cycles

	wakeCh chan struct{}
	feedCh chan *viewsync.FeedChange
	wg     sync.WaitGroup
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the engine logger (default slog.Default).
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConfig overrides the default configuration. Zero fields are clamped.
func WithConfig(config *Config) Option {
	return func(c *Client) { c.config = config }
}

// WithMonitor replaces the default HTTP probe reachability monitor.
func WithMonitor(monitor ReachabilityMonitor) Option {
	return func(c *Client) { c.monitor = monitor }
}

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithIDGenerator injects the change id source, for deterministic tests.
func WithIDGenerator(newID func() string) Option {
	return func(c *Client) { c.newID = newID }
}

func newUUID() string { return uuid.New().String() }

// New creates a sync engine for userID backed by the given SQLite database,
// remote backend and local store. The engine's metadata tables are created in
// db; a device id is generated and persisted on first use.
func New(db *sql.DB, backend RemoteBackend, store LocalStore, userID string, opts ...Option) (*Client, error) {
	if db == nil || backend == nil || store == nil {
		return nil, fmt.Errorf("db, backend and store are required")
	}
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}

	c := &Client{
		db:      db,
		backend: backend,
		store:   store,
		config:  DefaultConfig(),
		logger:  slog.Default(),
		userID:  userID,
		newID:   newUUID,
		now:     time.Now,
		status:  StatusDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.config.clamp()

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deviceID, err := EnsureDeviceID(db, userID, c.newID)
	if err != nil {
		return nil, err
	}
	c.deviceID = deviceID

	c.outbox = NewOutbox(db, c.config.MaxPendingChanges, c.logger)
	c.resolver = NewResolver(c.config.ConflictTolerance)
	c.events = newEventHub(c.config.EventBuffer)
	c.stats = newStatsCollector(c.config.ErrorLogLimit)
	c.wakeCh = make(chan struct{}, 1)
	c.feedCh = make(chan *viewsync.FeedChange, c.config.EventBuffer)

	if c.monitor == nil {
		if hb, ok := backend.(*HTTPBackend); ok {
			c.monitor = NewProbeMonitor(hb.BaseURL+"/health", c.config.ProbeInterval, c.logger)
		} else {
			c.monitor = alwaysOnline{}
		}
	}
	return c, nil
}

// DeviceID returns the persisted device identity used for self-filtering.
func (c *Client) DeviceID() string { return c.deviceID }

// Status returns the current lifecycle state.
func (c *Client) Status() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// setStatus transitions the lifecycle state and publishes the change.
func (c *Client) setStatus(status SyncStatus) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()
	if changed {
		c.logger.Debug("Sync status changed", "status", status.String())
		c.events.publish(Event{Type: EventStatusChanged, Status: status})
	}
}

// SubscribeEvents attaches a consumer to the typed event stream. buffer <= 0
// uses the configured default. Close the subscription when done.
func (c *Client) SubscribeEvents(buffer int) *EventSubscription {
	return c.events.subscribe(buffer)
}

// RecentErrors returns the bounded error log, oldest first.
func (c *Client) RecentErrors() []SyncError {
	return c.stats.recent()
}

// Statistics returns a snapshot of engine health.
func (c *Client) Statistics(ctx context.Context) (*Statistics, error) {
	pending, err := c.outbox.Count(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := c.conflictCount(ctx)
	if err != nil {
		return nil, err
	}
	lastSync, uploaded, downloaded, cycles, errCount := c.stats.snapshot()
	status := c.Status()
	online := c.monitor.Online()
	return &Statistics{
		LastSyncTime:    lastSync,
		PendingCount:    pending,
		ConflictCount:   conflicts,
		ErrorCount:      errCount,
		UploadedCount:   uploaded,
		DownloadedCount: downloaded,
		CyclesCompleted: cycles,
		IsOnline:        online,
		Status:          status,
		IsHealthy:       healthy(status, online, lastSync, c.config.SyncInterval, conflicts, c.now()),
	}, nil
}

// QueueChange appends a mutation to the durable outbox. Once it returns nil
// the mutation survives a crash. A critical change queued while online gets
// one immediate upload attempt before returning, instead of waiting for the
// next periodic cycle; failure there is not an error, the change simply stays
// queued for the regular retry path.
func (c *Client) QueueChange(ctx context.Context, change *PendingChange) error {
	if change == nil {
		return fmt.Errorf("change is required")
	}
	if !viewsync.ValidCollection(change.Collection) {
		return fmt.Errorf("unknown collection %q", change.Collection)
	}
	if !viewsync.ValidOp(change.Op) {
		return fmt.Errorf("unknown op %q", change.Op)
	}
	if change.RecordID == "" {
		return fmt.Errorf("missing record id")
	}
	if change.Op != viewsync.OpDelete && change.Payload == nil {
		return fmt.Errorf("%s requires a payload", change.Op)
	}
	if change.Op == viewsync.OpDelete {
		change.Payload = nil
	}
	if change.ID == "" {
		change.ID = c.newID()
	}
	if change.EnqueuedAt.IsZero() {
		change.EnqueuedAt = c.now()
	}

	if err := c.outbox.Enqueue(ctx, change); err != nil {
		return err
	}

	if change.IsCritical && c.isRunning() && c.monitor.Online() {
		// Serialize with sync cycles; if one is mid-flight it will drain the
		// new entry anyway.
		if c.syncing.CompareAndSwap(false, true) {
			// A failed attempt is not an error for the caller, but a non-nil
			// error can also mean a local bookkeeping failure, so keep it
			// visible in the log.
			if _, _, err := c.uploadOne(ctx, change); err != nil {
				c.logger.Warn("Immediate upload failed, change stays queued",
					"collection", change.Collection, "record_id", change.RecordID, "error", err)
			}
			c.syncing.Store(false)
		}
	}
	return nil
}

func (c *Client) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// wake nudges the scheduler loop to run a cycle ahead of the timer.
func (c *Client) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// alwaysOnline is the monitor used when reachability probing is not
// applicable (custom backends in tests).
type alwaysOnline struct{}

func (alwaysOnline) Start(context.Context) error { return nil }
func (alwaysOnline) Stop()                       {}
func (alwaysOnline) Online() bool                { return true }
func (alwaysOnline) Events() <-chan bool         { return nil }
