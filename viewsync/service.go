// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidChange marks an upload that fails structural validation (unknown
// collection or op, bad payload, oversized payload). Handlers report it as a
// 400 rather than a server error.
var ErrInvalidChange = errors.New("invalid change")

// ErrServiceClosed is returned by all operations after Close.
var ErrServiceClosed = errors.New("sync service is closed")

// SyncService is the server side of the sync protocol: it owns the per-user
// record state, the ordered change log, and the epoch counter that scopes
// change tokens.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	hub *FeedHub // optional live push fan-out

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName         string // Application name for logging
	MaxPayloadBytes int    // Maximum JSON payload size per change in bytes (0 = 256 KiB)
	TxRetryAttempts int    // Retries for serialization/deadlock failures (0 = 3)
}

const (
	defaultMaxPayloadBytes = 256 * 1024
	defaultTxRetryAttempts = 3
	defaultFetchLimit      = 500
	maxFetchLimit          = 1000
)

// NewSyncService creates a sync service from an existing pool and initializes
// the storage schema.
func NewSyncService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "viewsync"}
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if config.TxRetryAttempts <= 0 {
		config.TxRetryAttempts = defaultTxRetryAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	if err := service.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}

	logger.Info("Sync service ready", "app", config.AppName)
	return service, nil
}

// AttachFeedHub wires a live push hub; committed changes are published to it.
func (s *SyncService) AttachFeedHub(hub *FeedHub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub = hub
}

func (s *SyncService) feedHub() *FeedHub {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub
}

// Close marks the service closed. The pool is owned by the caller.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
