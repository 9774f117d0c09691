// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import "time"

// Config holds tuning knobs for the sync engine. Zero values are clamped to
// the defaults below in New, so a partially filled struct is safe.
type Config struct {
	SyncInterval      time.Duration // periodic cycle cadence (30s)
	MaxPendingChanges int           // outbox capacity before drop-oldest eviction (1000)
	MaxRetryAttempts  int           // per-item upload attempts before permanent drop (3)
	UploadBatchSize   int           // outbox entries drained per cycle (50)
	UploadConcurrency int           // concurrent backend calls per batch (3)
	DownloadLimit     int           // changes per incremental fetch page (500)
	ConflictTolerance time.Duration // timestamp window treated as ambiguous (2s)
	ProbeInterval     time.Duration // reachability probe cadence (5s)
	BackoffMin        time.Duration // retry backoff floor (1s)
	BackoffMax        time.Duration // retry backoff ceiling (60s)
	ErrorLogLimit     int           // bounded error log capacity (100)
	EventBuffer       int           // per-subscriber event channel depth (64)
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:      30 * time.Second,
		MaxPendingChanges: 1000,
		MaxRetryAttempts:  3,
		UploadBatchSize:   50,
		UploadConcurrency: 3,
		DownloadLimit:     500,
		ConflictTolerance: 2 * time.Second,
		ProbeInterval:     5 * time.Second,
		BackoffMin:        1 * time.Second,
		BackoffMax:        60 * time.Second,
		ErrorLogLimit:     100,
		EventBuffer:       64,
	}
}

func (c *Config) clamp() {
	d := DefaultConfig()
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.MaxPendingChanges <= 0 {
		c.MaxPendingChanges = d.MaxPendingChanges
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.UploadBatchSize <= 0 {
		c.UploadBatchSize = d.UploadBatchSize
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = d.UploadConcurrency
	}
	if c.DownloadLimit <= 0 {
		c.DownloadLimit = d.DownloadLimit
	}
	if c.ConflictTolerance <= 0 {
		c.ConflictTolerance = d.ConflictTolerance
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = d.BackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.ErrorLogLimit <= 0 {
		c.ErrorLogLimit = d.ErrorLogLimit
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
}
