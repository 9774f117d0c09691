// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import "errors"

// Sentinel errors for the sync engine. Transport errors are classified into
// this taxonomy before they reach the orchestrator, so every caller can branch
// with errors.Is instead of inspecting HTTP details.
var (
	// ErrAuthRequired means the backend rejected our credentials. The current
	// cycle is abandoned and not retried; re-authentication happens upstream.
	ErrAuthRequired = errors.New("authentication required")

	// ErrTokenInvalid means the change token no longer addresses the remote
	// change stream. Recovery is a silent full resync from epoch.
	ErrTokenInvalid = errors.New("change token invalid")

	// ErrRateLimited means the backend asked us to slow down. Retryable.
	ErrRateLimited = errors.New("rate limited by server")

	// ErrNetworkUnavailable covers transport-level failures (dial, timeout,
	// connection reset). The engine goes Offline and recovers on reconnect.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrSyncInProgress is returned by ForceSync while a cycle is running.
	// Concurrent cycles are rejected, never queued.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNotRunning is returned by operations that need a started engine.
	ErrNotRunning = errors.New("sync engine is not running")

	// ErrAlreadyRunning is returned by Start on a started engine.
	ErrAlreadyRunning = errors.New("sync engine is already running")

	// ErrConflictNotFound is returned by ResolveConflict for an unknown or
	// already-resolved conflict id.
	ErrConflictNotFound = errors.New("conflict not found")
)
