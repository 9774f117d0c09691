// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

// Operation constants for change operations
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Synchronized record collections. Each collection maps to one payload type.
const (
	CollectionStreams      = "streams"
	CollectionLayouts      = "layouts"
	CollectionFavorites    = "favorites"
	CollectionWatchHistory = "watch_history"
)

// Status constants for change upload statuses
const (
	StApplied  = "applied"
	StConflict = "conflict"
	StInvalid  = "invalid"
)

// Error code constants used in HTTP error responses
const (
	CodeAuthFailed     = "authentication_failed"
	CodeInvalidRequest = "invalid_request"
	CodeTokenInvalid   = "token_invalid"
	CodeRateLimited    = "rate_limited"
	CodeUploadFailed   = "upload_failed"
	CodeFetchFailed    = "fetch_failed"
	CodeFeedFailed     = "feed_failed"
)

// Collections returns all synchronized collections in their canonical sync order.
func Collections() []string {
	return []string{CollectionStreams, CollectionLayouts, CollectionFavorites, CollectionWatchHistory}
}

// ValidCollection reports whether name is a known record collection.
func ValidCollection(name string) bool {
	switch name {
	case CollectionStreams, CollectionLayouts, CollectionFavorites, CollectionWatchHistory:
		return true
	}
	return false
}

// ValidOp reports whether op is a known change operation.
func ValidOp(op string) bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}
