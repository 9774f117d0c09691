// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// REST/JSON models for the sync HTTP API.
// The user is derived from the JWT sub claim and the device from the did
// claim, so neither appears in request bodies.

// UploadChangeRequest carries a single outbound mutation from a device.
type UploadChangeRequest struct {
	ChangeID   string          `json:"change_id"`         // Client-generated UUID, stable across retries
	Collection string          `json:"collection"`        // Target collection
	RecordID   string          `json:"record_id"`         // Affected entity id
	Op         string          `json:"op"`                // CREATE, UPDATE, DELETE
	Payload    json.RawMessage `json:"payload,omitempty"` // Typed payload JSON (null for DELETE)
	ChangedAt  time.Time       `json:"changed_at"`        // Client wall-clock at enqueue time
}

// UploadChangeResponse is the per-change outcome.
type UploadChangeResponse struct {
	Status   string  `json:"status"`            // "applied" or "conflict"
	RecordID string  `json:"record_id"`         // Echo of the entity id
	Version  int64   `json:"version,omitempty"` // Server version after apply
	Remote   *Record `json:"remote,omitempty"`  // Current server state when status is conflict
	Message  string  `json:"message,omitempty"` // Optional details
}

// FetchResponse is one page of the incremental change stream.
type FetchResponse struct {
	Changes   []FeedChange `json:"changes"`
	NextToken string       `json:"next_token"` // Cursor for the next page
	HasMore   bool         `json:"has_more"`   // More changes available beyond this page
}

// FeedChange is a single committed change, shared by the fetch response and
// the live push feed.
type FeedChange struct {
	Seq        int64           `json:"seq"`               // Server sequence number
	Collection string          `json:"collection"`        // Record collection
	RecordID   string          `json:"record_id"`         // Affected entity id
	Op         string          `json:"op"`                // CREATE, UPDATE, DELETE
	Payload    json.RawMessage `json:"payload,omitempty"` // Record payload (null for DELETE)
	Version    int64           `json:"version"`           // Record version after this change
	Deleted    bool            `json:"deleted"`           // Tombstone state after this change
	ChangedAt  time.Time       `json:"changed_at"`        // Record last-modified time
	DeviceID   string          `json:"device_id"`         // Originating device (for self-filtering)
	ChangeID   string          `json:"change_id"`         // Originating client change id
}

// ToRecord converts the change into the record state it left behind.
func (c *FeedChange) ToRecord() (*Record, error) {
	rec := &Record{
		Collection: c.Collection,
		ID:         c.RecordID,
		Version:    c.Version,
		UpdatedAt:  c.ChangedAt,
		Deleted:    c.Deleted,
	}
	if len(c.Payload) > 0 && string(c.Payload) != "null" {
		p, err := DecodePayload(c.Collection, c.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode change %d: %w", c.Seq, err)
		}
		rec.Payload = p
	}
	return rec, nil
}

// WebSocket feed protocol. The client sends commands, the server sends messages.

// Feed command actions
const (
	FeedActionSubscribe   = "subscribe"
	FeedActionUnsubscribe = "unsubscribe"
)

// Feed message types
const (
	FeedMsgChange       = "change"
	FeedMsgSubscribed   = "subscribed"
	FeedMsgUnsubscribed = "unsubscribed"
	FeedMsgError        = "error"
)

// FeedCommand is a client-to-server control message on the feed socket.
type FeedCommand struct {
	Action     string `json:"action"`     // subscribe or unsubscribe
	Collection string `json:"collection"` // Target collection
}

// FeedMessage is a server-to-client message on the feed socket.
type FeedMessage struct {
	Type       string      `json:"type"`
	Collection string      `json:"collection,omitempty"`
	Change     *FeedChange `json:"change,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// ErrorResponse is the standard error body for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
