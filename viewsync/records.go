// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordPayload is the typed body of a synchronized record. Exactly one
// concrete type exists per collection, so payloads round-trip through the
// outbox and the wire without reflection or loose maps.
type RecordPayload interface {
	Collection() string
}

// Stream is a tracked live channel shown in the viewer grid.
type Stream struct {
	URL       string `json:"url"`
	Platform  string `json:"platform"`
	Channel   string `json:"channel"`
	Title     string `json:"title,omitempty"`
	Muted     bool   `json:"muted,omitempty"`
	SortOrder int    `json:"sort_order,omitempty"`
}

func (*Stream) Collection() string { return CollectionStreams }

// LayoutSlot assigns a stream to one cell of a layout grid.
type LayoutSlot struct {
	Position int    `json:"position"`
	StreamID string `json:"stream_id"`
}

// Layout is a saved arrangement of streams on screen.
type Layout struct {
	Name   string       `json:"name"`
	Kind   string       `json:"kind"` // grid, focus, pip
	Rows   int          `json:"rows"`
	Cols   int          `json:"cols"`
	Slots  []LayoutSlot `json:"slots,omitempty"`
	Active bool         `json:"active,omitempty"`
}

func (*Layout) Collection() string { return CollectionLayouts }

// Favorite is a bookmarked channel.
type Favorite struct {
	StreamID  string `json:"stream_id"`
	Channel   string `json:"channel"`
	Platform  string `json:"platform"`
	Note      string `json:"note,omitempty"`
	SortOrder int    `json:"sort_order,omitempty"`
}

func (*Favorite) Collection() string { return CollectionFavorites }

// WatchEvent records one viewing session of a stream.
type WatchEvent struct {
	StreamID  string    `json:"stream_id"`
	Channel   string    `json:"channel"`
	Platform  string    `json:"platform"`
	StartedAt time.Time `json:"started_at"`
	Seconds   int64     `json:"seconds"`
}

func (*WatchEvent) Collection() string { return CollectionWatchHistory }

// DecodePayload decodes raw JSON into the payload type for the given collection.
func DecodePayload(collection string, data []byte) (RecordPayload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload for collection %q", collection)
	}
	var p RecordPayload
	switch collection {
	case CollectionStreams:
		p = &Stream{}
	case CollectionLayouts:
		p = &Layout{}
	case CollectionFavorites:
		p = &Favorite{}
	case CollectionWatchHistory:
		p = &WatchEvent{}
	default:
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", collection, err)
	}
	return p, nil
}

// EncodePayload serializes a typed payload to its JSON wire form.
func EncodePayload(p RecordPayload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Collection(), err)
	}
	return data, nil
}

// Record is the full server-side state of one synchronized entity.
// Deleted records keep their identity as tombstones with a nil payload.
type Record struct {
	Collection string
	ID         string
	Payload    RecordPayload
	Version    int64
	UpdatedAt  time.Time
	Deleted    bool
}

type recordJSON struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    int64           `json:"version,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// MarshalJSON encodes the record with its payload in typed wire form.
func (r Record) MarshalJSON() ([]byte, error) {
	raw, err := EncodePayload(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordJSON{
		Collection: r.Collection,
		ID:         r.ID,
		Payload:    raw,
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt,
		Deleted:    r.Deleted,
	})
}

// UnmarshalJSON decodes the envelope, then the payload keyed by collection.
// Tombstones carry no payload.
func (r *Record) UnmarshalJSON(data []byte) error {
	var rj recordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return fmt.Errorf("failed to decode record envelope: %w", err)
	}
	if !ValidCollection(rj.Collection) {
		return fmt.Errorf("unknown collection %q", rj.Collection)
	}
	var payload RecordPayload
	if len(rj.Payload) > 0 && string(rj.Payload) != "null" {
		p, err := DecodePayload(rj.Collection, rj.Payload)
		if err != nil {
			return err
		}
		payload = p
	}
	r.Collection = rj.Collection
	r.ID = rj.ID
	r.Payload = payload
	r.Version = rj.Version
	r.UpdatedAt = rj.UpdatedAt
	r.Deleted = rj.Deleted
	return nil
}
