// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTokenInvalid marks a change token that no longer addresses the user's
// change stream (log reset, epoch bump). The holder must restart from epoch.
var ErrTokenInvalid = errors.New("change token invalid")

// Change tokens are opaque to clients. The encoded form is base64url JSON of
// {epoch, seq}; the epoch pins the token to one generation of the change log
// so a server-side reset invalidates every outstanding cursor at once.
type tokenPayload struct {
	Epoch int64 `json:"epoch"`
	Seq   int64 `json:"seq"`
}

// EncodeToken builds the opaque cursor for a position in the change stream.
func EncodeToken(epoch, seq int64) string {
	data, _ := json.Marshal(tokenPayload{Epoch: epoch, Seq: seq})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken parses an opaque cursor. Any malformed token is reported as
// ErrTokenInvalid so callers fall back to a full resync instead of retrying.
func DecodeToken(token string) (epoch, seq int64, err error) {
	if token == "" {
		return 0, 0, fmt.Errorf("empty token: %w", ErrTokenInvalid)
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, 0, fmt.Errorf("undecodable token: %w", ErrTokenInvalid)
	}
	var tp tokenPayload
	if err := json.Unmarshal(data, &tp); err != nil {
		return 0, 0, fmt.Errorf("malformed token: %w", ErrTokenInvalid)
	}
	if tp.Epoch <= 0 || tp.Seq < 0 {
		return 0, 0, fmt.Errorf("token out of range: %w", ErrTokenInvalid)
	}
	return tp.Epoch, tp.Seq, nil
}
