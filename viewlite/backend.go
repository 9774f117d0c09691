// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/viewsync/go-viewsync/viewsync"
)

// UploadResult is the backend's per-change verdict.
type UploadResult struct {
	Applied bool
	Version int64
	// Remote carries the current server state when Applied is false, feeding
	// the conflict resolver.
	Remote *viewsync.Record
}

// FetchResult is one page of the incremental change stream.
type FetchResult struct {
	Changes   []viewsync.FeedChange
	NextToken string
	HasMore   bool
}

// Subscription is a handle on a live push feed. Close is idempotent.
type Subscription interface {
	// Done is closed when the feed terminates, whether by Close or by a
	// transport failure. Err reports the cause afterwards (nil for Close).
	Done() <-chan struct{}
	Err() error
	Close() error
}

// RemoteBackend is the engine's view of the server. Implementations classify
// transport failures into the package sentinel errors (ErrAuthRequired,
// ErrTokenInvalid, ErrRateLimited, ErrNetworkUnavailable) so the orchestrator
// can branch on errors.Is.
type RemoteBackend interface {
	// Upload sends one mutation. A conflict verdict is a successful call with
	// Applied=false, not an error.
	Upload(ctx context.Context, change *PendingChange) (*UploadResult, error)

	// FetchSince pulls one page of changes after the opaque token ("" = from
	// epoch). Token invalidation is reported as ErrTokenInvalid.
	FetchSince(ctx context.Context, token string, limit int) (*FetchResult, error)

	// Subscribe opens a live feed for the given collections. Delivered changes
	// exclude the caller's own device.
	Subscribe(ctx context.Context, collections []string, onChange func(*viewsync.FeedChange)) (Subscription, error)
}

// HTTPBackend talks to a viewsync server over HTTP and WebSocket.
type HTTPBackend struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns a bearer JWT
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPBackend creates a backend client for the server at baseURL. tok is
// called per request so token refresh happens upstream.
func NewHTTPBackend(baseURL string, tok func(context.Context) (string, error), logger *slog.Logger) *HTTPBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBackend{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Upload implements RemoteBackend.
func (b *HTTPBackend) Upload(ctx context.Context, change *PendingChange) (*UploadResult, error) {
	payload, err := viewsync.EncodePayload(change.Payload)
	if err != nil {
		return nil, err
	}
	req := viewsync.UploadChangeRequest{
		ChangeID:   change.ID,
		Collection: change.Collection,
		RecordID:   change.RecordID,
		Op:         change.Op,
		Payload:    payload,
		ChangedAt:  change.EnqueuedAt,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload request: %w", err)
	}

	respBody, err := b.do(ctx, http.MethodPost, "/sync/changes", nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var resp viewsync.UploadChangeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &UploadResult{
		Applied: resp.Status == viewsync.StApplied,
		Version: resp.Version,
		Remote:  resp.Remote,
	}, nil
}

// FetchSince implements RemoteBackend.
func (b *HTTPBackend) FetchSince(ctx context.Context, token string, limit int) (*FetchResult, error) {
	query := url.Values{}
	if token != "" {
		query.Set("since", token)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	respBody, err := b.do(ctx, http.MethodGet, "/sync/changes", query, nil)
	if err != nil {
		return nil, err
	}
	var resp viewsync.FetchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode fetch response: %w", err)
	}
	return &FetchResult{
		Changes:   resp.Changes,
		NextToken: resp.NextToken,
		HasMore:   resp.HasMore,
	}, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, query url.Values, body io.Reader) ([]byte, error) {
	endpoint := b.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	token, err := b.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatusError(resp.StatusCode, data)
	}
	return data, nil
}

// classifyStatusError maps an HTTP error response to the sentinel taxonomy.
func classifyStatusError(status int, body []byte) error {
	var errResp viewsync.ErrorResponse
	_ = json.Unmarshal(body, &errResp)
	detail := errResp.Message
	if detail == "" {
		detail = errResp.Error
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthRequired, detail)
	case http.StatusGone:
		return fmt.Errorf("%w: %s", ErrTokenInvalid, detail)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, detail)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: server returned %d", ErrNetworkUnavailable, status)
	default:
		return fmt.Errorf("server returned %d: %s", status, detail)
	}
}

// classifyTransportError maps dial/timeout/reset failures to
// ErrNetworkUnavailable while preserving context cancellation.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if errors.Is(urlErr.Err, context.Canceled) || errors.Is(urlErr.Err, context.DeadlineExceeded) {
			return urlErr.Err
		}
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, urlErr.Err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, netErr)
	}
	return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
}

// isRetryable reports whether an upload failure should increment the per-item
// retry counter rather than abort the cycle.
func isRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrRateLimited)
}
