// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Feed socket keepalive timing. Writes are cheap; reads are bounded by the
// pong deadline so dead peers are reaped.
const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
	feedReadLimit  = 1024
)

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync API
type HTTPSyncHandlers struct {
	service       *SyncService
	hub           *FeedHub
	authenticator ClientAuthenticator
	logger        *slog.Logger
	upgrader      websocket.Upgrader
}

// NewHTTPSyncHandlers creates a new instance of sync handlers. hub may be nil
// when the deployment has no live feed.
func NewHTTPSyncHandlers(service *SyncService, hub *FeedHub, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		hub:           hub,
		authenticator: authenticator,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleUploadChange processes a single uploaded change.
func (h *HTTPSyncHandlers) HandleUploadChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return
	}
	deviceID, err := h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return
	}

	var req UploadChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to parse change request")
		return
	}

	response, err := h.service.ApplyChange(r.Context(), userID, deviceID, &req)
	if err != nil {
		if errors.Is(err, ErrInvalidChange) {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		h.logger.Error("Failed to apply change", "error", err, "device_id", deviceID, "change_id", req.ChangeID)
		h.writeError(w, http.StatusInternalServerError, CodeUploadFailed, "Failed to apply change")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode change response", "error", err, "device_id", deviceID)
	}
}

// HandleFetchChanges processes incremental fetch requests.
func (h *HTTPSyncHandlers) HandleFetchChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be an integer")
			return
		}
		if parsedLimit < 1 || parsedLimit > maxFetchLimit {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsedLimit
	}

	since := r.URL.Query().Get("since")

	response, err := h.service.CollectChangesSince(r.Context(), userID, since, limit)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			h.writeError(w, http.StatusGone, CodeTokenInvalid, "Change token is no longer valid")
			return
		}
		h.logger.Error("Failed to collect changes", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, CodeFetchFailed, "Failed to collect changes")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode fetch response", "error", err, "user_id", userID)
	}
}

// HandleFeed upgrades to a WebSocket and streams committed changes to the
// device. The client manages its collection set with subscribe/unsubscribe
// commands on the socket.
func (h *HTTPSyncHandlers) HandleFeed(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, http.StatusNotImplemented, CodeFeedFailed, "Live feed is not enabled")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return
	}
	deviceID, err := h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Feed upgrade failed", "error", err, "device_id", deviceID)
		return
	}
	defer conn.Close()

	sub := h.hub.Register(userID, deviceID)
	defer h.hub.Unregister(sub)

	conn.SetReadLimit(feedReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	var writeMu sync.Mutex
	writeMessage := func(msg *FeedMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		return conn.WriteJSON(msg)
	}

	// Forward committed changes and keepalives; the reader loop below owns
	// the subscription lifetime.
	go func() {
		ticker := time.NewTicker(feedPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case msg := <-sub.C():
				if err := writeMessage(msg); err != nil {
					sub.Close()
					return
				}
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					sub.Close()
					return
				}
			case <-sub.Done():
				return
			}
		}
	}()

	for {
		var cmd FeedCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Feed connection closed", "error", err, "device_id", deviceID)
			}
			return
		}

		switch cmd.Action {
		case FeedActionSubscribe:
			if !ValidCollection(cmd.Collection) {
				_ = writeMessage(&FeedMessage{Type: FeedMsgError, Collection: cmd.Collection, Message: "unknown collection"})
				continue
			}
			sub.SetCollection(cmd.Collection, true)
			_ = writeMessage(&FeedMessage{Type: FeedMsgSubscribed, Collection: cmd.Collection})
		case FeedActionUnsubscribe:
			sub.SetCollection(cmd.Collection, false)
			_ = writeMessage(&FeedMessage{Type: FeedMsgUnsubscribed, Collection: cmd.Collection})
		default:
			_ = writeMessage(&FeedMessage{Type: FeedMsgError, Message: "unknown action"})
		}
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
