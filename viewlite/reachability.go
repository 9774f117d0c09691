// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ReachabilityMonitor observes connectivity and reports transitions. Events
// fires exactly once per transition; a stable state never produces duplicate
// events. Implementations must start emitting only after Start.
type ReachabilityMonitor interface {
	Start(ctx context.Context) error
	Stop()
	// Online is the last observed state.
	Online() bool
	// Events delivers the new state on each transition.
	Events() <-chan bool
}

// ProbeMonitor detects connectivity by polling the backend health endpoint.
// It starts optimistic (online) so the first cycle is attempted immediately;
// a failed probe flips it offline.
type ProbeMonitor struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	cancel context.CancelFunc

	events chan bool
	wg     sync.WaitGroup
}

// NewProbeMonitor probes url (typically baseURL+"/health") every interval.
func NewProbeMonitor(url string, interval time.Duration, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeMonitor{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		online:   true,
		events:   make(chan bool, 4),
	}
}

// Start launches the probe loop.
func (m *ProbeMonitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.observe(m.probe(ctx))
			}
		}
	}()
	return nil
}

// Stop halts probing. The events channel stays open; no further events arrive.
func (m *ProbeMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Online implements ReachabilityMonitor.
func (m *ProbeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Events implements ReachabilityMonitor.
func (m *ProbeMonitor) Events() <-chan bool {
	return m.events
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// observe records a probe result and emits an event only on transition.
func (m *ProbeMonitor) observe(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}
	m.logger.Info("Reachability transition", "online", online)
	select {
	case m.events <- online:
	default:
		// A full buffer means the consumer is behind by several transitions;
		// the latest state is still observable through Online.
		m.logger.Warn("Reachability event dropped, consumer too slow", "online", online)
	}
}
