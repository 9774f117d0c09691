// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package viewlite

import (
	"sync"
	"time"
)

// statsCollector aggregates counters and the bounded error log. It is the
// only engine state external callers may read concurrently with a running
// cycle, so it carries its own lock.
type statsCollector struct {
	mu sync.Mutex

	lastSyncTime    time.Time
	uploadedCount   int64
	downloadedCount int64
	cyclesCompleted int64
	errorCount      int64

	errorLog   []SyncError
	errorLimit int
}

func newStatsCollector(errorLimit int) *statsCollector {
	return &statsCollector{errorLimit: errorLimit}
}

func (s *statsCollector) addDownloaded(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadedCount += int64(n)
}

func (s *statsCollector) cycleCompleted(at time.Time, uploaded, downloaded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSyncTime = at
	s.uploadedCount += int64(uploaded)
	s.downloadedCount += int64(downloaded)
	s.cyclesCompleted++
}

// recordError appends to the bounded log, evicting the oldest entry past the
// cap. Every dropped mutation lands here with enough context to reproduce it.
func (s *statsCollector) recordError(collection, recordID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
	entry := SyncError{
		Time:       time.Now(),
		Collection: collection,
		RecordID:   recordID,
		Cause:      cause.Error(),
	}
	s.errorLog = append(s.errorLog, entry)
	if len(s.errorLog) > s.errorLimit {
		s.errorLog = s.errorLog[len(s.errorLog)-s.errorLimit:]
	}
}

// recent returns a copy of the error log, newest last.
func (s *statsCollector) recent() []SyncError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncError, len(s.errorLog))
	copy(out, s.errorLog)
	return out
}

func (s *statsCollector) snapshot() (lastSync time.Time, uploaded, downloaded, cycles, errCount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncTime, s.uploadedCount, s.downloadedCount, s.cyclesCompleted, s.errorCount
}

// healthy derives the single "is sync trustworthy right now" answer: online,
// in a good state, conflict-free, and synced recently enough.
func healthy(status SyncStatus, online bool, lastSync time.Time, interval time.Duration, conflicts int, now time.Time) bool {
	if !online || conflicts > 0 {
		return false
	}
	if status != StatusSynced && status != StatusSyncing {
		return false
	}
	if lastSync.IsZero() {
		return false
	}
	return now.Sub(lastSync) <= 3*interval
}
