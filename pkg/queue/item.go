// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue schedules batches of upload sessions: priority
// ordering, bounded cross-session concurrency, retry, pause and
// cancellation, and final batch accounting.
package queue

import (
	"sync"
	"time"

	"github.com/UpflowLabs/upflow/pkg/progress"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/google/uuid"
)

func errTerminalBatch(s Status) error {
	return uperr.Newf(uperr.KindTransition, "batch in status %s cannot be processed", s)
}

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the batch is finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// QueueItem is a named group of sessions created from one user
// action. Session transitions feed its counters through the session
// Notifier interface; counter updates are serialized by the item's
// lock so concurrent completions cannot race.
type QueueItem struct {
	id        uuid.UUID
	name      string
	queueType string
	createdAt time.Time

	tracker *progress.Tracker

	mu             sync.Mutex
	status         Status
	totalFiles     int
	completedFiles int
	failedFiles    int
	metadata       map[string]any
	updatedAt      time.Time
}

// ItemOption customizes a QueueItem.
type ItemOption func(*QueueItem)

// WithTracker mirrors counter changes into a progress tracker.
func WithTracker(t *progress.Tracker) ItemOption {
	return func(q *QueueItem) { q.tracker = t }
}

// NewQueueItem creates a pending batch expecting totalFiles sessions.
func NewQueueItem(name, queueType string, totalFiles int, metadata map[string]any, opts ...ItemOption) *QueueItem {
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	q := &QueueItem{
		id:         uuid.New(),
		name:       name,
		queueType:  queueType,
		createdAt:  time.Now(),
		updatedAt:  time.Now(),
		status:     StatusPending,
		totalFiles: totalFiles,
		metadata:   meta,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *QueueItem) ID() uuid.UUID     { return q.id }
func (q *QueueItem) Name() string      { return q.name }
func (q *QueueItem) QueueType() string { return q.queueType }

// Status returns the batch lifecycle state.
func (q *QueueItem) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Counters returns (total, completed, failed) file counts.
func (q *QueueItem) Counters() (total, completed, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalFiles, q.completedFiles, q.failedFiles
}

// Meta returns a metadata value.
func (q *QueueItem) Meta(key string) (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.metadata[key]
	return v, ok
}

// SessionTransitioned feeds session lifecycle events into the batch
// counters. Exactly one counter moves per terminal transition; an
// explicit retry (failure status back to pending) returns its unit.
func (q *QueueItem) SessionTransitioned(s *session.Session, from, to session.Status) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case to == session.StatusCompleted:
		q.completedFiles++
		if q.tracker != nil {
			q.tracker.RecordFileCompleted()
		}
	case to.IsFailure() && !from.IsFailure():
		q.failedFiles++
		if q.tracker != nil {
			q.tracker.RecordFileFailed()
		}
	case from.IsFailure() && to == session.StatusPending:
		// Retry: the failure no longer counts against the batch.
		if q.failedFiles > 0 {
			q.failedFiles--
		}
		if q.status.IsTerminal() && q.status != StatusCancelled {
			q.status = StatusProcessing
		}
	default:
		return
	}

	q.updatedAt = time.Now()
	q.evaluate()
}

// evaluate settles the batch status once every file is accounted for.
// Must be called with the lock held.
func (q *QueueItem) evaluate() {
	if q.status == StatusCancelled || q.totalFiles == 0 {
		return
	}
	if q.completedFiles+q.failedFiles < q.totalFiles {
		return
	}
	if q.failedFiles > 0 {
		q.status = StatusFailed
		return
	}
	q.status = StatusCompleted
}

// markProcessing moves the batch into processing. Failed batches may
// be resurrected by an explicit retry; completed and cancelled ones
// may not.
func (q *QueueItem) markProcessing() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.status {
	case StatusPending, StatusProcessing, StatusFailed:
		q.status = StatusProcessing
		q.updatedAt = time.Now()
		return nil
	default:
		return errTerminalBatch(q.status)
	}
}

// markCancelled forces the batch to cancelled.
func (q *QueueItem) markCancelled() {
	q.mu.Lock()
	q.status = StatusCancelled
	q.updatedAt = time.Now()
	q.mu.Unlock()
}

// settle finalizes the batch status from its counters (cleanup path).
func (q *QueueItem) settle() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evaluate()
	return q.status
}
