// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package progress tracks live batch upload progress: percentages,
// rolling transfer speed, completion estimates and trend
// classification for callers polling a batch.
package progress

import (
	"sync"
	"time"
)

// MaxCheckpoints bounds the checkpoint history; the oldest sample is
// dropped once the cap is reached.
const MaxCheckpoints = 10

// neutralETA is returned when no progress exists yet to extrapolate
// from. Finite on purpose: callers display it, so NaN or infinity
// would leak into UIs.
const neutralETA = 24 * time.Hour

// Trend classifies the direction of recent progress.
type Trend string

const (
	TrendAccelerating Trend = "accelerating"
	TrendDecelerating Trend = "decelerating"
	TrendSteady       Trend = "steady"
)

// Checkpoint is one timestamped progress sample.
type Checkpoint struct {
	At             time.Time
	Bytes          int64
	FilesProcessed int
}

// CurrentFile describes the file currently uploading.
type CurrentFile struct {
	Filename   string
	Percentage float64
}

// Progress is a point-in-time snapshot of a batch.
type Progress struct {
	TotalFiles     int
	CompletedFiles int
	FailedFiles    int
	PendingFiles   int

	// Percentage counts failed files as processed: a batch with every
	// file accounted for reads 100% even when some failed.
	Percentage float64

	BytesTransferred int64
	BytesExpected    int64

	// CurrentFile is nil when no file is mid-upload.
	CurrentFile *CurrentFile
}

// Summary is the final accounting produced by StopTracking.
type Summary struct {
	Duration     time.Duration
	AverageSpeed float64 // bytes per second
	SuccessRate  float64 // completed / (completed + failed)

	TotalFiles       int
	CompletedFiles   int
	FailedFiles      int
	BytesTransferred int64
}

// Tracker follows one batch. Safe for concurrent use; the batch
// processor writes, pollers read.
type Tracker struct {
	now func() time.Time

	mu             sync.Mutex
	active         bool
	startedAt      time.Time
	totalFiles     int
	bytesExpected  int64
	completedFiles int
	failedFiles    int
	bytes          int64

	current *CurrentFile

	lastSnapshotAt    time.Time
	lastSnapshotBytes int64

	checkpoints []Checkpoint
	summary     *Summary
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(t *Tracker) { t.now = fn }
}

// NewTracker creates an inactive tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartTracking records the start time and zeroes all metrics.
func (t *Tracker) StartTracking(totalFiles int, bytesExpected int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.active = true
	t.startedAt = now
	t.totalFiles = totalFiles
	t.bytesExpected = bytesExpected
	t.completedFiles = 0
	t.failedFiles = 0
	t.bytes = 0
	t.current = nil
	t.lastSnapshotAt = now
	t.lastSnapshotBytes = 0
	t.checkpoints = nil
	t.summary = nil
}

// Active reports whether tracking is running.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// RecordBytes adds transferred bytes.
func (t *Tracker) RecordBytes(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.bytes += n
	t.mu.Unlock()
}

// RecordFileCompleted counts one file as successfully finished.
func (t *Tracker) RecordFileCompleted() {
	t.mu.Lock()
	t.completedFiles++
	t.current = nil
	t.mu.Unlock()
}

// RecordFileFailed counts one file as failed.
func (t *Tracker) RecordFileFailed() {
	t.mu.Lock()
	t.failedFiles++
	t.current = nil
	t.mu.Unlock()
}

// SetCurrentFile records which file is mid-upload and how far along
// it is.
func (t *Tracker) SetCurrentFile(filename string, percentage float64) {
	t.mu.Lock()
	t.current = &CurrentFile{Filename: filename, Percentage: percentage}
	t.mu.Unlock()
}

// CalculateProgress returns the batch snapshot.
func (t *Tracker) CalculateProgress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := Progress{
		TotalFiles:       t.totalFiles,
		CompletedFiles:   t.completedFiles,
		FailedFiles:      t.failedFiles,
		PendingFiles:     t.totalFiles - t.completedFiles - t.failedFiles,
		BytesTransferred: t.bytes,
		BytesExpected:    t.bytesExpected,
	}
	if t.totalFiles > 0 {
		p.Percentage = float64(t.completedFiles+t.failedFiles) / float64(t.totalFiles) * 100
	}
	if t.current != nil {
		cf := *t.current
		p.CurrentFile = &cf
	}
	return p
}

// CalculateUploadSpeed returns bytes/second over the window since the
// last speed observation, then rolls the window forward. Never
// negative, never a division by zero.
func (t *Tracker) CalculateUploadSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.lastSnapshotAt).Seconds()
	if elapsed <= 0 {
		return 0
	}

	delta := t.bytes - t.lastSnapshotBytes
	t.lastSnapshotAt = now
	t.lastSnapshotBytes = t.bytes
	if delta <= 0 {
		return 0
	}
	return float64(delta) / elapsed
}

// EstimateCompletionTime linearly extrapolates the remaining files
// from the processing rate so far. Zero once every file is processed;
// a neutral finite estimate when nothing has been processed yet.
func (t *Tracker) EstimateCompletionTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	processed := t.completedFiles + t.failedFiles
	remaining := t.totalFiles - processed
	if remaining <= 0 {
		return 0
	}
	if processed == 0 {
		return neutralETA
	}

	elapsed := t.now().Sub(t.startedAt)
	if elapsed <= 0 {
		return neutralETA
	}
	perFile := elapsed / time.Duration(processed)
	return perFile * time.Duration(remaining)
}

// AddProgressCheckpoint appends a timestamped sample, keeping only
// the most recent MaxCheckpoints.
func (t *Tracker) AddProgressCheckpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.checkpoints = append(t.checkpoints, Checkpoint{
		At:             t.now(),
		Bytes:          t.bytes,
		FilesProcessed: t.completedFiles + t.failedFiles,
	})
	if len(t.checkpoints) > MaxCheckpoints {
		t.checkpoints = t.checkpoints[len(t.checkpoints)-MaxCheckpoints:]
	}
}

// Checkpoints returns a copy of the checkpoint history.
func (t *Tracker) Checkpoints() []Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Checkpoint, len(t.checkpoints))
	copy(out, t.checkpoints)
	return out
}

// ProgressTrend compares checkpoint throughput to classify the
// direction of travel. Confidence is low until enough samples exist.
func (t *Tracker) ProgressTrend() (Trend, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.checkpoints)
	if n < 3 {
		return TrendSteady, 0.2
	}

	// Throughput of the first and last halves of the window.
	mid := t.checkpoints[n/2]
	first, last := t.checkpoints[0], t.checkpoints[n-1]

	early := intervalSpeed(first, mid)
	late := intervalSpeed(mid, last)

	confidence := float64(n) / float64(MaxCheckpoints)
	if confidence > 1 {
		confidence = 1
	}

	switch {
	case early == 0 && late == 0:
		return TrendSteady, confidence
	case late > early*1.1:
		return TrendAccelerating, confidence
	case late < early*0.9:
		return TrendDecelerating, confidence
	default:
		return TrendSteady, confidence
	}
}

func intervalSpeed(from, to Checkpoint) float64 {
	elapsed := to.At.Sub(from.At).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := to.Bytes - from.Bytes
	if delta < 0 {
		return 0
	}
	return float64(delta) / elapsed
}

// StopTracking computes the final summary and deactivates the
// tracker. Calling it again returns the same summary without
// recomputing.
func (t *Tracker) StopTracking() *Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.summary != nil {
		return t.summary
	}

	duration := t.now().Sub(t.startedAt)
	s := &Summary{
		Duration:         duration,
		TotalFiles:       t.totalFiles,
		CompletedFiles:   t.completedFiles,
		FailedFiles:      t.failedFiles,
		BytesTransferred: t.bytes,
	}
	if duration > 0 {
		s.AverageSpeed = float64(t.bytes) / duration.Seconds()
	}
	if processed := t.completedFiles + t.failedFiles; processed > 0 {
		s.SuccessRate = float64(t.completedFiles) / float64(processed)
	}

	t.active = false
	t.summary = s
	return s
}
