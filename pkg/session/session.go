// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/google/uuid"
)

// Metadata keys written by the pipeline.
const (
	MetaRetryCount    = "retry_count"
	MetaFailureReason = "failure_reason"
	MetaScanStatus    = "scan_status"
	MetaScanner       = "scanner"
	MetaScanSignature = "scan_signature"
	MetaScanDuration  = "scan_duration_ms"
	MetaScanQueuedAt  = "scan_queued_at"
	MetaArtifactID    = "artifact_id"
)

// Notifier receives session status-change events. Implementations must
// not assume they run on any particular goroutine; events for one
// session are delivered in transition order.
type Notifier interface {
	SessionTransitioned(s *Session, from, to Status)
}

// Config describes a new upload session.
type Config struct {
	ID         uuid.UUID // generated when zero
	Filename   string
	Container  string
	Workspace  string
	TotalSize  int64
	ChunkCount int
	BatchID    uuid.UUID // uuid.Nil for standalone sessions
	Metadata   map[string]any
}

// Option customizes a Session at construction.
type Option func(*Session)

// WithNotifier attaches a status-change notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Session) { s.now = fn }
}

// Session is one file's upload lifecycle record. All status mutation
// goes through the named transition operations; direct writes do not
// exist. Safe for concurrent use.
type Session struct {
	id         uuid.UUID
	filename   string
	container  string
	workspace  string
	totalSize  int64
	chunkCount int
	batchID    uuid.UUID

	notifier Notifier
	now      func() time.Time

	mu           sync.Mutex
	status       Status
	metadata     map[string]any
	assembledKey string
	createdAt    time.Time
	updatedAt    time.Time
}

// New validates the config and creates a pending session.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := ValidateFilename(cfg.Filename); err != nil {
		return nil, err
	}
	if cfg.TotalSize <= 0 {
		return nil, uperr.Newf(uperr.KindValidation, "total size must be positive, got %d", cfg.TotalSize)
	}
	if cfg.TotalSize > types.MaxFileSize {
		return nil, uperr.Newf(uperr.KindValidation, "file exceeds the %d byte limit", int64(types.MaxFileSize))
	}
	if cfg.ChunkCount < 1 {
		return nil, uperr.Newf(uperr.KindValidation, "chunk count must be >= 1, got %d", cfg.ChunkCount)
	}
	if cfg.Workspace == "" {
		return nil, uperr.New(uperr.KindValidation, "workspace is required")
	}

	id := cfg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	meta := make(map[string]any, len(cfg.Metadata))
	for k, v := range cfg.Metadata {
		meta[k] = v
	}

	s := &Session{
		id:         id,
		filename:   cfg.Filename,
		container:  cfg.Container,
		workspace:  cfg.Workspace,
		totalSize:  cfg.TotalSize,
		chunkCount: cfg.ChunkCount,
		batchID:    cfg.BatchID,
		now:        time.Now,
		status:     StatusPending,
		metadata:   meta,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.now()
	s.updatedAt = s.createdAt
	return s, nil
}

func (s *Session) ID() uuid.UUID        { return s.id }
func (s *Session) Filename() string     { return s.filename }
func (s *Session) Container() string    { return s.container }
func (s *Session) Workspace() string    { return s.workspace }
func (s *Session) TotalSize() int64     { return s.totalSize }
func (s *Session) ChunkCount() int      { return s.chunkCount }
func (s *Session) BatchID() uuid.UUID   { return s.batchID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// UpdatedAt returns the time of the last status change.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// AssembledKey returns the staging storage key of the merged file, set
// by the assembler.
func (s *Session) AssembledKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assembledKey
}

// SetAssembledKey records where the assembled file was staged.
func (s *Session) SetAssembledKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assembledKey = key
}

// SetMeta stores a metadata value.
func (s *Session) SetMeta(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Meta returns a metadata value.
func (s *Session) Meta(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metadata[key]
	return v, ok
}

// Metadata returns a copy of the metadata map.
func (s *Session) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// RetryCount returns how many times the session has been retried.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.metadata[MetaRetryCount].(int); ok {
		return n
	}
	return 0
}

// transition performs one legal status move and notifies the owning
// batch. The notifier runs outside the lock so an observer may read
// the session without deadlocking; notifier panics are logged and
// swallowed, never failing the transition.
func (s *Session) transition(target Status, mutate func()) error {
	s.mu.Lock()
	from := s.status
	if !from.CanTransition(target) {
		s.mu.Unlock()
		return uperr.Newf(uperr.KindTransition, "cannot transition from %s to %s", from, target)
	}
	s.status = target
	s.updatedAt = s.now()
	if mutate != nil {
		mutate()
	}
	s.mu.Unlock()

	s.notify(from, target)
	return nil
}

func (s *Session) notify(from, to Status) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("session_id", s.id.String()).
				Str("from", from.String()).
				Str("to", to.String()).
				Interface("panic", r).
				Msg("session: notification failed")
		}
	}()
	s.notifier.SessionTransitioned(s, from, to)
}

// StartUpload moves pending -> uploading.
func (s *Session) StartUpload() error {
	return s.transition(StatusUploading, nil)
}

// StartAssembly moves uploading -> assembling once all chunks are in.
func (s *Session) StartAssembly() error {
	return s.transition(StatusAssembling, nil)
}

// StartVirusScan moves assembling -> virus_scanning.
func (s *Session) StartVirusScan() error {
	return s.transition(StatusVirusScanning, func() {
		s.metadata[MetaScanQueuedAt] = s.now().UTC().Format(time.RFC3339Nano)
	})
}

// StartFinalizing moves virus_scanning -> finalizing after a clean
// verdict.
func (s *Session) StartFinalizing() error {
	return s.transition(StatusFinalizing, nil)
}

// Complete moves finalizing -> completed.
func (s *Session) Complete() error {
	return s.transition(StatusCompleted, nil)
}

// DetectVirus moves virus_scanning -> virus_detected. This state has
// no outgoing transitions: infected uploads are never retried.
func (s *Session) DetectVirus(signature string) error {
	return s.transition(StatusVirusDetected, func() {
		s.metadata[MetaScanStatus] = "infected"
		s.metadata[MetaScanSignature] = signature
	})
}

// FailVirusScan moves virus_scanning -> virus_scan_failed.
func (s *Session) FailVirusScan(reason string) error {
	return s.transition(StatusVirusScanFailed, func() {
		s.metadata[MetaScanStatus] = "failed"
		s.metadata[MetaFailureReason] = reason
	})
}

// FailFinalization moves finalizing -> finalization_failed.
func (s *Session) FailFinalization(reason string) error {
	return s.transition(StatusFinalizationFailed, func() {
		s.metadata[MetaFailureReason] = reason
	})
}

// Fail marks the session failed with a reason.
func (s *Session) Fail(reason string) error {
	return s.transition(StatusFailed, func() {
		s.metadata[MetaFailureReason] = reason
	})
}

// Cancel marks the session cancelled.
func (s *Session) Cancel() error {
	return s.transition(StatusCancelled, nil)
}

// Pause moves an in-flight session back to pending. Only legal from
// the states the transition table allows.
func (s *Session) Pause() error {
	return s.transition(StatusPending, nil)
}

// Retry moves a retryable terminal session back to pending and bumps
// the retry counter.
func (s *Session) Retry() error {
	s.mu.Lock()
	from := s.status
	if !from.IsRetryable() {
		s.mu.Unlock()
		return uperr.Newf(uperr.KindTransition, "cannot transition from %s to %s", from, StatusPending)
	}
	s.status = StatusPending
	s.updatedAt = s.now()
	n, _ := s.metadata[MetaRetryCount].(int)
	s.metadata[MetaRetryCount] = n + 1
	s.mu.Unlock()

	s.notify(from, StatusPending)
	return nil
}

// forceFail bypasses the transition table. Reserved for the expiry
// sweeper, which must be able to fail sessions stuck mid-scan or
// mid-finalize.
func (s *Session) forceFail(reason string) {
	s.mu.Lock()
	from := s.status
	s.status = StatusFailed
	s.updatedAt = s.now()
	s.metadata[MetaFailureReason] = reason
	s.mu.Unlock()

	s.notify(from, StatusFailed)
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s, %s)", s.id, s.filename, s.Status())
}
