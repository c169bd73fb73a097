// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/progress"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"
	"github.com/UpflowLabs/upflow/pkg/upload"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// DefaultRetryCap bounds how many times one session may be retried.
const DefaultRetryCap = 3

// ErrBatchNotFound is returned for unknown batch IDs.
var ErrBatchNotFound = errors.New("batch not found")

// ChunkSource produces the chunk payloads for a session. The processor
// stays agnostic of where file bytes come from (HTTP request parts,
// local disk, a staging bucket).
type ChunkSource interface {
	Chunks(ctx context.Context, sess *session.Session) ([]upload.ChunkData, error)
}

// FileSpec describes one file entering a batch.
type FileSpec struct {
	Filename  string
	Size      int64
	Workspace string

	// ChunkCount overrides the sizing table when positive.
	ChunkCount int
}

// ProcessorDeps are the collaborators a Processor drives. Upload.Store,
// Sessions and Source are required; Scanner, Dest, Blob and Tracker
// degrade gracefully when nil.
type ProcessorDeps struct {
	Upload   upload.Deps
	Sessions session.Store
	Source   ChunkSource
	Scanner  upload.Scanner
	Dest     upload.DestinationChecker
	Blob     BlobStore
	Tracker  *progress.Tracker
}

// ProcessorConfig tunes batch processing.
type ProcessorConfig struct {
	// MaxConcurrentSessions bounds how many sessions upload at once.
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`

	// MaxConcurrentChunks bounds parallel chunk transfers per session.
	MaxConcurrentChunks int `mapstructure:"max_concurrent_chunks"`

	// RetryCap is the per-session retry budget.
	RetryCap int `mapstructure:"retry_cap"`

	// Strategy is the default dispatch order.
	Strategy Strategy `mapstructure:"strategy"`

	// Gate tunes scan submission pacing.
	Gate upload.GateConfig `mapstructure:"gate"`

	// Sizing is the chunk-count recommendation table.
	Sizing types.ChunkSizing `mapstructure:"sizing"`

	// User and IP feed the rate limiter keys.
	User string
	IP   string
}

// DefaultProcessorConfig returns production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxConcurrentSessions: 4,
		MaxConcurrentChunks:   upload.DefaultMaxConcurrent,
		RetryCap:              DefaultRetryCap,
		Strategy:              StrategySmallestFirst,
		Gate:                  upload.DefaultGateConfig(),
		Sizing:                types.DefaultChunkSizing(),
	}
}

// Report is the outcome of one processing pass over a batch.
type Report struct {
	Success          bool
	TotalUploads     int
	CompletedUploads int
	FailedUploads    int
	Errors           []string
}

// RetryReport accounts for one retry sweep.
type RetryReport struct {
	Retried      int
	AtRetryCap   int
	NotRetryable int
}

// PauseReport accounts for one pause sweep.
type PauseReport struct {
	Paused  int
	Skipped int
}

// CancelReport accounts for one cancel sweep.
type CancelReport struct {
	Cancelled int
	Skipped   int
}

// CleanupReport is the final batch accounting.
type CleanupReport struct {
	BatchID        uuid.UUID
	Status         Status
	TotalFiles     int
	CompletedFiles int
	FailedFiles    int

	Duration         time.Duration
	BytesTransferred string // humanized
	AverageSpeed     string // humanized, per second

	// Efficiency is completed / (completed + failed).
	Efficiency float64
}

// QueueStatus is a live snapshot of a batch for pollers.
type QueueStatus struct {
	BatchID        uuid.UUID
	Name           string
	Status         Status
	Progress       progress.Progress
	Speed          float64 // bytes per second
	ETA            time.Duration
	Trend          progress.Trend
	TrendConfident float64
}

// Processor runs batches of upload sessions end to end: creation,
// ordered parallel upload, assembly, scan hand-off and final
// accounting. Safe for concurrent use.
type Processor struct {
	deps ProcessorDeps
	cfg  ProcessorConfig

	gate      *upload.Gate
	assembler *upload.Assembler

	mu      sync.Mutex
	batches map[uuid.UUID]*QueueItem
	coords  map[uuid.UUID]*upload.Coordinator
}

// NewProcessor wires a processor from its collaborators.
func NewProcessor(deps ProcessorDeps, cfg ProcessorConfig) *Processor {
	def := DefaultProcessorConfig()
	if cfg.MaxConcurrentSessions < 1 {
		cfg.MaxConcurrentSessions = def.MaxConcurrentSessions
	}
	if cfg.MaxConcurrentChunks < 1 {
		cfg.MaxConcurrentChunks = def.MaxConcurrentChunks
	}
	if cfg.RetryCap < 1 {
		cfg.RetryCap = def.RetryCap
	}
	if !cfg.Strategy.IsValid() {
		cfg.Strategy = def.Strategy
	}
	if cfg.Sizing.DefaultChunkSize == 0 {
		cfg.Sizing = def.Sizing
	}

	fin := &finalizer{store: deps.Upload.Store, blob: deps.Blob}
	gate := upload.NewGate(deps.Upload.Store, deps.Scanner, fin, cfg.Gate)
	asm := upload.NewAssembler(deps.Upload.Store, deps.Upload.Compressor, deps.Upload.Dedup, deps.Dest, gate)

	return &Processor{
		deps:      deps,
		cfg:       cfg,
		gate:      gate,
		assembler: asm,
		batches:   make(map[uuid.UUID]*QueueItem),
		coords:    make(map[uuid.UUID]*upload.Coordinator),
	}
}

// Gate exposes the scan gate so verdict callbacks can be routed in.
func (p *Processor) Gate() *upload.Gate { return p.gate }

// Batch returns the queue item for a batch ID.
func (p *Processor) Batch(id uuid.UUID) (*QueueItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return item, nil
}

// CreateBatch registers a batch and creates one pending session per
// file, each wired to the batch counters. Creation is all or nothing:
// if any file is rejected, the sessions created so far are removed.
func (p *Processor) CreateBatch(ctx context.Context, name, queueType string, files []FileSpec, container string, metadata map[string]any) (*QueueItem, error) {
	if len(files) == 0 {
		return nil, uperr.New(uperr.KindValidation, "batch has no files")
	}

	var opts []ItemOption
	if p.deps.Tracker != nil {
		opts = append(opts, WithTracker(p.deps.Tracker))
	}
	item := NewQueueItem(name, queueType, len(files), metadata, opts...)

	var created []*session.Session
	rollback := func() {
		for _, s := range created {
			_ = p.deps.Sessions.Delete(ctx, s.ID())
		}
	}

	var totalBytes int64
	for _, f := range files {
		if p.deps.Upload.Limiter != nil {
			if err := p.deps.Upload.Limiter.CheckSessionCreate(ctx, p.cfg.User, p.cfg.IP); err != nil {
				rollback()
				return nil, err
			}
		}

		chunkCount := f.ChunkCount
		if chunkCount < 1 {
			chunkCount = p.cfg.Sizing.ChunkCount(f.Size)
		}
		sess, err := session.New(session.Config{
			Filename:   f.Filename,
			Container:  container,
			Workspace:  f.Workspace,
			TotalSize:  f.Size,
			ChunkCount: chunkCount,
			BatchID:    item.ID(),
		}, session.WithNotifier(item))
		if err != nil {
			rollback()
			return nil, err
		}
		if err := p.deps.Sessions.Create(ctx, sess); err != nil {
			rollback()
			return nil, err
		}
		created = append(created, sess)
		totalBytes += f.Size
	}

	if p.deps.Tracker != nil {
		p.deps.Tracker.StartTracking(len(files), totalBytes)
	}

	p.mu.Lock()
	p.batches[item.ID()] = item
	p.mu.Unlock()

	recordBatchCreated(len(files))
	logger.Info().
		Str("batch_id", item.ID().String()).
		Str("name", name).
		Int("files", len(files)).
		Msg("queue: batch created")
	return item, nil
}

// coordinator returns the session's coordinator, creating one on first
// use. Kept across passes so retries see earlier chunk records.
func (p *Processor) coordinator(sess *session.Session) *upload.Coordinator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.coords[sess.ID()]; ok {
		return c
	}
	c := upload.NewCoordinator(sess, p.deps.Upload, upload.CoordinatorConfig{
		MaxConcurrent: p.cfg.MaxConcurrentChunks,
		User:          p.cfg.User,
		IP:            p.cfg.IP,
	})
	p.coords[sess.ID()] = c
	return c
}

// ProcessQueue runs one pass over the batch with the configured
// strategy.
func (p *Processor) ProcessQueue(ctx context.Context, batchID uuid.UUID) (*Report, error) {
	return p.ProcessWithPriorityOrder(ctx, batchID, p.cfg.Strategy)
}

// ProcessWithPriorityOrder runs one pass over the batch's pending
// sessions in the order the strategy dictates, up to the configured
// session parallelism. One file failing never aborts its siblings.
func (p *Processor) ProcessWithPriorityOrder(ctx context.Context, batchID uuid.UUID, strategy Strategy) (*Report, error) {
	item, err := p.Batch(batchID)
	if err != nil {
		return nil, err
	}
	if err := item.markProcessing(); err != nil {
		return nil, err
	}

	sessions, err := p.deps.Sessions.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var pending []*session.Session
	for _, s := range sessions {
		if s.Status() == session.StatusPending {
			pending = append(pending, s)
		}
	}
	ordered := orderSessions(pending, strategy)

	sem := semaphore.NewWeighted(int64(p.cfg.MaxConcurrentSessions))
	var wg sync.WaitGroup
	errs := make([]error, len(ordered))

	for i, sess := range ordered {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			_ = sess.Fail(err.Error())
			continue
		}
		wg.Add(1)
		go func(i int, sess *session.Session) {
			defer wg.Done()
			defer sem.Release(1)
			errs[i] = p.processSession(ctx, sess)
		}(i, sess)
	}
	wg.Wait()

	report := p.buildReport(ordered, errs)
	item.settle()
	recordPass(report.Success)
	logger.Info().
		Str("batch_id", batchID.String()).
		Str("strategy", string(strategy)).
		Int("completed", report.CompletedUploads).
		Int("failed", report.FailedUploads).
		Msg("queue: processing pass finished")
	return report, nil
}

func (p *Processor) buildReport(processed []*session.Session, errs []error) *Report {
	report := &Report{TotalUploads: len(processed)}
	for i, sess := range processed {
		switch {
		case sess.Status() == session.StatusCompleted:
			report.CompletedUploads++
		case sess.Status().IsFailure():
			report.FailedUploads++
		}
		if errs[i] != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: %s", sess.Filename(), uperr.ReasonOf(errs[i])))
		}
	}
	report.Success = report.FailedUploads == 0 && len(report.Errors) == 0
	return report
}

// processSession carries one session from pending through upload,
// assembly and the scan gate. A panic anywhere inside fails the
// session instead of taking the whole batch down.
func (p *Processor) processSession(ctx context.Context, sess *session.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("session_id", sess.ID().String()).
				Interface("panic", r).
				Msg("queue: session processing panicked")
			err = uperr.Newf(uperr.KindTransient, "internal error: %v", r)
			if !sess.Status().IsTerminal() {
				_ = sess.Fail(uperr.ReasonOf(err))
			}
		}
	}()

	if p.deps.Tracker != nil {
		p.deps.Tracker.SetCurrentFile(sess.Filename(), 0)
	}

	chunks, err := p.deps.Source.Chunks(ctx, sess)
	if err != nil {
		_ = sess.Fail(uperr.ReasonOf(err))
		return err
	}

	coord := p.coordinator(sess)

	// On a retry pass chunks already completed are filtered out, so a
	// first pass and a retry pass share one entry point.
	results, err := coord.RetryFailedChunks(ctx, chunks)
	if err != nil {
		if !sess.Status().IsTerminal() {
			_ = sess.Fail(uperr.ReasonOf(err))
		}
		return err
	}

	var firstErr error
	for _, r := range results {
		if !r.Success && firstErr == nil {
			firstErr = r.Err
		}
	}
	if firstErr != nil {
		_ = sess.Fail(uperr.ReasonOf(firstErr))
		return firstErr
	}

	if p.deps.Tracker != nil {
		p.deps.Tracker.RecordBytes(sess.TotalSize())
		p.deps.Tracker.AddProgressCheckpoint()
	}

	// A retry pass where every chunk was already in place leaves the
	// session pending; walk it forward so assembly is legal.
	if sess.Status() == session.StatusPending {
		if err := sess.StartUpload(); err != nil {
			return err
		}
	}
	if err := sess.StartAssembly(); err != nil {
		return err
	}

	// Assemble fails the session itself on integrity problems. The
	// scan gate hand-off is included.
	if _, err := p.assembler.Assemble(ctx, sess, coord.Chunks()); err != nil {
		return err
	}
	return nil
}

// RetryFailedUploads moves retryable failed sessions back to pending,
// honoring the per-session retry budget. Infected and cancelled
// sessions are never retried. Run ResumeQueue afterwards to process
// the reset sessions.
func (p *Processor) RetryFailedUploads(ctx context.Context, batchID uuid.UUID) (*RetryReport, error) {
	if _, err := p.Batch(batchID); err != nil {
		return nil, err
	}
	sessions, err := p.deps.Sessions.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	report := &RetryReport{}
	for _, sess := range sessions {
		status := sess.Status()
		if !status.IsTerminal() || status == session.StatusCompleted {
			continue
		}
		if !status.IsRetryable() || status == session.StatusCancelled {
			report.NotRetryable++
			continue
		}
		if sess.RetryCount() >= p.cfg.RetryCap {
			report.AtRetryCap++
			logger.Warn().
				Str("session_id", sess.ID().String()).
				Str("filename", sess.Filename()).
				Int("retries", sess.RetryCount()).
				Msg("queue: retry budget exhausted")
			continue
		}
		if err := sess.Retry(); err != nil {
			report.NotRetryable++
			continue
		}
		report.Retried++
	}
	return report, nil
}

// PauseQueue moves the batch's uploading sessions back to pending.
// Sessions past the upload phase are left alone.
func (p *Processor) PauseQueue(ctx context.Context, batchID uuid.UUID) (*PauseReport, error) {
	if _, err := p.Batch(batchID); err != nil {
		return nil, err
	}
	sessions, err := p.deps.Sessions.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	report := &PauseReport{}
	for _, sess := range sessions {
		if sess.Status() != session.StatusUploading {
			report.Skipped++
			continue
		}
		if err := sess.Pause(); err != nil {
			report.Skipped++
			continue
		}
		report.Paused++
	}
	return report, nil
}

// ResumeQueue re-runs processing over whatever is pending.
func (p *Processor) ResumeQueue(ctx context.Context, batchID uuid.UUID) (*Report, error) {
	return p.ProcessQueue(ctx, batchID)
}

// CancelQueue cancels every session still in a cancellable state and
// forces the batch to cancelled.
func (p *Processor) CancelQueue(ctx context.Context, batchID uuid.UUID) (*CancelReport, error) {
	item, err := p.Batch(batchID)
	if err != nil {
		return nil, err
	}
	sessions, err := p.deps.Sessions.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	report := &CancelReport{}
	for _, sess := range sessions {
		if err := sess.Cancel(); err != nil {
			report.Skipped++
			continue
		}
		report.Cancelled++
	}

	item.markCancelled()
	logger.Info().
		Str("batch_id", batchID.String()).
		Int("cancelled", report.Cancelled).
		Msg("queue: batch cancelled")
	return report, nil
}

// CleanupAndFinalize retires a finished batch: the staged and chunk
// bytes of unsuccessful sessions are deleted, tracking stops and the
// final accounting is returned. Rejected while any session is still
// active.
func (p *Processor) CleanupAndFinalize(ctx context.Context, batchID uuid.UUID) (*CleanupReport, error) {
	item, err := p.Batch(batchID)
	if err != nil {
		return nil, err
	}
	sessions, err := p.deps.Sessions.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if !sess.Status().IsTerminal() {
			return nil, uperr.Newf(uperr.KindValidation,
				"batch still has an active session: %s is %s", sess.Filename(), sess.Status())
		}
	}

	status := item.settle()
	for _, sess := range sessions {
		if sess.Status() == session.StatusCompleted {
			continue
		}
		p.scrubSession(ctx, sess)
	}

	total, completed, failed := item.Counters()
	report := &CleanupReport{
		BatchID:        batchID,
		Status:         status,
		TotalFiles:     total,
		CompletedFiles: completed,
		FailedFiles:    failed,
	}
	if processed := completed + failed; processed > 0 {
		report.Efficiency = float64(completed) / float64(processed)
	}

	if p.deps.Tracker != nil {
		summary := p.deps.Tracker.StopTracking()
		report.Duration = summary.Duration
		report.BytesTransferred = humanize.Bytes(uint64(summary.BytesTransferred))
		report.AverageSpeed = humanize.Bytes(uint64(summary.AverageSpeed)) + "/s"
	}

	recordBatchFinished(string(status))
	logger.Info().
		Str("batch_id", batchID.String()).
		Str("status", string(status)).
		Int("completed", completed).
		Int("failed", failed).
		Msg("queue: batch finalized")
	return report, nil
}

// scrubSession deletes the leftover bytes of an unsuccessful session:
// its staged file and any chunk files it owns.
func (p *Processor) scrubSession(ctx context.Context, sess *session.Session) {
	if key := sess.AssembledKey(); key != "" {
		if err := p.deps.Upload.Store.Delete(ctx, key); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("queue: staged file delete failed")
		}
	}

	p.mu.Lock()
	coord := p.coords[sess.ID()]
	delete(p.coords, sess.ID())
	p.mu.Unlock()
	if coord == nil {
		return
	}
	for _, ch := range coord.Chunks() {
		if ch.Deduplicated || ch.StorageKey == "" {
			continue
		}
		if p.deps.Upload.Dedup != nil {
			p.deps.Upload.Dedup.ForgetChunk(ctx, sess.Workspace(), ch.Checksum)
		}
		if err := p.deps.Upload.Store.Delete(ctx, ch.StorageKey); err != nil {
			logger.Warn().Err(err).Str("key", ch.StorageKey).Msg("queue: chunk delete failed")
		}
	}
}

// GetQueueStatus returns a live snapshot of the batch for pollers.
func (p *Processor) GetQueueStatus(ctx context.Context, batchID uuid.UUID) (*QueueStatus, error) {
	item, err := p.Batch(batchID)
	if err != nil {
		return nil, err
	}

	status := &QueueStatus{
		BatchID: batchID,
		Name:    item.Name(),
		Status:  item.Status(),
	}
	if p.deps.Tracker != nil {
		status.Progress = p.deps.Tracker.CalculateProgress()
		status.Speed = p.deps.Tracker.CalculateUploadSpeed()
		status.ETA = p.deps.Tracker.EstimateCompletionTime()
		status.Trend, status.TrendConfident = p.deps.Tracker.ProgressTrend()
	}
	return status, nil
}

// Batches returns the known batch items, newest first.
func (p *Processor) Batches() []*QueueItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*QueueItem, 0, len(p.batches))
	for _, item := range p.batches {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.After(out[j].createdAt) })
	return out
}
