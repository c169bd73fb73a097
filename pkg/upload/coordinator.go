// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package upload moves one session's chunks into storage and carries
// them through assembly and the scan gate. Transfers run under a
// bounded worker pool; per-chunk failures never abort siblings.
package upload

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/UpflowLabs/upflow/pkg/compression"
	"github.com/UpflowLabs/upflow/pkg/dedup"
	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/ratelimit"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/storage/backend"
	"github.com/UpflowLabs/upflow/pkg/throttle"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the per-session chunk transfer parallelism.
const DefaultMaxConcurrent = 3

// ChunkData is the caller-supplied payload for one chunk.
type ChunkData struct {
	Number int
	Data   []byte
}

// Result is the outcome of one chunk transfer.
type Result struct {
	ChunkNumber int
	Success     bool
	Err         error
}

// Deps are the collaborators a Coordinator transfers through. Store is
// required; the rest degrade gracefully when nil (no dedup, no
// compression, no limits).
type Deps struct {
	Store      backend.Storage
	Dedup      *dedup.Service
	Compressor *compression.Compressor
	Limiter    *ratelimit.Limiter
	Throttle   *throttle.Throttle
}

// CoordinatorConfig tunes one session's coordinator.
type CoordinatorConfig struct {
	// MaxConcurrent bounds parallel chunk transfers for this session.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// User and IP feed the rate limiter keys.
	User string
	IP   string
}

// Coordinator uploads one session's chunks with bounded concurrency.
// Safe for concurrent use, though callers normally drive it from one
// goroutine per session.
type Coordinator struct {
	sess *session.Session
	deps Deps
	cfg  CoordinatorConfig

	mu     sync.Mutex
	chunks map[int]*types.Chunk
}

// NewCoordinator creates a coordinator for one session.
func NewCoordinator(sess *session.Session, deps Deps, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Coordinator{
		sess:   sess,
		deps:   deps,
		cfg:    cfg,
		chunks: make(map[int]*types.Chunk),
	}
}

// Session returns the session this coordinator drives.
func (c *Coordinator) Session() *session.Session { return c.sess }

// Chunks returns a snapshot of the chunk records by sequence number.
func (c *Coordinator) Chunks() map[int]*types.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]*types.Chunk, len(c.chunks))
	for n, ch := range c.chunks {
		out[n] = ch
	}
	return out
}

// CompletedCount returns how many chunks have completed so far.
func (c *Coordinator) CompletedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ch := range c.chunks {
		if ch.Status == types.ChunkCompleted {
			n++
		}
	}
	return n
}

func (c *Coordinator) putChunk(ch *types.Chunk) {
	c.mu.Lock()
	c.chunks[ch.Number] = ch
	c.mu.Unlock()
}

// validateChunkList rejects a malformed request before any state
// mutation.
func (c *Coordinator) validateChunkList(chunks []ChunkData) error {
	seen := make(map[int]struct{}, len(chunks))
	for _, ch := range chunks {
		if ch.Number < 1 {
			return uperr.Newf(uperr.KindValidation, "chunk number must be >= 1, got %d", ch.Number)
		}
		if ch.Number > c.sess.ChunkCount() {
			return uperr.Newf(uperr.KindValidation,
				"chunk number %d exceeds declared chunk count %d", ch.Number, c.sess.ChunkCount())
		}
		if len(ch.Data) == 0 {
			return uperr.Newf(uperr.KindValidation, "chunk %d has no payload", ch.Number)
		}
		if _, dup := seen[ch.Number]; dup {
			return uperr.Newf(uperr.KindValidation, "chunk %d appears twice in the request", ch.Number)
		}
		seen[ch.Number] = struct{}{}
	}
	return nil
}

// UploadChunksParallel transfers the given chunks under the
// concurrency bound. Each chunk gets its own result; failures do not
// abort siblings. The whole call is rejected only for terminal
// sessions and malformed chunk lists.
func (c *Coordinator) UploadChunksParallel(ctx context.Context, chunks []ChunkData) ([]Result, error) {
	if status := c.sess.Status(); status.IsTerminal() {
		return nil, uperr.Newf(uperr.KindValidation,
			"session in status %s is not accepting chunks", status)
	}
	if err := c.validateChunkList(chunks); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	if c.sess.Status() == session.StatusPending {
		if err := c.sess.StartUpload(); err != nil {
			return nil, err
		}
	}

	payloads := make(map[int][]byte, len(chunks))
	records := make([]*types.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		payloads[ch.Number] = ch.Data
		records = append(records, &types.Chunk{
			SessionID: c.sess.ID(),
			Number:    ch.Number,
			Size:      int64(len(ch.Data)),
			Status:    types.ChunkPending,
			Checksum:  types.ChecksumBytes(ch.Data),
		})
	}

	unique := records
	var copies []*types.Chunk
	if c.deps.Dedup != nil {
		res, err := c.deps.Dedup.DeduplicateChunkList(ctx, records, c.sess.ID(), c.sess.Workspace())
		if err != nil {
			return nil, err
		}
		unique, copies = res.Unique, res.Deduplicated
	}

	results := make(map[int]Result, len(chunks))

	// Copies referencing keys owned by other sessions complete right
	// away. Copies backed by a chunk in this very request wait for the
	// backing transfer.
	backing := make(map[string]int, len(unique))
	for _, ch := range unique {
		backing[ch.Checksum] = ch.Number
	}
	var deferred []*types.Chunk
	for _, dup := range copies {
		if _, inFlight := backing[dup.Checksum]; inFlight {
			deferred = append(deferred, dup)
			continue
		}
		c.putChunk(dup)
		results[dup.Number] = Result{ChunkNumber: dup.Number, Success: true}
	}

	uploadResults := c.transferAll(ctx, unique, payloads)
	for _, r := range uploadResults {
		results[r.ChunkNumber] = r
	}

	// Settle deferred within-request copies against their backing
	// chunk's outcome.
	for _, dup := range deferred {
		backer := c.chunkByNumber(backing[dup.Checksum])
		if backer != nil && backer.Status == types.ChunkCompleted {
			dup.Status = types.ChunkCompleted
			dup.Size = backer.Size
			dup.Compression = backer.Compression
			dup.OriginalSize = backer.OriginalSize
			dup.CompletedAt = backer.CompletedAt
			c.putChunk(dup)
			results[dup.Number] = Result{ChunkNumber: dup.Number, Success: true}
			continue
		}
		dup.Status = types.ChunkFailed
		c.putChunk(dup)
		results[dup.Number] = Result{
			ChunkNumber: dup.Number,
			Err: uperr.Newf(uperr.KindTransient,
				"chunk %d duplicates chunk %d, which failed to upload", dup.Number, backing[dup.Checksum]),
		}
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkNumber < out[j].ChunkNumber })
	return out, nil
}

func (c *Coordinator) chunkByNumber(n int) *types.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks[n]
}

// transferAll runs the real uploads under the concurrency bound.
func (c *Coordinator) transferAll(ctx context.Context, chunks []*types.Chunk, payloads map[int][]byte) []Result {
	results := make([]Result, len(chunks))
	sem := semaphore.NewWeighted(int64(c.cfg.MaxConcurrent))
	var wg sync.WaitGroup

	for i, ch := range chunks {
		// Cancellation is observed here, at the scheduling point. An
		// in-flight transfer is never interrupted mid-byte.
		if err := sem.Acquire(ctx, 1); err != nil {
			ch.Status = types.ChunkFailed
			c.putChunk(ch)
			results[i] = Result{ChunkNumber: ch.Number, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int, ch *types.Chunk) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = c.transferOne(ctx, ch, payloads[ch.Number])
		}(i, ch)
	}
	wg.Wait()
	return results
}

// transferOne uploads a single chunk: rate check, compress, throttled
// store write.
func (c *Coordinator) transferOne(ctx context.Context, ch *types.Chunk, data []byte) Result {
	ch.Status = types.ChunkUploading
	c.putChunk(ch)

	fail := func(err error) Result {
		ch.Status = types.ChunkFailed
		c.putChunk(ch)
		recordChunk(false, 0)
		return Result{ChunkNumber: ch.Number, Err: err}
	}

	if c.deps.Limiter != nil {
		if err := c.deps.Limiter.CheckChunkUpload(ctx, c.cfg.User, c.cfg.IP, c.sess.ID(), int64(len(data))); err != nil {
			return fail(err)
		}
	}

	stored := data
	if c.deps.Compressor != nil {
		packed, err := c.deps.Compressor.CompressChunk(ch, data, c.sess.Filename())
		if err != nil {
			return fail(err)
		}
		stored = packed.Data
		if packed.Algorithm != compression.None {
			ch.Compression = packed.Algorithm.String()
			ch.OriginalSize = packed.OriginalSize
			c.deps.Compressor.AdaptSettings(compression.Performance{
				Elapsed: packed.Elapsed,
				Ratio:   packed.Ratio,
			})
		}
	}

	key := types.ChunkKey(c.sess.ID(), ch.Number)
	write := func(ctx context.Context) error {
		return backend.WriteBytes(ctx, c.deps.Store, key, stored)
	}
	var err error
	if c.deps.Throttle != nil {
		err = c.deps.Throttle.ThrottleParallel(ctx, int64(len(stored)), c.cfg.MaxConcurrent, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		logger.Warn().Err(err).
			Str("session_id", c.sess.ID().String()).
			Int("chunk", ch.Number).
			Msg("upload: chunk transfer failed")
		return fail(err)
	}

	ch.Size = int64(len(stored))
	ch.StorageKey = key
	ch.Status = types.ChunkCompleted
	ch.CompletedAt = time.Now().UnixNano()
	c.putChunk(ch)

	if c.deps.Dedup != nil {
		c.deps.Dedup.RecordChunk(ctx, c.sess.Workspace(), ch)
	}
	recordChunk(true, len(stored))
	return Result{ChunkNumber: ch.Number, Success: true}
}

// RetryFailedChunks re-submits only the chunks whose record is not
// completed, preserving chunk numbering.
func (c *Coordinator) RetryFailedChunks(ctx context.Context, chunks []ChunkData) ([]Result, error) {
	var pending []ChunkData
	c.mu.Lock()
	for _, ch := range chunks {
		if rec, ok := c.chunks[ch.Number]; ok && rec.Status == types.ChunkCompleted {
			continue
		}
		pending = append(pending, ch)
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil, nil
	}
	return c.UploadChunksParallel(ctx, pending)
}
