// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"context"

	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/google/uuid"
)

// Stats summarizes one deduplication pass over a chunk list.
type Stats struct {
	TotalChunks        int     `json:"total_chunks"`
	UploadedChunks     int     `json:"uploaded_chunks"`
	DeduplicatedChunks int     `json:"deduplicated_chunks"`
	BytesSaved         int64   `json:"bytes_saved"`
	Ratio              float64 `json:"ratio"`
}

// Result partitions a chunk list into chunks that must be transferred
// and chunks satisfied by existing storage.
type Result struct {
	// Unique chunks must be uploaded.
	Unique []*types.Chunk

	// Deduplicated chunks are completed records pointing at existing
	// storage keys. No bytes move for these.
	Deduplicated []*types.Chunk

	Stats Stats
}

// Service decides which chunks of an upload can reuse existing
// storage. Disabled mode is a pass-through that never deduplicates.
type Service struct {
	index   Index
	enabled bool
}

// NewService creates a deduplication service over the given index.
func NewService(index Index, enabled bool) *Service {
	return &Service{index: index, enabled: enabled}
}

// Enabled reports whether deduplication is active.
func (s *Service) Enabled() bool { return s.enabled }

// FindDuplicateChunks resolves checksums to existing completed chunks
// in the same workspace. Empty input yields an empty map. A missing
// workspace is a caller bug, not a lookup miss.
func (s *Service) FindDuplicateChunks(ctx context.Context, checksums []string, workspace string) (map[string]Entry, error) {
	if workspace == "" {
		return nil, uperr.New(uperr.KindValidation, "workspace is required for dedup lookups")
	}
	if !s.enabled || len(checksums) == 0 {
		return map[string]Entry{}, nil
	}
	return s.index.Lookup(ctx, workspace, checksums)
}

// DeduplicateChunkList partitions chunks into unique and deduplicated
// sets. A checksum known to the workspace index resolves every
// occurrence to the index entry's key; within-list repeats of a new
// checksum point at the first occurrence's upcoming key.
func (s *Service) DeduplicateChunkList(ctx context.Context, chunks []*types.Chunk, sessionID uuid.UUID, workspace string) (*Result, error) {
	res := &Result{Stats: Stats{TotalChunks: len(chunks)}}

	if !s.enabled {
		res.Unique = chunks
		res.Stats.UploadedChunks = len(chunks)
		return res, nil
	}
	if len(chunks) == 0 {
		return res, nil
	}

	// One lookup over the distinct checksums, resolved before the
	// within-list pass. An index hit must win for every occurrence:
	// if the first occurrence reuses an existing key, this session
	// never writes its own chunk file, so repeats cannot point at one.
	sums := make([]string, 0, len(chunks))
	distinct := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if c.Checksum == "" {
			continue
		}
		if _, ok := distinct[c.Checksum]; ok {
			continue
		}
		distinct[c.Checksum] = struct{}{}
		sums = append(sums, c.Checksum)
	}
	existing, err := s.FindDuplicateChunks(ctx, sums, workspace)
	if err != nil {
		return nil, err
	}

	first := make(map[string]*types.Chunk, len(sums))
	for _, c := range chunks {
		if c.Checksum == "" {
			res.Unique = append(res.Unique, c)
			continue
		}
		if e, ok := existing[c.Checksum]; ok {
			res.Deduplicated = append(res.Deduplicated, CopyChunkForSession(c, sessionID, e))
			continue
		}
		if f, dup := first[c.Checksum]; dup {
			key := f.StorageKey
			if key == "" {
				key = types.ChunkKey(sessionID, f.Number)
			}
			res.Deduplicated = append(res.Deduplicated,
				CopyChunkForSession(c, sessionID, Entry{StorageKey: key, Size: f.Size}))
			continue
		}
		first[c.Checksum] = c
		res.Unique = append(res.Unique, c)
	}

	res.Stats.UploadedChunks = len(res.Unique)
	res.Stats.DeduplicatedChunks = len(res.Deduplicated)
	for _, c := range res.Deduplicated {
		res.Stats.BytesSaved += c.Size
	}
	if res.Stats.TotalChunks > 0 {
		res.Stats.Ratio = float64(res.Stats.DeduplicatedChunks) / float64(res.Stats.TotalChunks)
	}

	recordDedup(res.Stats)
	if res.Stats.DeduplicatedChunks > 0 {
		logger.Debug().
			Str("session_id", sessionID.String()).
			Int("deduplicated", res.Stats.DeduplicatedChunks).
			Int64("bytes_saved", res.Stats.BytesSaved).
			Msg("dedup: reused existing chunks")
	}
	return res, nil
}

// CopyChunkForSession materializes a completed chunk record pointing
// at an existing storage key. No bytes are copied.
func CopyChunkForSession(src *types.Chunk, sessionID uuid.UUID, e Entry) *types.Chunk {
	return &types.Chunk{
		SessionID:    sessionID,
		Number:       src.Number,
		Size:         src.Size,
		Status:       types.ChunkCompleted,
		Checksum:     src.Checksum,
		StorageKey:   e.StorageKey,
		Compression:  e.Compression,
		OriginalSize: e.OriginalSize,
		Deduplicated: true,
	}
}

// RecordChunk indexes a freshly uploaded chunk so later sessions can
// reuse it. Failures are logged, never fatal: a missed index write
// only costs a future re-upload.
func (s *Service) RecordChunk(ctx context.Context, workspace string, c *types.Chunk) {
	if !s.enabled || c.Checksum == "" || c.Status != types.ChunkCompleted || c.Deduplicated {
		return
	}
	err := s.index.Put(ctx, workspace, c.Checksum, Entry{
		StorageKey:   c.StorageKey,
		Size:         c.Size,
		Compression:  c.Compression,
		OriginalSize: c.OriginalSize,
	})
	if err != nil {
		logger.Warn().Err(err).
			Str("workspace", workspace).
			Str("checksum", c.Checksum).
			Msg("dedup: index write failed")
	}
}

// ForgetChunk drops a checksum from the index, e.g. when the chunk
// file it points at is about to be deleted.
func (s *Service) ForgetChunk(ctx context.Context, workspace, checksum string) {
	if !s.enabled || checksum == "" {
		return
	}
	if err := s.index.Forget(ctx, workspace, checksum); err != nil {
		logger.Warn().Err(err).
			Str("workspace", workspace).
			Str("checksum", checksum).
			Msg("dedup: index forget failed")
	}
}
