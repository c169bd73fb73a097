// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"fmt"

	"github.com/UpflowLabs/upflow/pkg/compression"
	"github.com/UpflowLabs/upflow/pkg/dedup"
	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/storage/backend"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"
	"github.com/UpflowLabs/upflow/pkg/utils"
)

// DestinationChecker answers whether the target filename already
// exists at the destination. Collisions abort assembly.
type DestinationChecker interface {
	DestinationExists(ctx context.Context, container, workspace, filename string) (bool, error)
}

// ScanSubmitter hands an assembled file to the scan gate.
type ScanSubmitter interface {
	ScanAssembledFileAsync(ctx context.Context, sess *session.Session) error
}

// Assembler merges a session's completed chunks into one staged file
// and hands it to the scan gate.
type Assembler struct {
	store backend.Storage
	comp  *compression.Compressor
	dedup *dedup.Service
	dest  DestinationChecker
	gate  ScanSubmitter
}

// NewAssembler creates an assembler. comp, dedup, dest and gate may be
// nil; the corresponding steps are skipped.
func NewAssembler(store backend.Storage, comp *compression.Compressor, ddp *dedup.Service, dest DestinationChecker, gate ScanSubmitter) *Assembler {
	return &Assembler{store: store, comp: comp, dedup: ddp, dest: dest, gate: gate}
}

// CanAssemble reports, without side effects, whether the session is in
// assembling status with a completed chunk for every sequence number.
func (a *Assembler) CanAssemble(sess *session.Session, chunks map[int]*types.Chunk) bool {
	if sess.Status() != session.StatusAssembling {
		return false
	}
	for n := 1; n <= sess.ChunkCount(); n++ {
		ch, ok := chunks[n]
		if !ok || ch.Status != types.ChunkCompleted {
			return false
		}
	}
	return true
}

// failAssembly marks the session failed and returns the integrity
// error describing why.
func failAssembly(sess *session.Session, format string, args ...any) error {
	recordAssembly(false)
	err := uperr.Newf(uperr.KindIntegrity, format, args...)
	if ferr := sess.Fail(uperr.ReasonOf(err)); ferr != nil {
		logger.Error().Err(ferr).
			Str("session_id", sess.ID().String()).
			Msg("assembler: could not mark session failed")
	}
	return err
}

// Assemble concatenates the session's chunks in ascending sequence
// order, verifies the result, stages it, deletes the source chunks and
// submits the file for scanning. On any integrity problem the session
// is failed and an error returned.
func (a *Assembler) Assemble(ctx context.Context, sess *session.Session, chunks map[int]*types.Chunk) (string, error) {
	if sess.Status() != session.StatusAssembling {
		return "", uperr.Newf(uperr.KindTransition,
			"cannot assemble a session in status %s", sess.Status())
	}

	buf := utils.SyncPoolGetBuffer()
	defer utils.SyncPoolPutBuffer(buf)
	buf.Grow(int(sess.TotalSize()))

	for n := 1; n <= sess.ChunkCount(); n++ {
		ch, ok := chunks[n]
		if !ok || ch.Status != types.ChunkCompleted {
			return "", failAssembly(sess, "chunk file missing: chunk %d", n)
		}

		data, err := backend.ReadAll(ctx, a.store, ch.StorageKey)
		if err != nil {
			return "", failAssembly(sess, "chunk file missing: chunk %d: %v", n, err)
		}

		if ch.IsCompressed() && a.comp != nil {
			data, err = a.comp.DecompressChunk(&compression.Compressed{
				Number:    ch.Number,
				Checksum:  ch.Checksum,
				Algorithm: compression.ParseAlgorithm(ch.Compression),
				Data:      data,
			})
			if err != nil {
				return "", failAssembly(sess, "chunk %d is corrupt: %v", n, err)
			}
		} else if ch.Checksum != "" && types.ChecksumBytes(data) != ch.Checksum {
			return "", failAssembly(sess, "chunk %d is corrupt: checksum mismatch", n)
		}

		buf.Write(data)
	}

	if int64(buf.Len()) != sess.TotalSize() {
		return "", failAssembly(sess, "assembled size %d does not match declared size %d",
			buf.Len(), sess.TotalSize())
	}

	if a.dest != nil {
		exists, err := a.dest.DestinationExists(ctx, sess.Container(), sess.Workspace(), sess.Filename())
		if err != nil {
			return "", failAssembly(sess, "destination check failed: %v", err)
		}
		if exists {
			return "", failAssembly(sess, "file %q already exists at the destination", sess.Filename())
		}
	}

	stagingKey := types.StagingKey(sess.ID(), sess.Filename())
	if err := backend.WriteBytes(ctx, a.store, stagingKey, buf.Bytes()); err != nil {
		return "", failAssembly(sess, "staging write failed: %v", err)
	}
	sess.SetAssembledKey(stagingKey)

	a.deleteChunks(ctx, sess, chunks)

	if a.gate != nil {
		if err := a.gate.ScanAssembledFileAsync(ctx, sess); err != nil {
			return "", fmt.Errorf("scan hand-off failed: %w", err)
		}
	}

	recordAssembly(true)
	logger.Info().
		Str("session_id", sess.ID().String()).
		Str("staging_key", stagingKey).
		Int64("size", sess.TotalSize()).
		Msg("assembler: file assembled")
	return stagingKey, nil
}

// deleteChunks removes the session's own chunk files after a
// successful merge. Deduplicated records don't own their bytes and
// are skipped; deleted checksums leave the dedup index so later
// lookups can't resolve to a dangling key.
func (a *Assembler) deleteChunks(ctx context.Context, sess *session.Session, chunks map[int]*types.Chunk) {
	for _, ch := range chunks {
		if ch.Deduplicated {
			continue
		}
		if a.dedup != nil {
			a.dedup.ForgetChunk(ctx, sess.Workspace(), ch.Checksum)
		}
		if err := a.store.Delete(ctx, ch.StorageKey); err != nil {
			logger.Warn().Err(err).
				Str("key", ch.StorageKey).
				Msg("assembler: chunk delete failed")
		}
	}
}
