// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/hex"
	"fmt"

	"github.com/UpflowLabs/upflow/pkg/uperr"
	"github.com/UpflowLabs/upflow/pkg/utils"

	"github.com/google/uuid"
)

// MaxFileSize is the hard cap for a single upload session (5 GiB).
const MaxFileSize = 5 << 30

// ChunkStatus represents the upload state of one chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// Chunk is one ordered byte-range of an upload session. Sequence
// numbers are 1-based and unique per session. The checksum is set once
// the chunk reaches ChunkCompleted.
type Chunk struct {
	SessionID    uuid.UUID   `json:"session_id"`
	Number       int         `json:"number"`
	Size         int64       `json:"size"`
	Status       ChunkStatus `json:"status"`
	Checksum     string      `json:"checksum,omitempty"`
	StorageKey   string      `json:"storage_key,omitempty"`
	OriginalSize int64       `json:"original_size,omitempty"` // size before compression (0 = same as Size)
	Compression  string      `json:"compression,omitempty"`
	Deduplicated bool        `json:"deduplicated,omitempty"`
	CompletedAt  int64       `json:"completed_at,omitempty"` // unix nano
}

// Validate checks the structural invariants of a chunk record.
func (c *Chunk) Validate() error {
	if c.Number < 1 {
		return uperr.Newf(uperr.KindValidation, "chunk number must be >= 1, got %d", c.Number)
	}
	if c.Size <= 0 {
		return uperr.Newf(uperr.KindValidation, "chunk %d has non-positive size %d", c.Number, c.Size)
	}
	return nil
}

// GetOriginalSize returns the uncompressed size of the chunk payload.
func (c *Chunk) GetOriginalSize() int64 {
	if c.OriginalSize > 0 {
		return c.OriginalSize
	}
	return c.Size
}

// IsCompressed returns true if the stored bytes are compressed.
func (c *Chunk) IsCompressed() bool {
	return c.Compression != "" && c.Compression != "none"
}

// ChecksumBytes computes the content checksum used for dedup lookups
// and integrity verification.
func ChecksumBytes(data []byte) string {
	h := utils.Sha256PoolGetHasher()
	h.Write(data)
	sum := h.Sum(nil)
	utils.Sha256PoolPutHasher(h)
	return hex.EncodeToString(sum)
}

// ChunkKey returns the storage key for a (session, chunk number) pair.
// Each pair maps to exactly one key, so overwrite-on-reupload is safe.
func ChunkKey(sessionID uuid.UUID, number int) string {
	return fmt.Sprintf("sessions/%s/chunks/%06d", sessionID, number)
}

// StagingKey returns the storage key for a session's assembled file
// while it waits for the scan verdict.
func StagingKey(sessionID uuid.UUID, filename string) string {
	return fmt.Sprintf("staging/%s/%s", sessionID, filename)
}
