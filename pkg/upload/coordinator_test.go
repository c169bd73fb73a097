// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/UpflowLabs/upflow/pkg/compression"
	"github.com/UpflowLabs/upflow/pkg/dedup"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/storage/backend"
	"github.com/UpflowLabs/upflow/pkg/throttle"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStorage wraps a backend and counts writes per key. failKeys
// makes writes to those keys fail.
type countingStorage struct {
	backend.Storage

	mu       sync.Mutex
	writes   map[string]int
	failKeys map[string]error
}

func newCountingStorage() *countingStorage {
	return &countingStorage{
		Storage:  backend.NewMemoryStorage(),
		writes:   make(map[string]int),
		failKeys: make(map[string]error),
	}
}

func (c *countingStorage) Write(ctx context.Context, key string, data io.Reader, size int64) error {
	c.mu.Lock()
	c.writes[key]++
	err := c.failKeys[key]
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Storage.Write(ctx, key, data, size)
}

func (c *countingStorage) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.writes {
		n += v
	}
	return n
}

func newUploadSession(t *testing.T, totalSize int64, chunkCount int) *session.Session {
	t.Helper()
	s, err := session.New(session.Config{
		Filename:   "recording.txt",
		Container:  "podcasts",
		Workspace:  "ws-1",
		TotalSize:  totalSize,
		ChunkCount: chunkCount,
	})
	require.NoError(t, err)
	return s
}

func testDeps(store backend.Storage) Deps {
	return Deps{
		Store:    store,
		Dedup:    dedup.NewService(dedup.NewMemoryIndex(), true),
		Throttle: throttle.New(0),
	}
}

func splitPayload(data []byte, n int) []ChunkData {
	size := (len(data) + n - 1) / n
	var out []ChunkData
	for i := 0; i < n; i++ {
		lo, hi := i*size, (i+1)*size
		if hi > len(data) {
			hi = len(data)
		}
		out = append(out, ChunkData{Number: i + 1, Data: data[lo:hi]})
	}
	return out
}

func TestUploadChunksParallel(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()

	payload := []byte(strings.Repeat("upflow chunk payload ", 1000))
	chunks := splitPayload(payload, 3)
	sess := newUploadSession(t, int64(len(payload)), 3)

	c := NewCoordinator(sess, testDeps(store), CoordinatorConfig{})
	results, err := c.UploadChunksParallel(ctx, chunks)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.True(t, r.Success, "chunk %d: %v", r.ChunkNumber, r.Err)
		assert.Equal(t, i+1, r.ChunkNumber)
	}
	assert.Equal(t, session.StatusUploading, sess.Status())
	assert.Equal(t, 3, c.CompletedCount())

	for n := 1; n <= 3; n++ {
		rec := c.Chunks()[n]
		require.NotNil(t, rec)
		assert.Equal(t, types.ChunkCompleted, rec.Status)
		assert.NotEmpty(t, rec.Checksum)
		assert.Equal(t, types.ChunkKey(sess.ID(), n), rec.StorageKey)

		exists, err := store.Exists(ctx, rec.StorageKey)
		require.NoError(t, err)
		assert.True(t, exists)
	}
}

func TestUploadRejectsTerminalSession(t *testing.T) {
	sess := newUploadSession(t, 100, 1)
	require.NoError(t, sess.Cancel())

	c := NewCoordinator(sess, testDeps(newCountingStorage()), CoordinatorConfig{})
	_, err := c.UploadChunksParallel(context.Background(), []ChunkData{{Number: 1, Data: []byte("x")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not accepting chunks")
}

func TestUploadValidatesChunkList(t *testing.T) {
	sess := newUploadSession(t, 100, 2)
	c := NewCoordinator(sess, testDeps(newCountingStorage()), CoordinatorConfig{})
	ctx := context.Background()

	tests := []struct {
		name   string
		chunks []ChunkData
	}{
		{"zero number", []ChunkData{{Number: 0, Data: []byte("x")}}},
		{"beyond declared count", []ChunkData{{Number: 3, Data: []byte("x")}}},
		{"empty payload", []ChunkData{{Number: 1}}},
		{"duplicate numbers", []ChunkData{{Number: 1, Data: []byte("x")}, {Number: 1, Data: []byte("y")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.UploadChunksParallel(ctx, tt.chunks)
			assert.True(t, uperr.IsKind(err, uperr.KindValidation), "got %v", err)
			assert.Equal(t, session.StatusPending, sess.Status(), "no state mutation on validation failure")
		})
	}
}

func TestUploadFailureDoesNotAbortSiblings(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()

	payload := []byte(strings.Repeat("data", 600))
	chunks := splitPayload(payload, 3)
	sess := newUploadSession(t, int64(len(payload)), 3)

	// Chunks carry distinct content so dedup cannot mask the failure.
	for i := range chunks {
		chunks[i].Data[0] = byte('a' + i)
	}

	store.failKeys[types.ChunkKey(sess.ID(), 2)] = errors.New("Network timeout")

	c := NewCoordinator(sess, testDeps(store), CoordinatorConfig{})
	results, err := c.UploadChunksParallel(ctx, chunks)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.ErrorContains(t, results[1].Err, "Network timeout")
	assert.True(t, results[2].Success)
	assert.Equal(t, 2, c.CompletedCount())
}

func TestRetryFailedChunks(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()

	payload := []byte(strings.Repeat("data", 600))
	chunks := splitPayload(payload, 3)
	for i := range chunks {
		chunks[i].Data[0] = byte('a' + i)
	}
	sess := newUploadSession(t, int64(len(payload)), 3)

	failKey := types.ChunkKey(sess.ID(), 2)
	store.failKeys[failKey] = errors.New("Network timeout")

	c := NewCoordinator(sess, testDeps(store), CoordinatorConfig{})
	_, err := c.UploadChunksParallel(ctx, chunks)
	require.NoError(t, err)
	writesBefore := c.CompletedCount()
	require.Equal(t, 2, writesBefore)

	// The transient failure clears; retry must resubmit only chunk 2.
	store.mu.Lock()
	delete(store.failKeys, failKey)
	store.mu.Unlock()
	writesSoFar := store.writeCount()

	results, err := c.RetryFailedChunks(ctx, chunks)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].ChunkNumber)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, c.CompletedCount())
	assert.Equal(t, writesSoFar+1, store.writeCount(), "completed chunks are not re-uploaded")

	// Nothing left to retry.
	results, err = c.RetryFailedChunks(ctx, chunks)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUploadDeduplicatesWithinRequest(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()

	same := []byte(strings.Repeat("identical chunk content ", 100))
	chunks := []ChunkData{
		{Number: 1, Data: same},
		{Number: 2, Data: same},
		{Number: 3, Data: same},
	}
	sess := newUploadSession(t, int64(3*len(same)), 3)

	c := NewCoordinator(sess, testDeps(store), CoordinatorConfig{})
	results, err := c.UploadChunksParallel(ctx, chunks)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, "chunk %d: %v", r.ChunkNumber, r.Err)
	}

	assert.Equal(t, 1, store.writeCount(), "identical content transfers once")

	recs := c.Chunks()
	wantKey := types.ChunkKey(sess.ID(), 1)
	for n := 1; n <= 3; n++ {
		assert.Equal(t, wantKey, recs[n].StorageKey)
		assert.Equal(t, types.ChunkCompleted, recs[n].Status)
	}
	assert.False(t, recs[1].Deduplicated)
	assert.True(t, recs[2].Deduplicated)
	assert.True(t, recs[3].Deduplicated)
}

func TestUploadDeduplicatesAcrossSessions(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()
	deps := testDeps(store)

	payload := []byte(strings.Repeat("shared workspace content ", 100))

	first := newUploadSession(t, int64(len(payload)), 1)
	c1 := NewCoordinator(first, deps, CoordinatorConfig{})
	_, err := c1.UploadChunksParallel(ctx, []ChunkData{{Number: 1, Data: payload}})
	require.NoError(t, err)

	second, err := session.New(session.Config{
		Filename: "other.txt", Container: "podcasts", Workspace: "ws-1",
		TotalSize: int64(len(payload)), ChunkCount: 1,
	})
	require.NoError(t, err)

	c2 := NewCoordinator(second, deps, CoordinatorConfig{})
	results, err := c2.UploadChunksParallel(ctx, []ChunkData{{Number: 1, Data: payload}})
	require.NoError(t, err)
	require.True(t, results[0].Success)

	rec := c2.Chunks()[1]
	assert.True(t, rec.Deduplicated)
	assert.Equal(t, types.ChunkKey(first.ID(), 1), rec.StorageKey)
	assert.Equal(t, 1, store.writeCount(), "second session reuses the stored bytes")
}

func TestUploadCompressesChunks(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()

	comp, err := compression.New(compression.DefaultConfig())
	require.NoError(t, err)
	deps := testDeps(store)
	deps.Compressor = comp

	payload := []byte(strings.Repeat("very compressible text ", 1000))
	sess := newUploadSession(t, int64(len(payload)), 1)

	c := NewCoordinator(sess, deps, CoordinatorConfig{})
	results, err := c.UploadChunksParallel(ctx, []ChunkData{{Number: 1, Data: payload}})
	require.NoError(t, err)
	require.True(t, results[0].Success)

	rec := c.Chunks()[1]
	assert.Equal(t, "zstd", rec.Compression)
	assert.Equal(t, int64(len(payload)), rec.OriginalSize)
	assert.Less(t, rec.Size, rec.OriginalSize)

	stored, err := backend.ReadAll(ctx, store, rec.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, rec.Size, int64(len(stored)))
}

func TestUploadObservesCancellation(t *testing.T) {
	store := newCountingStorage()
	payload := []byte(strings.Repeat("data", 600))
	chunks := splitPayload(payload, 3)
	sess := newUploadSession(t, int64(len(payload)), 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCoordinator(sess, testDeps(store), CoordinatorConfig{MaxConcurrent: 1})
	results, err := c.UploadChunksParallel(ctx, chunks)
	require.NoError(t, err)

	for _, r := range results {
		assert.False(t, r.Success, "chunk %d dispatched after cancellation", r.ChunkNumber)
	}
}
