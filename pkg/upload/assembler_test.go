// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"strings"
	"testing"

	"github.com/UpflowLabs/upflow/pkg/compression"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/storage/backend"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDest struct{ exists bool }

func (f fakeDest) DestinationExists(ctx context.Context, container, workspace, filename string) (bool, error) {
	return f.exists, nil
}

// uploadAll pushes a payload through a coordinator and moves the
// session to assembling.
func uploadAll(t *testing.T, deps Deps, payload []byte, chunkCount int) (*session.Session, *Coordinator) {
	t.Helper()
	sess := newUploadSession(t, int64(len(payload)), chunkCount)
	c := NewCoordinator(sess, deps, CoordinatorConfig{})

	results, err := c.UploadChunksParallel(context.Background(), splitPayload(payload, chunkCount))
	require.NoError(t, err)
	for _, r := range results {
		require.True(t, r.Success, "chunk %d: %v", r.ChunkNumber, r.Err)
	}
	require.NoError(t, sess.StartAssembly())
	return sess, c
}

func TestAssembleRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()
	comp, err := compression.New(compression.DefaultConfig())
	require.NoError(t, err)

	deps := testDeps(store)
	deps.Compressor = comp

	payload := []byte(strings.Repeat("assembled media payload ", 1000))
	sess, c := uploadAll(t, deps, payload, 4)

	a := NewAssembler(store, comp, deps.Dedup, fakeDest{}, nil)
	require.True(t, a.CanAssemble(sess, c.Chunks()))

	stagingKey, err := a.Assemble(ctx, sess, c.Chunks())
	require.NoError(t, err)
	assert.Equal(t, types.StagingKey(sess.ID(), sess.Filename()), stagingKey)
	assert.Equal(t, stagingKey, sess.AssembledKey())

	staged, err := backend.ReadAll(ctx, store, stagingKey)
	require.NoError(t, err)
	assert.Equal(t, payload, staged, "byte-exact reassembly")

	// Source chunk files are gone after a successful merge.
	for n := 1; n <= 4; n++ {
		rec := c.Chunks()[n]
		if rec.Deduplicated {
			continue
		}
		exists, err := store.Exists(ctx, rec.StorageKey)
		require.NoError(t, err)
		assert.False(t, exists, "chunk %d still staged", n)
	}
}

// seqPayload builds a payload whose chunks never collide under dedup.
func seqPayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestCanAssembleRequiresEveryChunk(t *testing.T) {
	store := newCountingStorage()
	payload := seqPayload(4096)
	sess, c := uploadAll(t, testDeps(store), payload, 4)

	a := NewAssembler(store, nil, nil, nil, nil)

	chunks := c.Chunks()
	require.True(t, a.CanAssemble(sess, chunks))

	delete(chunks, 3)
	assert.False(t, a.CanAssemble(sess, chunks))
}

func TestAssembleMissingChunkFails(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()
	payload := seqPayload(4096)
	sess, c := uploadAll(t, testDeps(store), payload, 4)

	chunks := c.Chunks()
	require.NoError(t, store.Delete(ctx, chunks[2].StorageKey))

	a := NewAssembler(store, nil, nil, nil, nil)
	_, err := a.Assemble(ctx, sess, chunks)
	require.Error(t, err)
	assert.True(t, uperr.IsKind(err, uperr.KindIntegrity))
	assert.Contains(t, err.Error(), "chunk file missing")
	assert.Equal(t, session.StatusFailed, sess.Status())
}

func TestAssembleSizeMismatchFails(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()

	payload := seqPayload(4096)
	sess, err := session.New(session.Config{
		Filename:   "recording.txt",
		Container:  "podcasts",
		Workspace:  "ws-1",
		TotalSize:  int64(len(payload)) + 1, // declared size off by one
		ChunkCount: 2,
	})
	require.NoError(t, err)

	c := NewCoordinator(sess, testDeps(store), CoordinatorConfig{})
	_, err = c.UploadChunksParallel(ctx, splitPayload(payload, 2))
	require.NoError(t, err)
	require.NoError(t, sess.StartAssembly())

	a := NewAssembler(store, nil, nil, nil, nil)
	_, err = a.Assemble(ctx, sess, c.Chunks())
	require.Error(t, err)
	assert.True(t, uperr.IsKind(err, uperr.KindIntegrity))
	assert.Contains(t, err.Error(), "does not match declared size")
	assert.Equal(t, session.StatusFailed, sess.Status())
}

func TestAssembleDestinationCollisionFails(t *testing.T) {
	ctx := context.Background()
	store := newCountingStorage()
	payload := seqPayload(4096)
	sess, c := uploadAll(t, testDeps(store), payload, 2)

	a := NewAssembler(store, nil, nil, fakeDest{exists: true}, nil)
	_, err := a.Assemble(ctx, sess, c.Chunks())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, session.StatusFailed, sess.Status())
}

func TestAssembleRequiresAssemblingStatus(t *testing.T) {
	store := newCountingStorage()
	sess := newUploadSession(t, 100, 1)

	a := NewAssembler(store, nil, nil, nil, nil)
	_, err := a.Assemble(context.Background(), sess, nil)
	assert.True(t, uperr.IsKind(err, uperr.KindTransition))
	assert.Equal(t, session.StatusPending, sess.Status(), "precondition failure mutates nothing")
}
