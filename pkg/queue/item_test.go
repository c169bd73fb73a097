// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"testing"

	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueItemCompletesWhenAllFilesAccountedFor(t *testing.T) {
	item := NewQueueItem("album", "upload", 3, nil)
	assert.Equal(t, StatusPending, item.Status())
	require.NoError(t, item.markProcessing())

	item.SessionTransitioned(nil, session.StatusFinalizing, session.StatusCompleted)
	item.SessionTransitioned(nil, session.StatusFinalizing, session.StatusCompleted)
	assert.Equal(t, StatusProcessing, item.Status())

	item.SessionTransitioned(nil, session.StatusFinalizing, session.StatusCompleted)
	assert.Equal(t, StatusCompleted, item.Status())

	total, completed, failed := item.Counters()
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, completed)
	assert.Equal(t, 0, failed)
}

func TestQueueItemAnyFailureSettlesFailed(t *testing.T) {
	item := NewQueueItem("album", "upload", 2, nil)
	require.NoError(t, item.markProcessing())

	item.SessionTransitioned(nil, session.StatusFinalizing, session.StatusCompleted)
	item.SessionTransitioned(nil, session.StatusUploading, session.StatusFailed)

	assert.Equal(t, StatusFailed, item.Status())
	_, completed, failed := item.Counters()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
}

func TestQueueItemFailureToFailureMovesOneUnit(t *testing.T) {
	item := NewQueueItem("album", "upload", 2, nil)

	// A session moving between two failure states must not count
	// twice.
	item.SessionTransitioned(nil, session.StatusUploading, session.StatusFailed)
	item.SessionTransitioned(nil, session.StatusFailed, session.StatusFailed)

	total, completed, failed := item.Counters()
	assert.Equal(t, 1, failed)
	assert.LessOrEqual(t, completed+failed, total)
}

func TestQueueItemRetryReturnsFailureUnit(t *testing.T) {
	item := NewQueueItem("album", "upload", 1, nil)
	require.NoError(t, item.markProcessing())

	item.SessionTransitioned(nil, session.StatusUploading, session.StatusFailed)
	assert.Equal(t, StatusFailed, item.Status())

	// Retry resurrects the batch and returns the failed unit.
	item.SessionTransitioned(nil, session.StatusFailed, session.StatusPending)
	assert.Equal(t, StatusProcessing, item.Status())
	_, _, failed := item.Counters()
	assert.Equal(t, 0, failed)

	item.SessionTransitioned(nil, session.StatusFinalizing, session.StatusCompleted)
	assert.Equal(t, StatusCompleted, item.Status())
}

func TestQueueItemCancelledIsSticky(t *testing.T) {
	item := NewQueueItem("album", "upload", 1, nil)
	item.markCancelled()

	item.SessionTransitioned(nil, session.StatusFinalizing, session.StatusCompleted)
	assert.Equal(t, StatusCancelled, item.Status())

	err := item.markProcessing()
	require.Error(t, err)
	assert.True(t, uperr.IsKind(err, uperr.KindTransition))
}

func TestQueueItemMarkProcessingFromCompleted(t *testing.T) {
	item := NewQueueItem("album", "upload", 1, nil)
	item.SessionTransitioned(nil, session.StatusFinalizing, session.StatusCompleted)
	require.Equal(t, StatusCompleted, item.Status())

	err := item.markProcessing()
	require.Error(t, err)
	assert.True(t, uperr.IsKind(err, uperr.KindTransition))
}

func TestQueueItemConcurrentNotifications(t *testing.T) {
	const files = 100
	item := NewQueueItem("album", "upload", files, nil)

	var wg sync.WaitGroup
	for i := 0; i < files; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				item.SessionTransitioned(nil, session.StatusUploading, session.StatusFailed)
				return
			}
			item.SessionTransitioned(nil, session.StatusFinalizing, session.StatusCompleted)
		}(i)
	}
	wg.Wait()

	total, completed, failed := item.Counters()
	assert.Equal(t, files, total)
	assert.Equal(t, 25, failed)
	assert.Equal(t, 75, completed)
	assert.Equal(t, StatusFailed, item.Status())
}

func TestQueueItemMetadataCopied(t *testing.T) {
	meta := map[string]any{"source": "mobile"}
	item := NewQueueItem("album", "upload", 1, meta)

	meta["source"] = "changed"
	v, ok := item.Meta("source")
	require.True(t, ok)
	assert.Equal(t, "mobile", v)
}
