// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() (*Tracker, *time.Time) {
	current := time.Unix(1_700_000_000, 0)
	t := NewTracker(WithClock(func() time.Time { return current }))
	return t, &current
}

func TestCalculateProgress(t *testing.T) {
	tr, _ := newTestTracker()
	tr.StartTracking(4, 4000)

	tr.RecordBytes(1000)
	tr.RecordFileCompleted()
	tr.RecordBytes(1000)
	tr.RecordFileFailed()
	tr.SetCurrentFile("track3.wav", 40)

	p := tr.CalculateProgress()
	assert.Equal(t, 4, p.TotalFiles)
	assert.Equal(t, 1, p.CompletedFiles)
	assert.Equal(t, 1, p.FailedFiles)
	assert.Equal(t, 2, p.PendingFiles)
	assert.Equal(t, 50.0, p.Percentage, "failures count as processed")
	assert.Equal(t, int64(2000), p.BytesTransferred)
	assert.Equal(t, int64(4000), p.BytesExpected)
	require.NotNil(t, p.CurrentFile)
	assert.Equal(t, "track3.wav", p.CurrentFile.Filename)
	assert.Equal(t, 40.0, p.CurrentFile.Percentage)
}

func TestProgressEmptyBatch(t *testing.T) {
	tr, _ := newTestTracker()
	tr.StartTracking(0, 0)

	p := tr.CalculateProgress()
	assert.Equal(t, 0.0, p.Percentage)
	assert.Nil(t, p.CurrentFile)
}

func TestCalculateUploadSpeed(t *testing.T) {
	tr, clock := newTestTracker()
	tr.StartTracking(1, 10000)

	// No data yet: speed 0, no division by zero.
	assert.Equal(t, 0.0, tr.CalculateUploadSpeed())

	tr.RecordBytes(5000)
	*clock = clock.Add(5 * time.Second)
	assert.Equal(t, 1000.0, tr.CalculateUploadSpeed())

	// The window rolled forward: no new bytes means 0 again.
	*clock = clock.Add(5 * time.Second)
	assert.Equal(t, 0.0, tr.CalculateUploadSpeed())

	tr.RecordBytes(400)
	*clock = clock.Add(2 * time.Second)
	assert.Equal(t, 200.0, tr.CalculateUploadSpeed())
}

func TestEstimateCompletionTime(t *testing.T) {
	tr, clock := newTestTracker()
	tr.StartTracking(4, 0)

	// No progress yet: a neutral finite estimate, never infinity.
	eta := tr.EstimateCompletionTime()
	assert.Greater(t, eta, time.Duration(0))
	assert.Equal(t, neutralETA, eta)

	// One file per minute, three remaining.
	*clock = clock.Add(time.Minute)
	tr.RecordFileCompleted()
	assert.Equal(t, 3*time.Minute, tr.EstimateCompletionTime())

	*clock = clock.Add(time.Minute)
	tr.RecordFileCompleted()
	assert.Equal(t, 2*time.Minute, tr.EstimateCompletionTime())

	// All processed (failures included): done means zero.
	tr.RecordFileCompleted()
	tr.RecordFileFailed()
	assert.Equal(t, time.Duration(0), tr.EstimateCompletionTime())
}

func TestCheckpointsCapped(t *testing.T) {
	tr, clock := newTestTracker()
	tr.StartTracking(1, 0)

	for i := 0; i < 15; i++ {
		tr.RecordBytes(100)
		tr.AddProgressCheckpoint()
		*clock = clock.Add(time.Second)
	}

	cps := tr.Checkpoints()
	require.Len(t, cps, MaxCheckpoints)
	assert.Equal(t, int64(600), cps[0].Bytes, "oldest samples dropped")
	assert.Equal(t, int64(1500), cps[len(cps)-1].Bytes)
}

func TestProgressTrend(t *testing.T) {
	t.Run("too few checkpoints", func(t *testing.T) {
		tr, clock := newTestTracker()
		tr.StartTracking(1, 0)
		for i := 0; i < 2; i++ {
			tr.AddProgressCheckpoint()
			*clock = clock.Add(time.Second)
		}
		trend, confidence := tr.ProgressTrend()
		assert.Equal(t, TrendSteady, trend)
		assert.Less(t, confidence, 0.3)
	})

	t.Run("accelerating", func(t *testing.T) {
		tr, clock := newTestTracker()
		tr.StartTracking(1, 0)
		rates := []int64{100, 100, 100, 400, 400, 400}
		for _, r := range rates {
			tr.RecordBytes(r)
			tr.AddProgressCheckpoint()
			*clock = clock.Add(time.Second)
		}
		trend, confidence := tr.ProgressTrend()
		assert.Equal(t, TrendAccelerating, trend)
		assert.GreaterOrEqual(t, confidence, 0.5)
	})

	t.Run("decelerating", func(t *testing.T) {
		tr, clock := newTestTracker()
		tr.StartTracking(1, 0)
		rates := []int64{400, 400, 400, 100, 100, 100}
		for _, r := range rates {
			tr.RecordBytes(r)
			tr.AddProgressCheckpoint()
			*clock = clock.Add(time.Second)
		}
		trend, _ := tr.ProgressTrend()
		assert.Equal(t, TrendDecelerating, trend)
	})

	t.Run("steady", func(t *testing.T) {
		tr, clock := newTestTracker()
		tr.StartTracking(1, 0)
		for i := 0; i < 6; i++ {
			tr.RecordBytes(200)
			tr.AddProgressCheckpoint()
			*clock = clock.Add(time.Second)
		}
		trend, _ := tr.ProgressTrend()
		assert.Equal(t, TrendSteady, trend)
	})
}

func TestStopTracking(t *testing.T) {
	tr, clock := newTestTracker()
	tr.StartTracking(3, 3000)

	tr.RecordBytes(3000)
	tr.RecordFileCompleted()
	tr.RecordFileCompleted()
	tr.RecordFileFailed()
	*clock = clock.Add(10 * time.Second)

	s := tr.StopTracking()
	require.NotNil(t, s)
	assert.Equal(t, 10*time.Second, s.Duration)
	assert.Equal(t, 300.0, s.AverageSpeed)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.False(t, tr.Active())

	// Idempotent: a later call returns the same summary unchanged.
	*clock = clock.Add(time.Hour)
	s2 := tr.StopTracking()
	assert.Same(t, s, s2)
}
