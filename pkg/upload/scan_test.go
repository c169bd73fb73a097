// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/storage/backend"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	name      string
	available bool
	submitErr error

	mu        sync.Mutex
	submitted []string
}

func (f *fakeScanner) Name() string                       { return f.name }
func (f *fakeScanner) Available(ctx context.Context) bool { return f.available }
func (f *fakeScanner) Submit(ctx context.Context, sessionID, storageKey string, size int64) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, storageKey)
	f.mu.Unlock()
	return nil
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeFinalizer) EnqueueFinalize(ctx context.Context, sess *session.Session) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.err
}

// stagedSession returns a session in assembling status with a staged
// file present in the store.
func stagedSession(t *testing.T, store backend.Storage) *session.Session {
	t.Helper()
	sess := newUploadSession(t, 100, 1)
	require.NoError(t, sess.StartUpload())
	require.NoError(t, sess.StartAssembly())

	key := types.StagingKey(sess.ID(), sess.Filename())
	require.NoError(t, backend.WriteBytes(context.Background(), store, key, make([]byte, 100)))
	sess.SetAssembledKey(key)
	return sess
}

func TestScanSubmitsAndSuspends(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStorage()
	sess := stagedSession(t, store)
	scanner := &fakeScanner{name: "clamav", available: true}

	g := NewGate(store, scanner, nil, DefaultGateConfig())
	require.NoError(t, g.ScanAssembledFileAsync(ctx, sess))

	assert.Equal(t, session.StatusVirusScanning, sess.Status())
	assert.Equal(t, []string{sess.AssembledKey()}, scanner.submitted)

	name, _ := sess.Meta(session.MetaScanner)
	assert.Equal(t, "clamav", name)
	_, queued := sess.Meta(session.MetaScanQueuedAt)
	assert.True(t, queued, "queued_at recorded on submit")
}

func TestScanFailsOpenWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStorage()

	tests := []struct {
		name    string
		scanner Scanner
	}{
		{"no scanner configured", nil},
		{"engine down", &fakeScanner{name: "clamav", available: false}},
		{"submit fails", &fakeScanner{name: "clamav", available: true, submitErr: errors.New("connection refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := stagedSession(t, store)
			g := NewGate(store, tt.scanner, nil, DefaultGateConfig())
			require.NoError(t, g.ScanAssembledFileAsync(ctx, sess))

			assert.Equal(t, session.StatusCompleted, sess.Status())
			status, _ := sess.Meta(session.MetaScanStatus)
			assert.Equal(t, "unavailable", status)
		})
	}
}

func TestScanRequiresAssembledFile(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStorage()
	g := NewGate(store, &fakeScanner{available: true}, nil, DefaultGateConfig())

	// Wrong status.
	sess := newUploadSession(t, 100, 1)
	err := g.ScanAssembledFileAsync(ctx, sess)
	assert.True(t, uperr.IsKind(err, uperr.KindTransition))

	// Assembling but no staged key.
	require.NoError(t, sess.StartUpload())
	require.NoError(t, sess.StartAssembly())
	err = g.ScanAssembledFileAsync(ctx, sess)
	assert.True(t, uperr.IsKind(err, uperr.KindValidation))

	// Key set but file missing from storage.
	sess.SetAssembledKey(types.StagingKey(sess.ID(), sess.Filename()))
	err = g.ScanAssembledFileAsync(ctx, sess)
	assert.True(t, uperr.IsKind(err, uperr.KindIntegrity))

	assert.Equal(t, session.StatusAssembling, sess.Status(), "failed submissions do not advance the session")
}

func scanningSession(t *testing.T, store backend.Storage) *session.Session {
	t.Helper()
	sess := stagedSession(t, store)
	g := NewGate(store, &fakeScanner{name: "clamav", available: true}, nil, DefaultGateConfig())
	require.NoError(t, g.ScanAssembledFileAsync(context.Background(), sess))
	return sess
}

func TestHandleScanResultClean(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStorage()
	sess := scanningSession(t, store)
	fin := &fakeFinalizer{}

	g := NewGate(store, nil, fin, DefaultGateConfig())
	err := g.HandleScanResult(ctx, sess, ScanResult{
		Verdict:  VerdictClean,
		Scanner:  "clamav",
		Duration: 1200 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, session.StatusFinalizing, sess.Status())
	assert.Equal(t, 1, fin.calls)

	status, _ := sess.Meta(session.MetaScanStatus)
	assert.Equal(t, "clean", status)
	dur, _ := sess.Meta(session.MetaScanDuration)
	assert.Equal(t, int64(1200), dur)

	// The staged file survives for the finalizer.
	exists, err := store.Exists(ctx, sess.AssembledKey())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHandleScanResultInfected(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStorage()
	sess := scanningSession(t, store)

	g := NewGate(store, nil, nil, DefaultGateConfig())
	err := g.HandleScanResult(ctx, sess, ScanResult{
		Verdict:       VerdictInfected,
		SignatureName: "Eicar-Test-Signature",
		Scanner:       "clamav",
	})
	require.NoError(t, err)

	assert.Equal(t, session.StatusVirusDetected, sess.Status())
	sig, _ := sess.Meta(session.MetaScanSignature)
	assert.Equal(t, "Eicar-Test-Signature", sig)

	// Staged bytes are gone and the session is stuck for good.
	exists, err := store.Exists(ctx, sess.AssembledKey())
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Error(t, sess.Retry())
}

func TestHandleScanResultUnavailable(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStorage()
	sess := scanningSession(t, store)

	g := NewGate(store, nil, nil, DefaultGateConfig())
	require.NoError(t, g.HandleScanResult(ctx, sess, ScanResult{Verdict: VerdictUnavailable}))

	assert.Equal(t, session.StatusCompleted, sess.Status())
	status, _ := sess.Meta(session.MetaScanStatus)
	assert.Equal(t, "unavailable", status)
}

func TestHandleScanResultWrongStatus(t *testing.T) {
	store := backend.NewMemoryStorage()
	sess := newUploadSession(t, 100, 1)

	g := NewGate(store, nil, nil, DefaultGateConfig())
	err := g.HandleScanResult(context.Background(), sess, ScanResult{Verdict: VerdictClean})
	assert.True(t, uperr.IsKind(err, uperr.KindTransition))
	assert.Equal(t, session.StatusPending, sess.Status())
}

func TestFinalizeEnqueueFailureFailsFinalization(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStorage()
	sess := scanningSession(t, store)
	fin := &fakeFinalizer{err: errors.New("queue full")}

	g := NewGate(store, nil, fin, DefaultGateConfig())
	err := g.HandleScanResult(ctx, sess, ScanResult{Verdict: VerdictClean})
	require.Error(t, err)
	assert.Equal(t, session.StatusFinalizationFailed, sess.Status())
}
