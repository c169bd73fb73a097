// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"

	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/storage/backend"
)

// BlobStore persists the final artifact once a file cleared scanning.
type BlobStore interface {
	StoreArtifact(ctx context.Context, sess *session.Session, data []byte) (artifactID string, err error)
}

// finalizer creates the permanent artifact record for a clean file
// and retires its staged bytes. It satisfies the scan gate's
// Finalizer interface; in this implementation the finalize job runs
// inline on the caller's goroutine.
type finalizer struct {
	store backend.Storage
	blob  BlobStore
}

func (f *finalizer) EnqueueFinalize(ctx context.Context, sess *session.Session) error {
	key := sess.AssembledKey()
	data, err := backend.ReadAll(ctx, f.store, key)
	if err != nil {
		return err
	}

	if f.blob != nil {
		artifactID, err := f.blob.StoreArtifact(ctx, sess, data)
		if err != nil {
			return err
		}
		sess.SetMeta(session.MetaArtifactID, artifactID)
	}

	if err := sess.Complete(); err != nil {
		return err
	}

	if err := f.store.Delete(ctx, key); err != nil {
		logger.Warn().Err(err).
			Str("key", key).
			Msg("finalize: staged file delete failed")
	}
	return nil
}
