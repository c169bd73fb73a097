// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/UpflowLabs/upflow/pkg/queue"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/storage/backend"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/upload"
)

// fileSource serves chunk payloads from local files, split at the
// chunk size the sizing table recommends for the file's total size.
type fileSource struct {
	sizing types.ChunkSizing

	mu    sync.Mutex
	paths map[string]string // filename -> local path
}

func newFileSource(sizing types.ChunkSizing) *fileSource {
	return &fileSource{
		sizing: sizing,
		paths:  make(map[string]string),
	}
}

func (s *fileSource) add(filename, path string) {
	s.mu.Lock()
	s.paths[filename] = path
	s.mu.Unlock()
}

func (s *fileSource) Chunks(ctx context.Context, sess *session.Session) ([]upload.ChunkData, error) {
	s.mu.Lock()
	path, ok := s.paths[sess.Filename()]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no local path registered for %q", sess.Filename())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != sess.TotalSize() {
		return nil, fmt.Errorf("%s changed on disk: size %d, expected %d",
			path, len(data), sess.TotalSize())
	}

	chunkSize := s.sizing.Recommend(sess.TotalSize())
	out := make([]upload.ChunkData, 0, sess.ChunkCount())
	for n, off := 1, int64(0); off < int64(len(data)); n, off = n+1, off+chunkSize {
		end := off + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		out = append(out, upload.ChunkData{Number: n, Data: data[off:end]})
	}
	return out, nil
}

// artifactStore publishes finished files into the chunk store's
// artifact namespace and answers destination collision checks against
// it.
type artifactStore struct {
	store backend.Storage
}

var (
	_ queue.BlobStore           = (*artifactStore)(nil)
	_ upload.DestinationChecker = (*artifactStore)(nil)
)

func artifactKey(container, workspace, filename string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s", workspace, container, filename)
}

func (a *artifactStore) StoreArtifact(ctx context.Context, sess *session.Session, data []byte) (string, error) {
	key := artifactKey(sess.Container(), sess.Workspace(), sess.Filename())
	if err := backend.WriteBytes(ctx, a.store, key, data); err != nil {
		return "", err
	}
	return key, nil
}

func (a *artifactStore) DestinationExists(ctx context.Context, container, workspace, filename string) (bool, error) {
	return a.store.Exists(ctx, artifactKey(container, workspace, filename))
}
