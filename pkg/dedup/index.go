// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package dedup implements the content-addressed chunk index and the
// deduplication service that decides which chunks of an upload need to
// be transferred at all.
package dedup

import (
	"context"
	"sync"
)

// Entry records a completed chunk available for reuse within a
// workspace. Size counts the stored bytes; when they are compressed,
// Compression names the codec and OriginalSize the payload size.
type Entry struct {
	StorageKey   string `json:"storage_key"`
	Size         int64  `json:"size"`
	Compression  string `json:"compression,omitempty"`
	OriginalSize int64  `json:"original_size,omitempty"`
}

// Index maps (workspace, checksum) to an existing completed chunk.
// Lookups never cross workspace boundaries.
type Index interface {
	// Put records a completed chunk under its checksum.
	Put(ctx context.Context, workspace, checksum string, e Entry) error

	// Lookup resolves the given checksums to existing entries. Missing
	// checksums are simply absent from the result.
	Lookup(ctx context.Context, workspace string, checksums []string) (map[string]Entry, error)

	// Forget removes a checksum, e.g. after its backing chunk was
	// garbage-collected.
	Forget(ctx context.Context, workspace, checksum string) error

	Close() error
}

// Compile-time interface verification
var _ Index = (*MemoryIndex)(nil)

// MemoryIndex is a process-local Index for single-node deployments and
// tests.
type MemoryIndex struct {
	mu         sync.RWMutex
	workspaces map[string]map[string]Entry
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		workspaces: make(map[string]map[string]Entry),
	}
}

func (m *MemoryIndex) Put(ctx context.Context, workspace, checksum string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[workspace]
	if !ok {
		ws = make(map[string]Entry)
		m.workspaces[workspace] = ws
	}
	ws[checksum] = e
	return nil
}

func (m *MemoryIndex) Lookup(ctx context.Context, workspace string, checksums []string) (map[string]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Entry)
	ws, ok := m.workspaces[workspace]
	if !ok {
		return out, nil
	}
	for _, sum := range checksums {
		if e, found := ws[sum]; found {
			out[sum] = e
		}
	}
	return out, nil
}

func (m *MemoryIndex) Forget(ctx context.Context, workspace, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[workspace]; ok {
		delete(ws, checksum)
	}
	return nil
}

func (m *MemoryIndex) Close() error { return nil }
