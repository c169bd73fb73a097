// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"

	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/google/uuid"
)

// Store errors.
var (
	ErrSessionNotFound = errors.New("session not found")
)

// Store persists upload sessions. Implementations must enforce the
// active-uniqueness invariant: at most one non-terminal session per
// (filename, container, workspace).
type Store interface {
	// Create adds a session, rejecting duplicates of an active one.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by ID.
	Get(ctx context.Context, id uuid.UUID) (*Session, error)

	// Delete removes a session and is a no-op for unknown IDs.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns all sessions, in no particular order.
	List(ctx context.Context) ([]*Session, error)

	// ListByBatch returns the sessions attached to a batch.
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Session, error)
}

// Compile-time interface verification
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*Session),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.Filename() == s.Filename() &&
			existing.Container() == s.Container() &&
			existing.Workspace() == s.Workspace() &&
			!existing.Status().IsTerminal() {
			return uperr.Newf(uperr.KindValidation,
				"an active upload for %q already exists in this container", s.Filename())
		}
	}

	m.sessions[s.ID()] = s
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.BatchID() == batchID {
			out = append(out, s)
		}
	}
	return out, nil
}
