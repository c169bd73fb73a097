// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit enforces per-user and per-IP request budgets with
// sliding-window counters. Counters use atomic increment-and-check so
// two concurrent requests can never both pass a boundary.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CounterStore is the shared counter backend. Incr must be atomic:
// the returned value is the counter after this call's delta, and no
// two callers may observe the same value for the same key.
type CounterStore interface {
	// Incr adds delta to key and returns the new value. The TTL is
	// applied when the key is created.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	Close() error
}

// Compile-time interface verification
var _ CounterStore = (*MemoryStore)(nil)

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore is a process-local CounterStore for single-node
// deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// WithClock overrides the time source (tests).
func (m *MemoryStore) WithClock(fn func() time.Time) *MemoryStore {
	m.now = fn
	return m
}

func (m *MemoryStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || (!c.expiresAt.IsZero() && now.After(c.expiresAt)) {
		c = &memoryCounter{}
		if ttl > 0 {
			c.expiresAt = now.Add(ttl)
		}
		m.counters[key] = c
	}
	c.value += delta
	return c.value, nil
}

func (m *MemoryStore) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.counters {
		if strings.HasPrefix(key, prefix) {
			delete(m.counters, key)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
