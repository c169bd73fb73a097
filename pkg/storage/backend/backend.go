// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend provides chunk store implementations. The chunk
// store persists raw chunk bytes and staged assembled files keyed by
// storage key; it carries no upload business logic.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrKeyNotFound is returned when a storage key has no data.
var ErrKeyNotFound = errors.New("storage key not found")

// StorageType identifies a backend implementation.
type StorageType string

const (
	StorageTypeMemory StorageType = "memory"
	StorageTypeLocal  StorageType = "local"
)

// Config selects and configures a backend.
type Config struct {
	Type StorageType `mapstructure:"type"`
	Path string      `mapstructure:"path"` // base directory for local backends
}

// Storage is the chunk store interface. Writes to the same key must be
// serialized by the implementation; each (session, chunk number) pair
// maps to one key so overwrites are safe.
type Storage interface {
	Type() StorageType
	Write(ctx context.Context, key string, data io.Reader, size int64) error
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	Close() error
}

// WriteBytes stores an in-memory payload under key.
func WriteBytes(ctx context.Context, s Storage, key string, data []byte) error {
	return s.Write(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// ReadAll fetches a key fully into memory.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Factory creates a Storage from config.
type Factory func(cfg Config) (Storage, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[StorageType]Factory)
)

// Register adds a factory for a storage type.
func Register(t StorageType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = f
}

// New creates a Storage from config.
func New(cfg Config) (Storage, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
	return f(cfg)
}
