// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIndexConfig configures the Redis-backed dedup index.
type RedisIndexConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`

	KeyPrefix string `mapstructure:"key_prefix"`

	// EntryTTL bounds how long an index entry lives. Zero means no
	// expiry; entries are then removed only via Forget.
	EntryTTL time.Duration `mapstructure:"entry_ttl"`
}

// DefaultRedisIndexConfig returns sensible defaults.
func DefaultRedisIndexConfig() RedisIndexConfig {
	return RedisIndexConfig{
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "upflow:dedup:",
		EntryTTL:  7 * 24 * time.Hour,
	}
}

// RedisIndex is a distributed Index shared by multiple upload workers.
// Entries are stored as hashes under one key per (workspace, checksum).
type RedisIndex struct {
	client *redis.Client
	cfg    RedisIndexConfig
}

// Compile-time interface verification
var _ Index = (*RedisIndex)(nil)

// NewRedisIndex connects to Redis and verifies the connection.
func NewRedisIndex(cfg RedisIndexConfig) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dedup: redis ping failed: %w", err)
	}

	return &RedisIndex{client: client, cfg: cfg}, nil
}

// NewRedisIndexWithClient wraps an existing client (tests).
func NewRedisIndexWithClient(client *redis.Client, cfg RedisIndexConfig) *RedisIndex {
	return &RedisIndex{client: client, cfg: cfg}
}

func (r *RedisIndex) key(workspace, checksum string) string {
	return r.cfg.KeyPrefix + workspace + ":" + checksum
}

func (r *RedisIndex) Put(ctx context.Context, workspace, checksum string, e Entry) error {
	key := r.key(workspace, checksum)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"storage_key", e.StorageKey,
		"size", e.Size,
		"compression", e.Compression,
		"original_size", e.OriginalSize)
	if r.cfg.EntryTTL > 0 {
		pipe.Expire(ctx, key, r.cfg.EntryTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Lookup(ctx context.Context, workspace string, checksums []string) (map[string]Entry, error) {
	out := make(map[string]Entry)
	if len(checksums) == 0 {
		return out, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(checksums))
	for i, sum := range checksums {
		cmds[i] = pipe.HGetAll(ctx, r.key(workspace, sum))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		size, err := strconv.ParseInt(fields["size"], 10, 64)
		if err != nil {
			continue
		}
		origSize, _ := strconv.ParseInt(fields["original_size"], 10, 64)
		out[checksums[i]] = Entry{
			StorageKey:   fields["storage_key"],
			Size:         size,
			Compression:  fields["compression"],
			OriginalSize: origSize,
		}
	}
	return out, nil
}

func (r *RedisIndex) Forget(ctx context.Context, workspace, checksum string) error {
	return r.client.Del(ctx, r.key(workspace, checksum)).Err()
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
