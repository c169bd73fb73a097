// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/google/uuid"
)

// Config holds the enforcement bounds. A zero bound disables that
// check.
type Config struct {
	// SessionsPerHour caps upload-session creation per user and per IP
	// within an hourly window.
	SessionsPerHour int64 `mapstructure:"sessions_per_hour"`

	// ChunksPerMinute caps chunk uploads per user and per IP within a
	// one-minute window.
	ChunksPerMinute int64 `mapstructure:"chunks_per_minute"`

	// ChunksPerSession caps how many chunks one session may receive
	// over its whole lifetime.
	ChunksPerSession int64 `mapstructure:"chunks_per_session"`

	// BytesPerHour caps cumulative upload bytes per user within an
	// hourly window.
	BytesPerHour int64 `mapstructure:"bytes_per_hour"`

	// MaxConcurrentUploads caps in-flight sessions per user.
	MaxConcurrentUploads int64 `mapstructure:"max_concurrent_uploads"`

	KeyPrefix string `mapstructure:"key_prefix"`
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		SessionsPerHour:      100,
		ChunksPerMinute:      200,
		ChunksPerSession:     50,
		BytesPerHour:         10 << 30,
		MaxConcurrentUploads: 10,
		KeyPrefix:            "upflow:ratelimit:",
	}
}

// Limiter enforces the configured bounds. Every check increments its
// counters first and rejects the instant a bound is crossed; the Nth
// request under an N-bound always passes, the N+1th is rejected.
type Limiter struct {
	store CounterStore
	cfg   Config
	now   func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) { l.now = fn }
}

// New creates a limiter over the given counter store.
func New(store CounterStore, cfg Config, opts ...Option) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	l := &Limiter{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// userKey builds a key under the user's prefix so ResetUser can clear
// everything for one user in a single sweep.
func (l *Limiter) userKey(user, action string, bucket int64) string {
	return fmt.Sprintf("%su:%s:%s:%d", l.cfg.KeyPrefix, user, action, bucket)
}

func (l *Limiter) ipKey(ip, action string, bucket int64) string {
	return fmt.Sprintf("%sip:%s:%s:%d", l.cfg.KeyPrefix, ip, action, bucket)
}

func (l *Limiter) hourBucket() int64   { return l.now().Unix() / 3600 }
func (l *Limiter) minuteBucket() int64 { return l.now().Unix() / 60 }

func (l *Limiter) bump(ctx context.Context, key string, delta, limit int64, ttl time.Duration, reason string) error {
	if limit <= 0 {
		return nil
	}
	n, err := l.store.Incr(ctx, key, delta, ttl)
	if err != nil {
		return uperr.Wrap(uperr.KindTransient, "rate limit counter unavailable", err)
	}
	if n > limit {
		recordRejection(reason)
		return uperr.New(uperr.KindRateLimit, reason)
	}
	return nil
}

// CheckSessionCreate gates creation of a new upload session.
func (l *Limiter) CheckSessionCreate(ctx context.Context, user, ip string) error {
	bucket := l.hourBucket()
	if err := l.bump(ctx, l.userKey(user, "sessions", bucket), 1,
		l.cfg.SessionsPerHour, time.Hour, "too many upload sessions created"); err != nil {
		return err
	}
	if ip == "" {
		return nil
	}
	return l.bump(ctx, l.ipKey(ip, "sessions", bucket), 1,
		l.cfg.SessionsPerHour, time.Hour, "too many upload sessions created")
}

// CheckChunkUpload gates one chunk transfer: the per-minute frequency
// bound, the per-session chunk cap, and the hourly byte budget.
func (l *Limiter) CheckChunkUpload(ctx context.Context, user, ip string, sessionID uuid.UUID, sizeBytes int64) error {
	minute := l.minuteBucket()
	if err := l.bump(ctx, l.userKey(user, "chunks", minute), 1,
		l.cfg.ChunksPerMinute, time.Minute, "too many chunks uploaded too quickly"); err != nil {
		return err
	}
	if ip != "" {
		if err := l.bump(ctx, l.ipKey(ip, "chunks", minute), 1,
			l.cfg.ChunksPerMinute, time.Minute, "too many chunks uploaded too quickly"); err != nil {
			return err
		}
	}

	// Session-lifetime counter: the TTL only bounds leakage from
	// abandoned sessions.
	sessionKey := fmt.Sprintf("%ssession:%s:chunks", l.cfg.KeyPrefix, sessionID)
	if err := l.bump(ctx, sessionKey, 1,
		l.cfg.ChunksPerSession, 24*time.Hour, "too many chunks for this session"); err != nil {
		return err
	}

	return l.bump(ctx, l.userKey(user, "bytes", l.hourBucket()), sizeBytes,
		l.cfg.BytesPerHour, time.Hour, "bandwidth limit exceeded")
}

// AcquireConcurrent claims one concurrent-upload slot for the user.
// Callers must pair a successful acquire with ReleaseConcurrent.
func (l *Limiter) AcquireConcurrent(ctx context.Context, user string) error {
	if l.cfg.MaxConcurrentUploads <= 0 {
		return nil
	}
	key := l.userKey(user, "concurrent", 0)
	n, err := l.store.Incr(ctx, key, 1, time.Hour)
	if err != nil {
		return uperr.Wrap(uperr.KindTransient, "rate limit counter unavailable", err)
	}
	if n > l.cfg.MaxConcurrentUploads {
		// Undo this claim so the rejection has no lasting effect.
		_, _ = l.store.Incr(ctx, key, -1, time.Hour)
		recordRejection("too many concurrent uploads")
		return uperr.New(uperr.KindRateLimit, "too many concurrent uploads")
	}
	return nil
}

// ReleaseConcurrent returns a slot claimed by AcquireConcurrent.
func (l *Limiter) ReleaseConcurrent(ctx context.Context, user string) {
	if l.cfg.MaxConcurrentUploads <= 0 {
		return
	}
	_, _ = l.store.Incr(ctx, l.userKey(user, "concurrent", 0), -1, time.Hour)
}

// ResetUser clears every counter for the user. Administrative
// override; IP counters are left intact.
func (l *Limiter) ResetUser(ctx context.Context, user string) error {
	return l.store.DeletePrefix(ctx, l.cfg.KeyPrefix+"u:"+user+":")
}
