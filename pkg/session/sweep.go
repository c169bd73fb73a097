// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/utils"
)

// SweepConfig controls the expiry sweeper retention windows.
type SweepConfig struct {
	// Interval between sweeps. Jittered ±10% to avoid herd effects
	// across workers.
	Interval time.Duration `mapstructure:"interval"`

	// PendingTTL is how long a session may sit in pending before it is
	// considered abandoned and removed.
	PendingTTL time.Duration `mapstructure:"pending_ttl"`

	// TerminalTTL is how long completed and failed sessions are kept
	// for inspection before removal.
	TerminalTTL time.Duration `mapstructure:"terminal_ttl"`

	// StuckTTL is how long a session may stay in virus_scanning or
	// finalizing before the sweeper declares the external step dead
	// and fails the session.
	StuckTTL time.Duration `mapstructure:"stuck_ttl"`
}

// DefaultSweepConfig returns the production retention windows.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:    5 * time.Minute,
		PendingTTL:  time.Hour,
		TerminalTTL: 24 * time.Hour,
		StuckTTL:    2 * time.Hour,
	}
}

// Sweeper removes expired sessions and unsticks ones abandoned by an
// external step (scanner or finalizer that never reported back).
type Sweeper struct {
	store Store
	cfg   SweepConfig
	now   func() time.Time
}

// SweepOption customizes a Sweeper.
type SweepOption func(*Sweeper)

// WithSweepClock overrides the time source (tests).
func WithSweepClock(fn func() time.Time) SweepOption {
	return func(w *Sweeper) { w.now = fn }
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store Store, cfg SweepConfig, opts ...SweepOption) *Sweeper {
	w := &Sweeper{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on a jittered interval until the context is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticks, stop := utils.JitteredTicker(w.cfg.Interval, 0.1)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if err := w.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("sweeper: sweep failed")
			}
		}
	}
}

// Sweep runs one pass over the store.
func (w *Sweeper) Sweep(ctx context.Context) error {
	sessions, err := w.store.List(ctx)
	if err != nil {
		return err
	}

	now := w.now()
	var removed, unstuck int
	for _, s := range sessions {
		age := now.Sub(s.UpdatedAt())
		status := s.Status()

		switch {
		case status == StatusPending && age > w.cfg.PendingTTL:
			if err := w.store.Delete(ctx, s.ID()); err != nil {
				logger.Error().Err(err).Str("session_id", s.ID().String()).Msg("sweeper: delete failed")
				continue
			}
			removed++

		case status.IsTerminal() && age > w.cfg.TerminalTTL:
			if err := w.store.Delete(ctx, s.ID()); err != nil {
				logger.Error().Err(err).Str("session_id", s.ID().String()).Msg("sweeper: delete failed")
				continue
			}
			removed++

		case (status == StatusVirusScanning || status == StatusFinalizing) && age > w.cfg.StuckTTL:
			s.forceFail("stuck in " + status.String() + " beyond " + w.cfg.StuckTTL.String())
			unstuck++
			logger.Warn().
				Str("session_id", s.ID().String()).
				Str("status", status.String()).
				Dur("age", age).
				Msg("sweeper: failed stuck session")
		}
	}

	if removed > 0 || unstuck > 0 {
		logger.Info().
			Int("removed", removed).
			Int("unstuck", unstuck).
			Msg("sweeper: pass complete")
	}
	return nil
}
