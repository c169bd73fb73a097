// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package throttle shapes upload bandwidth by delaying chunk transfers
// so concurrent streams together respect one aggregate rate budget.
package throttle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/UpflowLabs/upflow/pkg/logger"
)

// MinRateKBps is the adaptive floor. Adaptation never pushes the limit
// below this, so the pipeline cannot starve itself.
const MinRateKBps = 50

// TransferFunc performs the actual chunk transfer. The throttle delays
// before calling it and returns its result unmodified.
type TransferFunc func(ctx context.Context) error

// Throttle holds a target aggregate rate in KB/s. Zero means
// unlimited. Safe for concurrent use; the rate may be adapted while
// transfers are in flight.
type Throttle struct {
	rateKBps atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a throttle with the given aggregate rate in KB/s.
func New(rateKBps int64) *Throttle {
	t := &Throttle{sleep: sleepCtx}
	t.rateKBps.Store(rateKBps)
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Rate returns the current limit in KB/s (0 = unlimited).
func (t *Throttle) Rate() int64 {
	return t.rateKBps.Load()
}

// CalculateDelay returns how long a transfer of sizeKB must wait
// before starting. Unlimited throttles never delay.
func (t *Throttle) CalculateDelay(sizeKB float64) time.Duration {
	rate := t.rateKBps.Load()
	if rate <= 0 || sizeKB <= 0 {
		return 0
	}
	return time.Duration(sizeKB / float64(rate) * float64(time.Second))
}

// ThrottleUpload sleeps for the chunk's delay, then runs the transfer.
// The transfer's error propagates unchanged; a cancelled context
// aborts the wait.
func (t *Throttle) ThrottleUpload(ctx context.Context, sizeBytes int64, fn TransferFunc) error {
	if err := t.sleep(ctx, t.CalculateDelay(float64(sizeBytes)/1024)); err != nil {
		return err
	}
	return fn(ctx)
}

// ThrottleParallel wraps a transfer for one of maxConcurrent
// simultaneous streams: the aggregate rate is split evenly so the
// streams together respect the budget.
func (t *Throttle) ThrottleParallel(ctx context.Context, sizeBytes int64, maxConcurrent int, fn TransferFunc) error {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	rate := t.rateKBps.Load()
	if rate > 0 {
		perStream := float64(rate) / float64(maxConcurrent)
		delay := time.Duration(float64(sizeBytes) / 1024 / perStream * float64(time.Second))
		if err := t.sleep(ctx, delay); err != nil {
			return err
		}
		return fn(ctx)
	}
	return fn(ctx)
}

// AdaptBandwidthLimit adjusts the limit from a live measurement. A
// measurement above the current limit raises it to 80% of the
// measurement, keeping headroom; a lower measurement becomes the new
// limit directly. The result never drops below MinRateKBps.
func (t *Throttle) AdaptBandwidthLimit(measuredKBps int64) int64 {
	if measuredKBps <= 0 {
		return t.rateKBps.Load()
	}

	for {
		current := t.rateKBps.Load()
		var next int64
		if current > 0 && measuredKBps > current {
			// More capacity than the limit allows: raise it, keeping
			// 20% headroom.
			next = measuredKBps * 80 / 100
		} else {
			// The link delivers less than we permit: match it.
			next = measuredKBps
		}
		if next < MinRateKBps {
			next = MinRateKBps
		}
		if t.rateKBps.CompareAndSwap(current, next) {
			if next != current {
				logger.Debug().
					Int64("measured_kbps", measuredKBps).
					Int64("old_limit", current).
					Int64("new_limit", next).
					Msg("throttle: adapted bandwidth limit")
			}
			return next
		}
	}
}
