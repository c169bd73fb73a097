// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"time"

	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/storage/backend"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"golang.org/x/time/rate"
)

// Verdict is the scanner's answer for one file.
type Verdict string

const (
	VerdictClean       Verdict = "clean"
	VerdictInfected    Verdict = "infected"
	VerdictUnavailable Verdict = "unavailable"
)

// ScanResult is the out-of-band answer from the scan engine.
type ScanResult struct {
	Verdict       Verdict
	SignatureName string // set for infected verdicts
	Scanner       string
	Duration      time.Duration
}

// Scanner is the external scan engine. Submit enqueues an async scan;
// the verdict arrives later through Gate.HandleScanResult.
type Scanner interface {
	Name() string
	Available(ctx context.Context) bool
	Submit(ctx context.Context, sessionID, storageKey string, size int64) error
}

// Finalizer creates the permanent artifact record once a file has a
// clean verdict.
type Finalizer interface {
	EnqueueFinalize(ctx context.Context, sess *session.Session) error
}

// GateConfig tunes the scan gate.
type GateConfig struct {
	// SubmitsPerSecond paces scan submissions so a large batch cannot
	// flood the scan engine. Zero disables pacing.
	SubmitsPerSecond float64 `mapstructure:"submits_per_second"`
	SubmitBurst      int     `mapstructure:"submit_burst"`
}

// DefaultGateConfig returns sensible defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		SubmitsPerSecond: 10,
		SubmitBurst:      20,
	}
}

// Gate routes assembled files through the malware scan before they
// become visible. Scanning is a suspend point: the session sits in
// virus_scanning until HandleScanResult fires.
//
// When the scan engine is unreachable the file is released unscanned
// with scan metadata recording that fact. This fail-open policy keeps
// uploads flowing through scanner outages at the cost of letting
// unscanned content through; deployments wanting fail-closed must
// front this with their own gate.
type Gate struct {
	store     backend.Storage
	scanner   Scanner
	finalizer Finalizer
	pacer     *rate.Limiter
}

// NewGate creates a scan gate. scanner may be nil, which behaves like
// a permanently unavailable engine (every file is released unscanned).
func NewGate(store backend.Storage, scanner Scanner, finalizer Finalizer, cfg GateConfig) *Gate {
	var pacer *rate.Limiter
	if cfg.SubmitsPerSecond > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(cfg.SubmitsPerSecond), burst)
	}
	return &Gate{store: store, scanner: scanner, finalizer: finalizer, pacer: pacer}
}

// ScanAssembledFileAsync submits a freshly assembled file for
// scanning, moving the session to virus_scanning. Unreachable scan
// engines trigger the fail-open path instead.
func (g *Gate) ScanAssembledFileAsync(ctx context.Context, sess *session.Session) error {
	if status := sess.Status(); status != session.StatusAssembling {
		return uperr.Newf(uperr.KindTransition,
			"cannot submit a session in status %s for scanning", status)
	}

	key := sess.AssembledKey()
	if key == "" {
		return uperr.New(uperr.KindValidation, "session has no assembled file")
	}
	exists, err := g.store.Exists(ctx, key)
	if err != nil {
		return uperr.Wrap(uperr.KindTransient, "staging lookup failed", err)
	}
	if !exists {
		return uperr.Newf(uperr.KindIntegrity, "assembled file %s not found", key)
	}

	if g.scanner == nil || !g.scanner.Available(ctx) {
		return g.releaseUnscanned(sess)
	}

	if err := sess.StartVirusScan(); err != nil {
		return err
	}

	if g.pacer != nil {
		if err := g.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	if err := g.scanner.Submit(ctx, sess.ID().String(), key, sess.TotalSize()); err != nil {
		logger.Warn().Err(err).
			Str("session_id", sess.ID().String()).
			Msg("scan: submit failed, releasing unscanned")
		return g.releaseUnscanned(sess)
	}

	sess.SetMeta(session.MetaScanner, g.scanner.Name())
	return nil
}

// releaseUnscanned walks the session straight through to completed
// with metadata recording that no scan happened.
func (g *Gate) releaseUnscanned(sess *session.Session) error {
	logger.Warn().
		Str("session_id", sess.ID().String()).
		Str("filename", sess.Filename()).
		Msg("scan: engine unavailable, releasing file unscanned")

	sess.SetMeta(session.MetaScanStatus, "unavailable")
	for _, step := range []func() error{
		func() error {
			if sess.Status() == session.StatusVirusScanning {
				return nil
			}
			return sess.StartVirusScan()
		},
		sess.StartFinalizing,
		sess.Complete,
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// HandleScanResult applies an out-of-band verdict. Clean files move to
// finalizing and a finalize job is enqueued; infected files lose their
// staged bytes and the session lands in virus_detected, which no
// operation can leave.
func (g *Gate) HandleScanResult(ctx context.Context, sess *session.Session, res ScanResult) error {
	if status := sess.Status(); status != session.StatusVirusScanning {
		return uperr.Newf(uperr.KindTransition,
			"unexpected scan result for session in status %s", status)
	}

	if res.Scanner != "" {
		sess.SetMeta(session.MetaScanner, res.Scanner)
	}
	if res.Duration > 0 {
		sess.SetMeta(session.MetaScanDuration, res.Duration.Milliseconds())
	}

	switch res.Verdict {
	case VerdictClean:
		sess.SetMeta(session.MetaScanStatus, "clean")
		if err := sess.StartFinalizing(); err != nil {
			return err
		}
		recordVerdict(string(VerdictClean))
		if g.finalizer != nil {
			if err := g.finalizer.EnqueueFinalize(ctx, sess); err != nil {
				reason := "finalize enqueue failed: " + err.Error()
				if ferr := sess.FailFinalization(reason); ferr != nil {
					return ferr
				}
				return uperr.Wrap(uperr.KindTransient, "finalize enqueue failed", err)
			}
		}
		return nil

	case VerdictInfected:
		// Best effort: a failed delete must not keep the verdict from
		// landing.
		if key := sess.AssembledKey(); key != "" {
			if err := g.store.Delete(ctx, key); err != nil {
				logger.Warn().Err(err).
					Str("key", key).
					Msg("scan: staged file delete failed")
			}
		}
		recordVerdict(string(VerdictInfected))
		logger.Error().
			Str("session_id", sess.ID().String()).
			Str("filename", sess.Filename()).
			Str("signature", res.SignatureName).
			Msg("scan: infected file detected")
		return sess.DetectVirus(res.SignatureName)

	case VerdictUnavailable:
		recordVerdict(string(VerdictUnavailable))
		return g.releaseUnscanned(sess)

	default:
		return uperr.Newf(uperr.KindValidation, "unknown scan verdict %q", res.Verdict)
	}
}
