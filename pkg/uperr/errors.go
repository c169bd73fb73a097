// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package uperr defines the error taxonomy shared by the upload
// pipeline. Every user-visible failure carries a machine-checkable
// Kind and a human-readable reason suitable for direct display.
package uperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	// KindValidation covers bad input rejected before any state
	// mutation: unsafe filenames, oversized files, malformed chunk
	// lists.
	KindValidation Kind = "validation"

	// KindTransition covers illegal state-machine moves. State is
	// unchanged and the caller may choose a valid next step.
	KindTransition Kind = "transition"

	// KindTransient covers recoverable I/O failures: network
	// timeouts, storage unavailable. Retryable up to the attempt cap.
	KindTransient Kind = "transient"

	// KindIntegrity covers fatal per-session data errors: size
	// mismatch, missing chunk, corrupted compressed data, filename
	// collision.
	KindIntegrity Kind = "integrity"

	// KindSecurity covers scan-infected verdicts. Never retryable.
	KindSecurity Kind = "security"

	// KindRateLimit covers request-frequency and bandwidth-budget
	// rejections. No partial effect.
	KindRateLimit Kind = "rate_limit"
)

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given kind and reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates an Error with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ReasonOf returns the human-readable reason of err, falling back to
// err.Error() for untyped errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
