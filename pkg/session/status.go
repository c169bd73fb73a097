// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the authoritative lifecycle of one file
// upload. Status is an enumerated tag and the legal moves live in a
// single transition table checked by one generic transition operation,
// so the legality rule is auditable and exhaustively testable in one
// place.
package session

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusPending            Status = "pending"
	StatusUploading          Status = "uploading"
	StatusAssembling         Status = "assembling"
	StatusVirusScanning      Status = "virus_scanning"
	StatusFinalizing         Status = "finalizing"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
	StatusVirusDetected      Status = "virus_detected"
	StatusVirusScanFailed    Status = "virus_scan_failed"
	StatusFinalizationFailed Status = "finalization_failed"
)

// transitions is the single source of truth for legal status moves.
// completed and virus_detected have no outgoing edges: virus detection
// is never retryable.
var transitions = map[Status][]Status{
	StatusPending:            {StatusUploading, StatusFailed, StatusCancelled},
	StatusUploading:          {StatusAssembling, StatusFailed, StatusCancelled, StatusPending},
	StatusAssembling:         {StatusVirusScanning, StatusFailed, StatusPending},
	StatusVirusScanning:      {StatusFinalizing, StatusVirusDetected, StatusVirusScanFailed, StatusPending},
	StatusFinalizing:         {StatusCompleted, StatusFinalizationFailed, StatusPending},
	StatusCompleted:          {},
	StatusVirusDetected:      {},
	StatusFailed:             {StatusPending},
	StatusCancelled:          {StatusPending},
	StatusVirusScanFailed:    {StatusPending},
	StatusFinalizationFailed: {StatusPending},
}

// AllStatuses returns every defined status.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusUploading, StatusAssembling,
		StatusVirusScanning, StatusFinalizing, StatusCompleted,
		StatusFailed, StatusCancelled, StatusVirusDetected,
		StatusVirusScanFailed, StatusFinalizationFailed,
	}
}

// IsValid returns true if the status is recognized.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving to target is legal.
func (s Status) CanTransition(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions
// except explicit retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled,
		StatusVirusDetected, StatusVirusScanFailed, StatusFinalizationFailed:
		return true
	}
	return false
}

// IsRetryable reports whether an explicit retry may move the session
// back to pending.
func (s Status) IsRetryable() bool {
	return s.CanTransition(StatusPending) && s.IsTerminal()
}

// IsFailure reports whether the status counts toward a batch's failed
// file counter.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusVirusDetected,
		StatusVirusScanFailed, StatusFinalizationFailed:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
