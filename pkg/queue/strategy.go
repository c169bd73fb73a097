// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/UpflowLabs/upflow/pkg/session"
)

// Strategy picks the order sessions are dispatched in. Ordering only
// affects scheduling, never correctness.
type Strategy string

const (
	// StrategySmallestFirst uploads small files first for fast
	// feedback.
	StrategySmallestFirst Strategy = "smallest_first"

	// StrategyInterleaved alternates smallest and largest so quick
	// wins land while large transfers progress in the background.
	StrategyInterleaved Strategy = "interleaved"

	// StrategyAudioPriority uploads recognized audio files before
	// everything else.
	StrategyAudioPriority Strategy = "audio_priority"
)

// IsValid reports whether the strategy is recognized.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategySmallestFirst, StrategyInterleaved, StrategyAudioPriority:
		return true
	}
	return false
}

var audioExtensions = map[string]struct{}{
	".mp3": {}, ".wav": {}, ".flac": {}, ".m4a": {}, ".aac": {},
	".ogg": {}, ".oga": {}, ".opus": {}, ".wma": {}, ".aiff": {},
}

func isAudio(filename string) bool {
	_, ok := audioExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// bySizeAsc sorts by total size, with the filename as a deterministic
// tie-breaker.
func bySizeAsc(sessions []*session.Session) []*session.Session {
	out := make([]*session.Session, len(sessions))
	copy(out, sessions)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalSize() != out[j].TotalSize() {
			return out[i].TotalSize() < out[j].TotalSize()
		}
		return out[i].Filename() < out[j].Filename()
	})
	return out
}

// orderSessions arranges sessions per the strategy. Unknown
// strategies fall back to smallest-first.
func orderSessions(sessions []*session.Session, strategy Strategy) []*session.Session {
	switch strategy {
	case StrategyInterleaved:
		asc := bySizeAsc(sessions)
		out := make([]*session.Session, 0, len(asc))
		lo, hi := 0, len(asc)-1
		for lo <= hi {
			out = append(out, asc[lo])
			if lo != hi {
				out = append(out, asc[hi])
			}
			lo++
			hi--
		}
		return out

	case StrategyAudioPriority:
		asc := bySizeAsc(sessions)
		out := make([]*session.Session, 0, len(asc))
		for _, s := range asc {
			if isAudio(s.Filename()) {
				out = append(out, s)
			}
		}
		for _, s := range asc {
			if !isAudio(s.Filename()) {
				out = append(out, s)
			}
		}
		return out

	default:
		return bySizeAsc(sessions)
	}
}
