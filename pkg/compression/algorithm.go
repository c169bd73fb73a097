// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package compression provides chunk compression for the upload
// pipeline: pluggable algorithms (ZSTD, LZ4, S2), per-chunk skip
// heuristics, and self-tuning of the compression level from observed
// ratio and timing.
package compression

// Algorithm represents a compression algorithm
type Algorithm string

const (
	// None indicates no compression
	None Algorithm = "none"
	// ZSTD uses the Zstandard compression algorithm (balanced speed/ratio)
	ZSTD Algorithm = "zstd"
	// LZ4 uses the LZ4 compression algorithm (fast, moderate ratio)
	LZ4 Algorithm = "lz4"
	// S2 uses klauspost's S2 compression (faster than Snappy, better ratio)
	S2 Algorithm = "s2"
)

// IsValid returns true if the algorithm is recognized
func (a Algorithm) IsValid() bool {
	switch a {
	case None, ZSTD, LZ4, S2:
		return true
	default:
		return false
	}
}

// String returns the string representation of the algorithm
func (a Algorithm) String() string {
	return string(a)
}

// ParseAlgorithm parses a string into an Algorithm.
// Returns None for empty or unrecognized strings.
func ParseAlgorithm(s string) Algorithm {
	algo := Algorithm(s)
	if algo.IsValid() {
		return algo
	}
	return None
}

// Compression levels. Levels outside [MinLevel, MaxLevel] are rejected
// by Config.Validate.
const (
	MinLevel     = 1
	MaxLevel     = 9
	DefaultLevel = 6
)
