// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"sort"
)

// ChunkSizeBand maps an inclusive file-size ceiling to the chunk size
// recommended for files up to that ceiling.
type ChunkSizeBand struct {
	MaxFileSize int64 `mapstructure:"max_file_size"`
	ChunkSize   int64 `mapstructure:"chunk_size"`
}

// ChunkSizing holds the recommendation table for chunk sizes by total
// file size. The boundaries are deployment configuration, not code:
// observed products disagree on the band edges, so none is hardcoded
// as authoritative.
type ChunkSizing struct {
	Bands            []ChunkSizeBand `mapstructure:"bands"`
	DefaultChunkSize int64           `mapstructure:"default_chunk_size"`
}

// DefaultChunkSizing returns the default recommendation table.
func DefaultChunkSizing() ChunkSizing {
	return ChunkSizing{
		Bands: []ChunkSizeBand{
			{MaxFileSize: 16 << 20, ChunkSize: 1 << 20},
			{MaxFileSize: 256 << 20, ChunkSize: 4 << 20},
			{MaxFileSize: 1 << 30, ChunkSize: 8 << 20},
		},
		DefaultChunkSize: 16 << 20,
	}
}

// Validate checks the table is usable: positive sizes, strictly
// ascending ceilings.
func (s ChunkSizing) Validate() error {
	if s.DefaultChunkSize <= 0 {
		return fmt.Errorf("default_chunk_size must be positive, got %d", s.DefaultChunkSize)
	}
	if !sort.SliceIsSorted(s.Bands, func(i, j int) bool {
		return s.Bands[i].MaxFileSize < s.Bands[j].MaxFileSize
	}) {
		return fmt.Errorf("chunk sizing bands must be sorted by max_file_size")
	}
	for i, b := range s.Bands {
		if b.MaxFileSize <= 0 || b.ChunkSize <= 0 {
			return fmt.Errorf("chunk sizing band %d has non-positive sizes", i)
		}
	}
	return nil
}

// Recommend returns the chunk size to use for a file of totalSize
// bytes.
func (s ChunkSizing) Recommend(totalSize int64) int64 {
	for _, b := range s.Bands {
		if totalSize <= b.MaxFileSize {
			return b.ChunkSize
		}
	}
	return s.DefaultChunkSize
}

// ChunkCount returns the number of chunks a file of totalSize bytes
// splits into at the recommended chunk size.
func (s ChunkSizing) ChunkCount(totalSize int64) int {
	size := s.Recommend(totalSize)
	n := totalSize / size
	if totalSize%size != 0 {
		n++
	}
	return int(n)
}
