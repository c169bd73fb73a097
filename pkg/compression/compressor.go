// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"
)

// Tuning thresholds for AdaptSettings.
const (
	adaptSlowThreshold = 2 * time.Second
	adaptFastThreshold = 100 * time.Millisecond
	adaptPoorRatio     = 0.3
)

// Payloads whose byte distribution is close to random are already
// compressed; 8 bits/byte is the maximum.
const entropyThreshold = 7.5

const entropySampleSize = 4096

// DefaultMinSize is the smallest payload worth compressing.
const DefaultMinSize = 4096

// Config configures a Compressor.
type Config struct {
	Algorithm Algorithm `mapstructure:"algorithm"`
	Level     int       `mapstructure:"level"`
	MinSize   int       `mapstructure:"min_size"`
}

// DefaultConfig returns the default compressor configuration.
func DefaultConfig() Config {
	return Config{
		Algorithm: ZSTD,
		Level:     DefaultLevel,
		MinSize:   DefaultMinSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Algorithm.IsValid() {
		return uperr.Newf(uperr.KindValidation, "unknown compression algorithm %q", c.Algorithm)
	}
	if c.Level < MinLevel || c.Level > MaxLevel {
		return uperr.Newf(uperr.KindValidation, "compression level must be in [%d,%d], got %d", MinLevel, MaxLevel, c.Level)
	}
	if c.MinSize < 0 {
		return uperr.Newf(uperr.KindValidation, "compression min_size must be >= 0, got %d", c.MinSize)
	}
	return nil
}

// Compressor compresses chunk payloads with skip heuristics and a
// level that adapts to observed performance. Safe for concurrent use.
type Compressor struct {
	algo    Algorithm
	minSize int
	level   atomic.Int32
}

// New creates a Compressor from config.
func New(cfg Config) (*Compressor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Compressor{
		algo:    cfg.Algorithm,
		minSize: cfg.MinSize,
	}
	c.level.Store(int32(cfg.Level))
	return c, nil
}

// Level returns the current compression level.
func (c *Compressor) Level() int {
	return int(c.level.Load())
}

// Algorithm returns the configured algorithm.
func (c *Compressor) Algorithm() Algorithm {
	return c.algo
}

// File extensions whose content is already compressed. Compressing
// these again burns CPU for no savings.
var compressedExtensions = map[string]struct{}{
	// audio
	".mp3": {}, ".m4a": {}, ".aac": {}, ".ogg": {}, ".oga": {},
	".opus": {}, ".flac": {}, ".wma": {},
	// video containers
	".mp4": {}, ".m4v": {}, ".mov": {}, ".webm": {}, ".mkv": {},
	// images
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".gif": {},
	// archives
	".zip": {}, ".gz": {}, ".zst": {}, ".lz4": {}, ".7z": {}, ".rar": {},
}

// ShouldCompress reports whether a chunk payload is worth compressing:
// false for very small payloads, known-compressed file types, and
// high-entropy content.
func (c *Compressor) ShouldCompress(data []byte, filename string) bool {
	if c.algo == None {
		return false
	}
	if len(data) < c.minSize {
		return false
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := compressedExtensions[ext]; ok {
		return false
	}
	return sampleEntropy(data) < entropyThreshold
}

// sampleEntropy estimates Shannon entropy (bits per byte) over a
// prefix of the payload.
func sampleEntropy(data []byte) float64 {
	sample := data
	if len(sample) > entropySampleSize {
		sample = sample[:entropySampleSize]
	}
	if len(sample) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range sample {
		counts[b]++
	}

	total := float64(len(sample))
	entropy := 0.0
	for _, n := range counts {
		if n == 0 {
			continue
		}
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Compressed is a chunk payload after compression, carrying through
// the chunk metadata needed to store and later reassemble it.
type Compressed struct {
	Number       int
	Checksum     string
	OriginalSize int64
	Algorithm    Algorithm
	Level        int
	Data         []byte
	Ratio        float64 // savings: (original - compressed) / original, >= 0
	Elapsed      time.Duration
}

// CompressChunk compresses a chunk payload. When the heuristics say
// the payload is not worth compressing, or compression does not
// shrink it, the original bytes pass through with Algorithm None.
func (c *Compressor) CompressChunk(chunk *types.Chunk, data []byte, filename string) (*Compressed, error) {
	out := &Compressed{
		Number:       chunk.Number,
		Checksum:     chunk.Checksum,
		OriginalSize: int64(len(data)),
		Algorithm:    None,
		Level:        c.Level(),
		Data:         data,
	}

	if !c.ShouldCompress(data, filename) {
		RecordCompression(c.algo, len(data), len(data), true)
		return out, nil
	}

	start := time.Now()
	compressed, err := Compress(c.algo, c.Level(), data)
	if err != nil {
		return nil, err
	}
	out.Elapsed = time.Since(start)

	// Keep the original when compression does not save space.
	if len(compressed) >= len(data) {
		RecordCompression(c.algo, len(data), len(data), true)
		return out, nil
	}

	out.Algorithm = c.algo
	out.Data = compressed
	out.Ratio = SavingsRatio(len(data), len(compressed))
	RecordCompression(c.algo, len(data), len(compressed), false)
	return out, nil
}

// DecompressChunk restores the original payload and verifies its
// checksum when one is present. Corrupted input returns an integrity
// error, never wrong bytes.
func (c *Compressor) DecompressChunk(p *Compressed) ([]byte, error) {
	data, err := Decompress(p.Algorithm, p.Data)
	if err != nil {
		return nil, uperr.Wrap(uperr.KindIntegrity, "corrupted compressed data", err)
	}
	if p.Checksum != "" && types.ChecksumBytes(data) != p.Checksum {
		return nil, uperr.Newf(uperr.KindIntegrity, "chunk %d checksum mismatch after decompression", p.Number)
	}
	RecordDecompression(p.Algorithm, len(p.Data), len(data))
	return data, nil
}

// Performance is the feedback for one compression operation.
type Performance struct {
	Elapsed time.Duration
	Ratio   float64 // savings ratio
}

// AdaptSettings tunes the level from observed performance: a slow
// compression drops one level, a very fast one with poor savings
// raises one. Returns the level now in effect.
func (c *Compressor) AdaptSettings(perf Performance) int {
	for {
		current := c.level.Load()
		next := current

		switch {
		case perf.Elapsed > adaptSlowThreshold && current > MinLevel:
			next = current - 1
		case perf.Elapsed > 0 && perf.Elapsed < adaptFastThreshold &&
			perf.Ratio < adaptPoorRatio && current < MaxLevel:
			next = current + 1
		}

		if next == current {
			return int(current)
		}
		if c.level.CompareAndSwap(current, next) {
			logger.Debug().
				Str("algorithm", c.algo.String()).
				Int32("from", current).
				Int32("to", next).
				Dur("elapsed", perf.Elapsed).
				Float64("ratio", perf.Ratio).
				Msg("compression: adapted level")
			return int(next)
		}
	}
}
