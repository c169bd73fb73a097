// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/uperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		input    string
		expected Algorithm
	}{
		{"none", None},
		{"zstd", ZSTD},
		{"lz4", LZ4},
		{"s2", S2},
		{"", None},
		{"invalid", None},
		{"ZSTD", None}, // case sensitive
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseAlgorithm(tt.input))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"level floor", Config{Algorithm: ZSTD, Level: 1}, true},
		{"level ceiling", Config{Algorithm: LZ4, Level: 9}, true},
		{"level zero", Config{Algorithm: ZSTD, Level: 0}, false},
		{"level too high", Config{Algorithm: ZSTD, Level: 10}, false},
		{"bad algorithm", Config{Algorithm: "gzip", Level: 6}, false},
		{"negative min size", Config{Algorithm: ZSTD, Level: 6, MinSize: -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, uperr.IsKind(err, uperr.KindValidation))
			}
		})
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("hello world this is compressible data ", 100))

	for _, algo := range []Algorithm{None, ZSTD, LZ4, S2} {
		t.Run(algo.String(), func(t *testing.T) {
			for level := MinLevel; level <= MaxLevel; level++ {
				compressed, err := Compress(algo, level, data)
				require.NoError(t, err)

				decompressed, err := Decompress(algo, compressed)
				require.NoError(t, err)
				assert.Equal(t, data, decompressed)

				if algo != None {
					assert.Less(t, len(compressed), len(data),
						"compressible input should shrink at level %d", level)
				}
			}
		})
	}
}

func TestDecompressCorruptedData(t *testing.T) {
	data := []byte(strings.Repeat("payload ", 512))

	for _, algo := range []Algorithm{ZSTD, LZ4, S2} {
		t.Run(algo.String(), func(t *testing.T) {
			compressed, err := Compress(algo, DefaultLevel, data)
			require.NoError(t, err)

			// Flip bytes in the middle of the frame.
			corruptedData := append([]byte(nil), compressed...)
			for i := len(corruptedData) / 2; i < len(corruptedData)/2+8 && i < len(corruptedData); i++ {
				corruptedData[i] ^= 0xff
			}
			corruptedData = corruptedData[:len(corruptedData)-1]

			_, err = Decompress(algo, corruptedData)
			assert.True(t, errors.Is(err, ErrCorruptedData), "got %v", err)
		})
	}
}

func TestShouldCompress(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	compressible := []byte(strings.Repeat("aaaabbbbcccc", 1024))

	random := make([]byte, 16384)
	_, err = rand.Read(random)
	require.NoError(t, err)

	tests := []struct {
		name     string
		data     []byte
		filename string
		want     bool
	}{
		{"compressible text", compressible, "notes.txt", true},
		{"tiny payload", []byte("tiny"), "notes.txt", false},
		{"mp3 extension", compressible, "track.mp3", false},
		{"flac extension", compressible, "track.FLAC", false},
		{"zip extension", compressible, "bundle.zip", false},
		{"high entropy", random, "blob.bin", false},
		{"wav is uncompressed", compressible, "take1.wav", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ShouldCompress(tt.data, tt.filename))
		})
	}
}

func TestCompressChunkCarriesMetadata(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	data := []byte(strings.Repeat("chunk data ", 1024))
	chunk := &types.Chunk{
		Number:   7,
		Size:     int64(len(data)),
		Checksum: types.ChecksumBytes(data),
	}

	out, err := c.CompressChunk(chunk, data, "recording.txt")
	require.NoError(t, err)

	assert.Equal(t, 7, out.Number)
	assert.Equal(t, chunk.Checksum, out.Checksum)
	assert.Equal(t, int64(len(data)), out.OriginalSize)
	assert.Equal(t, ZSTD, out.Algorithm)
	assert.Greater(t, out.Ratio, 0.0)
	assert.LessOrEqual(t, out.Ratio, 1.0)

	restored, err := c.DecompressChunk(out)
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestCompressChunkPassThrough(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	// Below MinSize: passes through unchanged with None.
	data := []byte("small")
	chunk := &types.Chunk{Number: 1, Size: int64(len(data))}

	out, err := c.CompressChunk(chunk, data, "x.txt")
	require.NoError(t, err)
	assert.Equal(t, None, out.Algorithm)
	assert.Equal(t, data, out.Data)
	assert.Equal(t, 0.0, out.Ratio)
}

func TestDecompressChunkChecksumMismatch(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	data := []byte(strings.Repeat("chunk data ", 1024))
	chunk := &types.Chunk{Number: 1, Size: int64(len(data)), Checksum: types.ChecksumBytes(data)}

	out, err := c.CompressChunk(chunk, data, "x.txt")
	require.NoError(t, err)

	out.Checksum = types.ChecksumBytes([]byte("other content"))
	_, err = c.DecompressChunk(out)
	assert.True(t, uperr.IsKind(err, uperr.KindIntegrity))
}

func TestAdaptSettings(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, DefaultLevel, c.Level())

	// Slow compression drops the level.
	got := c.AdaptSettings(Performance{Elapsed: 3 * time.Second, Ratio: 0.5})
	assert.Equal(t, DefaultLevel-1, got)

	// Fast with good ratio: unchanged.
	got = c.AdaptSettings(Performance{Elapsed: 50 * time.Millisecond, Ratio: 0.8})
	assert.Equal(t, DefaultLevel-1, got)

	// Fast with poor ratio raises the level.
	got = c.AdaptSettings(Performance{Elapsed: 50 * time.Millisecond, Ratio: 0.1})
	assert.Equal(t, DefaultLevel, got)

	// Never exceeds the bounds.
	for i := 0; i < 20; i++ {
		c.AdaptSettings(Performance{Elapsed: 3 * time.Second, Ratio: 0.5})
	}
	assert.Equal(t, MinLevel, c.Level())

	for i := 0; i < 20; i++ {
		c.AdaptSettings(Performance{Elapsed: 50 * time.Millisecond, Ratio: 0.0})
	}
	assert.Equal(t, MaxLevel, c.Level())
}

func TestSavingsRatio(t *testing.T) {
	assert.Equal(t, 0.5, SavingsRatio(100, 50))
	assert.Equal(t, 0.0, SavingsRatio(100, 100))
	assert.Equal(t, 0.0, SavingsRatio(100, 150)) // clamped, never negative
	assert.Equal(t, 0.0, SavingsRatio(0, 0))
}
