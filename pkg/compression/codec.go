// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"errors"
	"fmt"
)

// ErrCorruptedData indicates compressed input that could not be
// decoded. Decompression never returns partial or wrong data silently.
var ErrCorruptedData = errors.New("corrupted compressed data")

// Compress compresses data with the given algorithm and level.
// Returns the input unchanged if algo is None or empty.
func Compress(algo Algorithm, level int, data []byte) ([]byte, error) {
	switch algo {
	case None, "":
		return data, nil
	case ZSTD:
		return compressZSTD(data, level)
	case LZ4:
		return compressLZ4(data, level)
	case S2:
		return compressS2(data, level)
	default:
		return data, nil
	}
}

// Decompress decompresses data with the given algorithm.
// Returns the input unchanged if algo is None or empty.
func Decompress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case None, "":
		return data, nil
	case ZSTD:
		return decompressZSTD(data)
	case LZ4:
		return decompressLZ4(data)
	case S2:
		return decompressS2(data)
	default:
		return data, nil
	}
}

// SavingsRatio is (original - compressed) / original, clamped to >= 0.
// A payload that grew under compression reports 0.
func SavingsRatio(originalSize, compressedSize int) float64 {
	if originalSize <= 0 || compressedSize >= originalSize {
		return 0
	}
	return float64(originalSize-compressedSize) / float64(originalSize)
}

func corrupted(algo Algorithm, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptedData, algo, err)
}
