// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"github.com/klauspost/compress/s2"
)

// S2 has three effort modes rather than numeric levels.
func compressS2(data []byte, level int) ([]byte, error) {
	switch {
	case level <= 3:
		return s2.Encode(nil, data), nil
	case level <= 7:
		return s2.EncodeBetter(nil, data), nil
	default:
		return s2.EncodeBest(nil, data), nil
	}
}

func decompressS2(data []byte) ([]byte, error) {
	decompressed, err := s2.Decode(nil, data)
	if err != nil {
		return nil, corrupted(S2, err)
	}
	return decompressed, nil
}
