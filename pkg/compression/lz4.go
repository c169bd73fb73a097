// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// lz4Level maps the 1-9 range onto lz4's Fast + Level1..Level9 scale.
func lz4Level(level int) lz4.CompressionLevel {
	switch level {
	case 1, 2:
		return lz4.Fast
	case 3:
		return lz4.Level1
	case 4:
		return lz4.Level2
	case 5:
		return lz4.Level3
	case 6:
		return lz4.Level4
	case 7:
		return lz4.Level6
	case 8:
		return lz4.Level8
	default:
		return lz4.Level9
	}
}

func compressLZ4(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(lz4.CompressBlockBound(len(data)))

	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
		return nil, fmt.Errorf("lz4 level: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}

	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))

	decompressed, err := io.ReadAll(r)
	if err != nil {
		return nil, corrupted(LZ4, err)
	}
	return decompressed, nil
}
