// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstd exposes four speed tiers; the 1-9 level range maps onto them.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

var (
	zstdEncoderPools sync.Map // zstd.EncoderLevel -> *sync.Pool
	zstdDecoderPool  = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
			)
			return dec
		},
	}
)

func zstdEncoderPool(lvl zstd.EncoderLevel) *sync.Pool {
	if p, ok := zstdEncoderPools.Load(lvl); ok {
		return p.(*sync.Pool)
	}
	pool := &sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(lvl),
				zstd.WithEncoderConcurrency(1),
			)
			return enc
		},
	}
	actual, _ := zstdEncoderPools.LoadOrStore(lvl, pool)
	return actual.(*sync.Pool)
}

func compressZSTD(data []byte, level int) ([]byte, error) {
	pool := zstdEncoderPool(zstdLevel(level))
	enc := pool.Get().(*zstd.Encoder)
	defer pool.Put(enc)

	return enc.EncodeAll(data, nil), nil
}

func decompressZSTD(data []byte) ([]byte, error) {
	dec := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(dec)

	decompressed, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, corrupted(ZSTD, err)
	}
	return decompressed, nil
}
