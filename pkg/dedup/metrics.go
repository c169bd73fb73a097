// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "dedup",
		Name:      "chunks_total",
		Help:      "Chunks satisfied by an existing storage key.",
	})

	chunksUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "dedup",
		Name:      "chunks_uploaded_total",
		Help:      "Chunks that required a real transfer.",
	})

	bytesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "dedup",
		Name:      "bytes_saved_total",
		Help:      "Bytes not transferred thanks to deduplication.",
	})
)

func recordDedup(s Stats) {
	chunksDeduplicated.Add(float64(s.DeduplicatedChunks))
	chunksUploaded.Add(float64(s.UploadedChunks))
	bytesSaved.Add(float64(s.BytesSaved))
}
