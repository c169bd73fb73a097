// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CompressionSavingsHist tracks savings ratios ((orig-comp)/orig).
	CompressionSavingsHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upflow",
			Subsystem: "compression",
			Name:      "savings_ratio",
			Help:      "Compression savings ratio ((original - compressed) / original)",
			Buckets:   []float64{0.0, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9},
		},
		[]string{"algorithm"},
	)

	// CompressionBytesIn tracks original bytes before compression
	CompressionBytesIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upflow",
			Subsystem: "compression",
			Name:      "bytes_in_total",
			Help:      "Total bytes before compression (original size)",
		},
		[]string{"algorithm"},
	)

	// CompressionBytesOut tracks compressed bytes after compression
	CompressionBytesOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upflow",
			Subsystem: "compression",
			Name:      "bytes_out_total",
			Help:      "Total bytes after compression (compressed size)",
		},
		[]string{"algorithm"},
	)

	// CompressionSkipped tracks chunks where compression was skipped
	CompressionSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upflow",
			Subsystem: "compression",
			Name:      "skipped_total",
			Help:      "Chunks where compression was skipped (heuristics or no space savings)",
		},
		[]string{"algorithm"},
	)

	// DecompressionBytesOut tracks decompressed bytes output
	DecompressionBytesOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upflow",
			Subsystem: "decompression",
			Name:      "bytes_out_total",
			Help:      "Total bytes after decompression (original size)",
		},
		[]string{"algorithm"},
	)
)

// RecordCompression records metrics for a compression operation
func RecordCompression(algo Algorithm, originalSize, compressedSize int, skipped bool) {
	algoStr := algo.String()

	if skipped {
		CompressionSkipped.WithLabelValues(algoStr).Inc()
		return
	}

	CompressionBytesIn.WithLabelValues(algoStr).Add(float64(originalSize))
	CompressionBytesOut.WithLabelValues(algoStr).Add(float64(compressedSize))
	CompressionSavingsHist.WithLabelValues(algoStr).Observe(SavingsRatio(originalSize, compressedSize))
}

// RecordDecompression records metrics for a decompression operation
func RecordDecompression(algo Algorithm, compressedSize, originalSize int) {
	DecompressionBytesOut.WithLabelValues(algo.String()).Add(float64(originalSize))
}
