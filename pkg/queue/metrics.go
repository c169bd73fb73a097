// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "queue",
		Name:      "batches_created_total",
		Help:      "Batches registered for processing.",
	})
	batchFiles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "queue",
		Name:      "batch_files_total",
		Help:      "Files registered across all batches.",
	})
	passes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "queue",
		Name:      "passes_total",
		Help:      "Processing passes by outcome.",
	}, []string{"outcome"})
	batchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "queue",
		Name:      "batches_finished_total",
		Help:      "Finalized batches by terminal status.",
	}, []string{"status"})
)

func recordBatchCreated(files int) {
	batchesCreated.Inc()
	batchFiles.Add(float64(files))
}

func recordPass(success bool) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	passes.WithLabelValues(outcome).Inc()
}

func recordBatchFinished(status string) {
	batchesFinished.WithLabelValues(status).Inc()
}
