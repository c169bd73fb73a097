// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "upload",
		Name:      "chunks_total",
		Help:      "Chunk transfer attempts, by outcome.",
	}, []string{"outcome"})

	bytesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "upload",
		Name:      "bytes_total",
		Help:      "Bytes written to chunk storage.",
	})

	scanVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "scan",
		Name:      "verdicts_total",
		Help:      "Scan verdicts applied, by kind.",
	}, []string{"verdict"})

	assemblies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upflow",
		Subsystem: "upload",
		Name:      "assemblies_total",
		Help:      "Assembly attempts, by outcome.",
	}, []string{"outcome"})
)

func recordChunk(success bool, bytes int) {
	if success {
		chunksTransferred.WithLabelValues("success").Inc()
		bytesTransferred.Add(float64(bytes))
		return
	}
	chunksTransferred.WithLabelValues("failure").Inc()
}

func recordAssembly(success bool) {
	if success {
		assemblies.WithLabelValues("success").Inc()
		return
	}
	assemblies.WithLabelValues("failure").Inc()
}

func recordVerdict(verdict string) {
	scanVerdicts.WithLabelValues(verdict).Inc()
}
