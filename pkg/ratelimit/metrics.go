// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "upflow",
	Subsystem: "ratelimit",
	Name:      "rejections_total",
	Help:      "Requests rejected by the rate limiter, by reason.",
}, []string{"reason"})

func recordRejection(reason string) {
	rejections.WithLabelValues(reason).Inc()
}
