package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docvalidation_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"stage"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvalidation_requests_total",
			Help: "Total number of processed requests by outcome",
		},
		[]string{"outcome"}, // Pass, Warning, Fail, rejected, cancelled
	)

	testsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvalidation_tests_total",
			Help: "Total number of test results by category and status",
		},
		[]string{"category", "status"},
	)

	decodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvalidation_decode_failures_total",
			Help: "Total number of inputs dropped because they could not be decoded",
		},
		[]string{"source"},
	)
)
