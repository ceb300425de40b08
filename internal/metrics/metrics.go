// Package metrics holds Prometheus instruments that are used across the
// gateway.  All collectors are registered with the global registry, so
// importing this package in main.go is enough to expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ValidationPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "form_validation_passes_total",
			Help: "Cumulative number of whole-form validation passes.",
		})

	AsyncChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "form_async_checks_total",
			Help: "Async field checks by outcome (remote, cache_hit, stale, fail_open).",
		}, []string{"outcome"})

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "form_submissions_total",
			Help: "Submit attempts by terminal state.",
		}, []string{"outcome"})

	ActiveInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "form_active_instances",
			Help: "Number of form instances currently held in memory.",
		})

	InstanceEvictTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "form_instance_evict_total",
			Help: "Cumulative number of form instances evicted from the registry.",
		})

	BackendRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_seconds",
			Help:    "Latency of outbound backend calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"})
)

func init() {
	prometheus.MustRegister(
		ValidationPassesTotal,
		AsyncChecksTotal,
		SubmissionsTotal,
		ActiveInstances,
		InstanceEvictTotal,
		BackendRequestSeconds,
	)
}
