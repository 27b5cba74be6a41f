// Package metrics provides Prometheus metrics for the Atelier service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DesignDecisionsTotal tracks admin decisions on designs by outcome
	DesignDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "designs",
			Name:      "decisions_total",
			Help:      "Total number of design validate/reject decisions by outcome",
		},
		[]string{"decision", "outcome"},
	)

	// CascadeTransitionsTotal tracks product transitions applied by the cascade
	CascadeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "cascade",
			Name:      "transitions_total",
			Help:      "Total number of product transitions applied, by kind and source",
		},
		[]string{"kind", "source"},
	)

	// CascadeFailuresTotal tracks per-product apply failures
	CascadeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "cascade",
			Name:      "failures_total",
			Help:      "Total number of per-product cascade failures by source",
		},
		[]string{"source"},
	)

	// CascadeDuration tracks how long one cascade batch takes
	CascadeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atelier",
			Subsystem: "cascade",
			Name:      "duration_seconds",
			Help:      "Duration of cascade batches in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"source"},
	)

	// ReconcileRunsTotal tracks reconciler sweeps
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Total number of reconcile sweeps by trigger and status",
		},
		[]string{"trigger", "status"},
	)

	// ReconcileUpdatedTotal tracks products changed by the reconciler
	ReconcileUpdatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "reconciler",
			Name:      "updated_products_total",
			Help:      "Total number of products updated by reconcile sweeps",
		},
	)

	// HTTPRequestsTotal tracks API requests by route pattern and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency by route pattern
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atelier",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// NotificationsTotal tracks relay deliveries
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Total number of event deliveries by sink and status",
		},
		[]string{"sink", "status"},
	)
)

const (
	SourceDesign    = "design"
	SourceReconcile = "reconcile"
	SourceVendor    = "vendor"

	StatusSuccess = "success"
	StatusFailure = "failure"
)
