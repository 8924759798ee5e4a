// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter",
		},
	)

	// Events and registrations
	EventTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_status_transitions_total",
			Help: "Event status changes by target status",
		},
		[]string{"to"},
	)

	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_registrations_total",
			Help: "Registration attempts by outcome",
		},
		[]string{"outcome"}, // "registered", "reactivated", "conflict", "rejected", "cancelled"
	)

	// Attendance and credits
	AttendanceTokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_tokens_issued_total",
			Help: "QR attendance tokens issued",
		},
	)

	Scans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_scans_total",
			Help: "Attendance scans by outcome",
		},
		[]string{"outcome"},
	)

	CreditsAwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_awarded_total",
			Help: "Sum of credits awarded through attendance",
		},
	)

	CreditDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_reconciliation_drift_total",
			Help: "Reconciliations that found the cached total out of step with the ledger",
		},
	)

	// Queue and worker
	QueuePublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_publish_errors_total",
			Help: "Failed attendance notifications",
		},
	)

	LeaderboardUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_updates_total",
			Help: "Leaderboard updates applied by the worker",
		},
		[]string{"result"},
	)
)
