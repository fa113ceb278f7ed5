// Package metrics holds the Prometheus collectors served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "scans_recorded_total",
		Help:      "Accepted scans by status and time window.",
	}, []string{"status", "window"})

	ScansRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "scans_rejected_total",
		Help:      "Rejected scans by error kind.",
	}, []string{"kind"})

	ChannelAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "notification_attempts_total",
		Help:      "Notification channel attempts by channel and result.",
	}, []string{"channel", "result"})

	NotificationsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "notifications_total",
		Help:      "Notifications by overall status after a send or retry.",
	}, []string{"overall"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "sweep_runs_total",
		Help:      "Absentee sweeps by trigger.",
	}, []string{"trigger"})

	SweepAbsentees = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "sweep_absence_records_total",
		Help:      "Synthetic absence records created by sweeps.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendance",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of absentee sweeps.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	EnqueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "notification_enqueue_failures_total",
		Help:      "Notification jobs that could not be published.",
	})
)
