// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Send attempts by result: sent, failed
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sends_total",
			Help: "Send attempts made by the dispatch loop",
		},
		[]string{"transport", "result"},
	)

	// Send latency (seconds)
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Transport send latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"transport"},
	)

	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_quota_denials_total",
			Help: "Admissions denied by the quota guard",
		},
		[]string{"reason"},
	)

	PoolSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_pool_sessions",
			Help: "Verified transport sessions currently cached",
		},
	)

	PoolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_pool_evictions_total",
			Help: "Sessions removed from the pool",
		},
		[]string{"cause"}, // cause: broken, explicit, shutdown
	)

	ContinuationsScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_continuations_scheduled_total",
			Help: "Dispatch continuations scheduled after an hourly denial",
		},
	)

	CampaignTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_campaign_transitions_total",
			Help: "Campaign status changes made by the dispatch loop",
		},
		[]string{"status"},
	)

	TrackingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tracking_events_total",
			Help: "Tracking signals received",
		},
		[]string{"type", "result"}, // result: applied, dropped
	)
)

// RecordSend records one send attempt.
func RecordSend(transport string, ok bool, d time.Duration) {
	result := "sent"
	if !ok {
		result = "failed"
	}
	SendsTotal.WithLabelValues(transport, result).Inc()
	SendDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// RecordTracking records one tracking signal.
func RecordTracking(eventType string, applied bool) {
	result := "applied"
	if !applied {
		result = "dropped"
	}
	TrackingEventsTotal.WithLabelValues(eventType, result).Inc()
}
