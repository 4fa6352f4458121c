package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// outboxOutcomesTotal counts terminal delivery outcomes per purpose.
	// Labels:
	// - purpose: email_verification | password_reset | invoice_ready | activation | campaign:* ...
	// - outcome: sent | retry | suppressed | failed
	outboxOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "outbox",
			Name:      "outcomes_total",
			Help:      "Delivery outcomes recorded by the workers.",
		},
		[]string{"purpose", "outcome"},
	)

	// smtpClassificationsTotal counts classified SMTP failures.
	// Labels:
	// - classification: bounce_limit | recipient_unknown | smtp_error
	smtpClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "delivery",
			Name:      "smtp_classifications_total",
			Help:      "SMTP failures by classification.",
		},
		[]string{"classification"},
	)

	// deliveryDuration tracks the wall time of one delivery attempt.
	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "delivery",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single SMTP delivery attempt.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// rateLimitSuppressedTotal counts emails suppressed by the rate limiter.
	rateLimitSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "ratelimit",
			Name:      "suppressed_total",
			Help:      "Emails suppressed because the per-user window was exhausted.",
		},
		[]string{"purpose"},
	)

	// drainBatchSize observes how many rows each scheduler pass leased.
	drainBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "drain",
			Name:      "batch_size",
			Help:      "Number of outbox rows leased per scheduler pass.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)

	// reapedTotal counts stale leases reclaimed by the reaper.
	reapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "drain",
			Name:      "reaped_total",
			Help:      "Stale SENDING leases reset back to QUEUED.",
		},
	)

	// campaignEnqueuedTotal counts outbox rows fanned out by campaigns.
	campaignEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "campaigns",
			Name:      "enqueued_total",
			Help:      "Campaign recipients enqueued to the outbox.",
		},
		[]string{"campaign", "result"},
	)
)

// IncOutboxOutcome increments the delivery outcome counter.
func IncOutboxOutcome(purpose, outcome string) {
	if purpose == "" {
		purpose = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	outboxOutcomesTotal.WithLabelValues(purpose, outcome).Inc()
}

// IncSMTPClassification increments the failure classification counter.
func IncSMTPClassification(classification string) {
	if classification == "" {
		classification = "unknown"
	}
	smtpClassificationsTotal.WithLabelValues(classification).Inc()
}

// ObserveDeliveryDuration records how long one delivery attempt took.
func ObserveDeliveryDuration(outcome string, d time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	deliveryDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncRateLimitSuppressed increments the suppression counter for a purpose.
func IncRateLimitSuppressed(purpose string) {
	if purpose == "" {
		purpose = "unknown"
	}
	rateLimitSuppressedTotal.WithLabelValues(purpose).Inc()
}

// ObserveDrainBatch records the size of a leased batch.
func ObserveDrainBatch(n int) {
	drainBatchSize.Observe(float64(n))
}

// AddReaped adds to the reclaimed-lease counter.
func AddReaped(n int64) {
	if n > 0 {
		reapedTotal.Add(float64(n))
	}
}

// IncCampaignEnqueued increments the fan-out counter.
// result: queued | suppressed | dry_run
func IncCampaignEnqueued(campaign, result string) {
	if campaign == "" {
		campaign = "unknown"
	}
	if result == "" {
		result = "unknown"
	}
	campaignEnqueuedTotal.WithLabelValues(campaign, result).Inc()
}
