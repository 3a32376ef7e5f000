package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookings_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"isolation"},
	)

	DBTxRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_db_tx_retries_total",
			Help: "Transactions retried after a transient failure",
		},
		[]string{"cause"},
	)

	CapacityDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_capacity_decisions_total",
			Help: "Outcomes of the locking capacity check",
		},
		[]string{"outcome"},
	)

	SlotsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookings_slots_generated_total",
			Help: "Time slots inserted by the availability expander",
		},
	)

	CleanupReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_cleanup_reservations_total",
			Help: "Reservations handled by cleanup sweeps",
		},
		[]string{"sweep", "outcome"},
	)

	CleanupRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bookings_cleanup_run_seconds",
			Help:    "Duration of a cleanup pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_webhook_events_total",
			Help: "Webhook deliveries by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookings_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookings_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookings_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
