package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	NotificationsSent      *prometheus.CounterVec
	NotificationsFailed    *prometheus.CounterVec
	DeliveryRetries        *prometheus.CounterVec
	BreakerRejections      *prometheus.CounterVec
	NotificationsProcessed prometheus.Counter
	DeliveryDuration       *prometheus.HistogramVec
	BatchDuration          prometheus.Histogram
	DeadLetterSize         prometheus.Gauge
	AdapterHealthy         *prometheus.GaugeVec
	EscalationsTriggered   prometheus.Counter
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_notifications_sent_total",
			Help: "Total number of successfully delivered notifications.",
		}, []string{"channel"}),

		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_notifications_failed_total",
			Help: "Total number of permanently failed notifications (retries exhausted).",
		}, []string{"channel"}),

		DeliveryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_delivery_retries_total",
			Help: "Total number of retried delivery attempts.",
		}, []string{"channel"}),

		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_breaker_rejections_total",
			Help: "Total number of deliveries rejected by an open circuit breaker.",
		}, []string{"channel"}),

		NotificationsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_notifications_processed_total",
			Help: "Total number of notifications pulled through the dispatch pipeline.",
		}),

		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Per-channel delivery latency from attempt start to provider ack.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_batch_duration_seconds",
			Help:    "Wall-clock duration of one polling batch.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		DeadLetterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_dead_letters",
			Help: "Current number of entries in the dead-letter queue.",
		}),

		AdapterHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "courier_adapter_healthy",
			Help: "Adapter health as reported by the periodic health check (1 healthy, 0 unhealthy).",
		}, []string{"channel"}),

		EscalationsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_escalations_triggered_total",
			Help: "Total number of escalation rounds fired for unacknowledged notifications.",
		}),
	}

	reg.MustRegister(
		m.NotificationsSent,
		m.NotificationsFailed,
		m.DeliveryRetries,
		m.BreakerRejections,
		m.NotificationsProcessed,
		m.DeliveryDuration,
		m.BatchDuration,
		m.DeadLetterSize,
		m.AdapterHealthy,
		m.EscalationsTriggered,
	)

	return m
}

// SetAdapterHealth records the health-check outcome for one channel.
func (m *Metrics) SetAdapterHealth(channel string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.AdapterHealthy.WithLabelValues(channel).Set(v)
}

// DispatchHooks returns the callbacks the dispatcher uses to record outcomes
// without importing prometheus itself.
func (m *Metrics) DispatchHooks() (
	onSent func(channel string, latency time.Duration),
	onFailed func(channel string),
	onRetry func(channel string),
	onBreakerOpen func(channel string),
) {
	onSent = func(ch string, latency time.Duration) {
		m.NotificationsSent.WithLabelValues(ch).Inc()
		m.DeliveryDuration.WithLabelValues(ch).Observe(latency.Seconds())
	}
	onFailed = func(ch string) {
		m.NotificationsFailed.WithLabelValues(ch).Inc()
	}
	onRetry = func(ch string) {
		m.DeliveryRetries.WithLabelValues(ch).Inc()
	}
	onBreakerOpen = func(ch string) {
		m.BreakerRejections.WithLabelValues(ch).Inc()
	}
	return
}
