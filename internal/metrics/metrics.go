package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "syncbridge"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	webhookNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_notifications_total",
			Help:      "Inbound webhook notifications by vendor and outcome.",
		},
		[]string{"vendor", "outcome"},
	)

	queueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Queue jobs by lifecycle outcome (enqueued, deduped, skipped, processed, failed, requeued, dead_lettered).",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the queue at the end of the last processing pass.",
		},
	)

	lockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_lock_contention_total",
			Help:      "Processing passes rejected because the queue lock was held.",
		},
	)

	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_decisions_total",
			Help:      "Resolver and executor outcomes by state and reason.",
		},
		[]string{"state", "reason"},
	)

	subscriptionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_operations_total",
			Help:      "Subscription lifecycle outcomes by source.",
		},
		[]string{"source", "outcome"},
	)

	deltaPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delta_pages_total",
			Help:      "Delta feed pages fetched by source and result.",
		},
		[]string{"source", "result"},
	)

	storeFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failovers_total",
			Help:      "Times the primary store was abandoned for the in-memory fallback.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			webhookNotifications,
			queueJobs,
			queueDepth,
			lockContention,
			decisions,
			subscriptionOutcomes,
			deltaPages,
			storeFailovers,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// AddWebhook records n notifications for vendor with the given outcome.
func AddWebhook(vendor, outcome string, n int) {
	if n <= 0 {
		return
	}
	webhookNotifications.WithLabelValues(vendor, outcome).Add(float64(n))
}

// AddJobs records n jobs with the given lifecycle outcome.
func AddJobs(outcome string, n int) {
	if n <= 0 {
		return
	}
	queueJobs.WithLabelValues(outcome).Add(float64(n))
}

// SetQueueDepth publishes the observed queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// IncLockContention counts a rejected processing pass.
func IncLockContention() {
	lockContention.Inc()
}

// IncDecision counts one resolver/executor outcome.
func IncDecision(state, reason string) {
	decisions.WithLabelValues(state, reason).Inc()
}

// IncSubscription counts one subscription lifecycle outcome.
func IncSubscription(source, outcome string) {
	subscriptionOutcomes.WithLabelValues(source, outcome).Inc()
}

// IncDeltaPage counts one delta page fetch.
func IncDeltaPage(source, result string) {
	deltaPages.WithLabelValues(source, result).Inc()
}

// IncStoreFailover counts a primary store failover.
func IncStoreFailover() {
	storeFailovers.Inc()
}
