// Package monitoring holds the Prometheus metrics for the service,
// exposed on GET /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every instrument the service records.
type Metrics struct {
	// Tick / flush pipeline
	TickFanout     *prometheus.CounterVec
	FlushBatchSize *prometheus.HistogramVec
	FlushFailures  *prometheus.CounterVec
	FlushDuration  *prometheus.HistogramVec

	// Enforcement
	BreachTransitions *prometheus.CounterVec
	ProxyDecisions    *prometheus.CounterVec
	IncrementTotal    *prometheus.CounterVec

	// Auth
	AuthCacheHits   prometheus.Counter
	AuthCacheMisses prometheus.Counter

	// Outbound
	WebhookDeliveries *prometheus.CounterVec
	UsageReports      *prometheus.CounterVec

	// Queues
	QueueDepth   *prometheus.GaugeVec
	QueueRetries *prometheus.CounterVec

	// Actors
	ActorsLive     *prometheus.GaugeVec
	ActorRestarts  *prometheus.CounterVec
}

// NewMetrics creates and registers every instrument on the default
// registry. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		TickFanout: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracktags_tick_fanout_total",
				Help: "Ticks delivered to subscribed metric actors",
			},
			[]string{"tick"},
		),
		FlushBatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracktags_flush_batch_size",
				Help:    "Staged entries drained per tick flush",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
			},
			[]string{"tick"},
		),
		FlushFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracktags_flush_failures_total",
				Help: "Durable batch writes that failed and left the stage intact",
			},
			[]string{"tick"},
		),
		FlushDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracktags_flush_duration_seconds",
				Help:    "Wall time of one tick drain including the row-store write",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tick"},
		),
		BreachTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracktags_breach_transitions_total",
				Help: "Edge-triggered healthy/breached transitions",
			},
			[]string{"business_id", "direction"}, // direction: breached, recovered
		),
		ProxyDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracktags_proxy_decisions_total",
				Help: "Gating proxy verdicts",
			},
			[]string{"decision"}, // allowed, denied, overage
		),
		IncrementTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracktags_increments_total",
				Help: "Metric increments applied",
			},
			[]string{"scope"},
		),
		AuthCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracktags_auth_cache_hits_total",
			Help: "API key lookups answered from the auth cache",
		}),
		AuthCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracktags_auth_cache_misses_total",
			Help: "API key lookups that fell through to the row store",
		}),
		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracktags_webhook_deliveries_total",
				Help: "Breach webhook fanout outcomes",
			},
			[]string{"outcome"}, // delivered, failed, dropped
		),
		UsageReports: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracktags_usage_reports_total",
				Help: "Usage records reported to the billing provider",
			},
			[]string{"outcome"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracktags_queue_depth",
				Help: "Tasks per provisioning queue status",
			},
			[]string{"status"},
		),
		QueueRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracktags_queue_retries_total",
				Help: "Provisioning task retries, by terminal outcome",
			},
			[]string{"outcome"}, // retried, dead_letter
		),
		ActorsLive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracktags_actors_live",
				Help: "Live actors by kind",
			},
			[]string{"kind"}, // business, customer, metric
		),
		ActorRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracktags_actor_restarts_total",
				Help: "Supervisor restarts after an actor panic",
			},
			[]string{"kind"},
		),
	}
}

// The Record helpers below are nil-safe so tests can run components
// without a registry.

// RecordFlush observes one drain pass.
func (m *Metrics) RecordFlush(tick string, batchSize int, seconds float64, err error) {
	if m == nil {
		return
	}
	m.FlushBatchSize.WithLabelValues(tick).Observe(float64(batchSize))
	m.FlushDuration.WithLabelValues(tick).Observe(seconds)
	if err != nil {
		m.FlushFailures.WithLabelValues(tick).Inc()
	}
}

// RecordTick counts one tick delivered to a metric actor.
func (m *Metrics) RecordTick(tick string) {
	if m == nil {
		return
	}
	m.TickFanout.WithLabelValues(tick).Inc()
}

// RecordBreach counts one edge transition.
func (m *Metrics) RecordBreach(businessID string, breached bool) {
	if m == nil {
		return
	}
	direction := "recovered"
	if breached {
		direction = "breached"
	}
	m.BreachTransitions.WithLabelValues(businessID, direction).Inc()
}

// RecordProxyDecision counts one gating verdict.
func (m *Metrics) RecordProxyDecision(decision string) {
	if m == nil {
		return
	}
	m.ProxyDecisions.WithLabelValues(decision).Inc()
}

// RecordIncrement counts one applied increment.
func (m *Metrics) RecordIncrement(scope string) {
	if m == nil {
		return
	}
	m.IncrementTotal.WithLabelValues(scope).Inc()
}

// RecordAuthCache counts one auth cache lookup.
func (m *Metrics) RecordAuthCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.AuthCacheHits.Inc()
	} else {
		m.AuthCacheMisses.Inc()
	}
}

// RecordWebhook counts one fanout delivery outcome.
func (m *Metrics) RecordWebhook(outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// RecordUsageReport counts one usage record pushed to the billing provider.
func (m *Metrics) RecordUsageReport(outcome string) {
	if m == nil {
		return
	}
	m.UsageReports.WithLabelValues(outcome).Inc()
}

// RecordActorRestart counts one supervised restart.
func (m *Metrics) RecordActorRestart(kind string) {
	if m == nil {
		return
	}
	m.ActorRestarts.WithLabelValues(kind).Inc()
}

// AddActorsLive moves the live-actor gauge for a kind.
func (m *Metrics) AddActorsLive(kind string, delta float64) {
	if m == nil {
		return
	}
	m.ActorsLive.WithLabelValues(kind).Add(delta)
}

// SetQueueDepth records the size of one provisioning queue status.
func (m *Metrics) SetQueueDepth(status string, n float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(status).Set(n)
}

// RecordQueueRetry counts one provisioning retry outcome.
func (m *Metrics) RecordQueueRetry(outcome string) {
	if m == nil {
		return
	}
	m.QueueRetries.WithLabelValues(outcome).Inc()
}
