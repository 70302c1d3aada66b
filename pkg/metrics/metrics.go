// Package metrics exposes the Prometheus collectors of the credit system.
//
// All recording methods are safe on a nil *Metrics, so services can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors.
type Metrics struct {
	ConsumeTotal    *prometheus.CounterVec   // decisions by feature and outcome
	ConsumeDuration *prometheus.HistogramVec // check-and-consume latency
	ConsumeRetries  prometheus.Counter       // transaction retries after a conflict
	ConflictsTotal  prometheus.Counter       // retries exhausted
	CreditsDebited  *prometheus.CounterVec   // credits spent by feature
	RefundsTotal    *prometheus.CounterVec   // compensating refunds by feature

	WebhookTotal *prometheus.CounterVec // webhook deliveries by provider and outcome

	LockAcquireTotal    *prometheus.CounterVec
	LockAcquireDuration prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ConsumeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_consume_total",
			Help: "Check-and-consume calls by feature and decision.",
		}, []string{"feature", "decision"}),
		ConsumeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credits_consume_duration_seconds",
			Help:    "Duration of check-and-consume including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"feature"}),
		ConsumeRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "credits_consume_retries_total",
			Help: "Transactions retried after a serialization conflict.",
		}),
		ConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "credits_consume_conflicts_total",
			Help: "Calls that exhausted their retries.",
		}),
		CreditsDebited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_debited_total",
			Help: "Credits debited by feature.",
		}, []string{"feature"}),
		RefundsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_refunds_total",
			Help: "Compensating refunds by feature.",
		}, []string{"feature"}),
		WebhookTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_total",
			Help: "Payment webhooks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		LockAcquireTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_lock_acquire_total",
			Help: "Per-user lock acquisitions by result.",
		}, []string{"result"}),
		LockAcquireDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credits_lock_acquire_duration_seconds",
			Help:    "Time spent waiting for the per-user lock.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) ObserveConsume(feature, decision string, debited int64, took time.Duration) {
	if m == nil {
		return
	}
	m.ConsumeTotal.WithLabelValues(feature, decision).Inc()
	m.ConsumeDuration.WithLabelValues(feature).Observe(took.Seconds())
	if debited > 0 {
		m.CreditsDebited.WithLabelValues(feature).Add(float64(debited))
	}
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.ConsumeRetries.Inc()
}

func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

func (m *Metrics) IncRefund(feature string) {
	if m == nil {
		return
	}
	m.RefundsTotal.WithLabelValues(feature).Inc()
}

func (m *Metrics) ObserveWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhookTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveLock(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failed"
	}
	m.LockAcquireTotal.WithLabelValues(result).Inc()
	m.LockAcquireDuration.Observe(took.Seconds())
}

// Handler serves the metrics of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
