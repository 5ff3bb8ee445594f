// Package metrics holds the Prometheus collectors the service exports.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "creditcanvas"

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	billingEvents    *prometheus.CounterVec
	creditsGranted   *prometheus.CounterVec
	creditsDebited   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Generation and edit requests by model and outcome",
			},
			[]string{"operation", "model", "outcome"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_duration_seconds",
				Help:      "Duration of upstream provider calls, including polling",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
			},
			[]string{"provider", "model"},
		),
		billingEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_events_total",
				Help:      "Payment processor events by type and result",
			},
			[]string{"type", "result"},
		),
		creditsGranted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_granted_total",
				Help:      "Credits added to balances by transaction type",
			},
			[]string{"type"},
		),
		creditsDebited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_debited_total",
				Help:      "Credits spent on generations",
			},
		),
	}
}

func (m *Metrics) Dispatch(operation, model, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(operation, model, outcome).Inc()
}

func (m *Metrics) ProviderCall(provider, model string, took time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(provider, model).Observe(took.Seconds())
}

func (m *Metrics) BillingEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.billingEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) CreditsGranted(txnType string, credits int) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsGranted.WithLabelValues(txnType).Add(float64(credits))
}

func (m *Metrics) CreditsDebited(credits int) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsDebited.Add(float64(credits))
}
