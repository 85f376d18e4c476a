package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)

// Metrics records webhook processing counters.
type Metrics struct {
	webhookEvents    *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	receiptValidated *prometheus.CounterVec
}

const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

func New() *Metrics {
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook events by provider, event type and outcome.",
		}, []string{"provider", "event_type", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webhook_handler_duration_seconds",
			Help:    "Webhook handler duration by provider and event type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),
		receiptValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_validations_total",
			Help: "Receipt validation attempts by environment and result.",
		}, []string{"environment", "result"}),
	}

	prometheus.MustRegister(m.webhookEvents, m.handlerDuration, m.receiptValidated)
	return m
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) ObserveHandlerDuration(provider, eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(provider, eventType).Observe(seconds)
}

func (m *Metrics) RecordReceiptValidation(environment, result string) {
	if m == nil {
		return
	}
	m.receiptValidated.WithLabelValues(environment, result).Inc()
}
