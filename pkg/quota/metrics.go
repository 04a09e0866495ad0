package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the quota engine. A nil
// *Metrics is valid and records nothing, so tests and embedders that do
// not scrape can pass nil.
type Metrics struct {
	// Admission decisions
	decisions *prometheus.CounterVec
	denials   *prometheus.CounterVec

	// Grant lifecycle
	purchases *prometheus.CounterVec
	renewals  *prometheus.CounterVec

	// Decision latency
	decisionDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with Prometheus collectors.
// Collectors register with the default registry, so call this once per
// process.
func NewMetrics() *Metrics {
	return &Metrics{
		decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portcullis_quota_decisions_total",
				Help: "Total number of admission decisions",
			},
			[]string{"tier", "result", "source"},
		),

		denials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portcullis_quota_denials_total",
				Help: "Total number of denied decisions by reason",
			},
			[]string{"reason"},
		),

		purchases: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portcullis_quota_grant_purchases_total",
				Help: "Total number of add-on grant purchases",
			},
			[]string{"package"},
		),

		renewals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portcullis_quota_grant_renewals_total",
				Help: "Total number of grant renewal attempts",
			},
			[]string{"package", "result"},
		),

		decisionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portcullis_quota_decision_duration_seconds",
				Help:    "Duration of admission decisions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
			[]string{"operation"},
		),
	}
}

// RecordDecision records an admission decision.
func (m *Metrics) RecordDecision(tier string, allowed bool, usedAddOn bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	source := "base"
	if usedAddOn {
		source = "addon"
	}
	m.decisions.WithLabelValues(tier, result, source).Inc()
}

// RecordDenial records a denial by reason.
func (m *Metrics) RecordDenial(reason string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(reason).Inc()
}

// RecordPurchase records a grant purchase.
func (m *Metrics) RecordPurchase(pkg string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(pkg).Inc()
}

// RecordRenewal records a renewal attempt outcome.
func (m *Metrics) RecordRenewal(pkg string, ok bool) {
	if m == nil {
		return
	}
	result := "renewed"
	if !ok {
		result = "failed"
	}
	m.renewals.WithLabelValues(pkg, result).Inc()
}

// RecordDecisionDuration records the duration of a decision operation.
func (m *Metrics) RecordDecisionDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.decisionDuration.WithLabelValues(operation).Observe(seconds)
}
