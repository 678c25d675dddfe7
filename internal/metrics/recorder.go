package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"opportunity-dispatch/internal/distribution"
)

// Recorder implements the quota and distribution metric hooks using Prometheus.
type Recorder struct {
	quotaDebits   *prometheus.CounterVec
	quotaCredits  *prometheus.CounterVec
	quotaUsed     *prometheus.GaugeVec
	quotaLimit    *prometheus.GaugeVec
	opportunities *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	symbolCredits *prometheus.CounterVec

	detailed atomic.Pointer[func() bool]
}

// New registers the collectors on reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		quotaDebits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_quota_debits_total",
				Help: "Credit debit attempts by outcome",
			},
			[]string{"provider", "result"},
		),
		quotaCredits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_quota_credits_total",
				Help: "Credits requested by outcome",
			},
			[]string{"provider", "result"},
		),
		quotaUsed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_quota_used_credits",
				Help: "Credits used in the current window",
			},
			[]string{"provider", "window"},
		),
		quotaLimit: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_quota_limit_credits",
				Help: "Credit limit of the current window",
			},
			[]string{"provider", "window"},
		),
		opportunities: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_opportunities_total",
				Help: "Opportunities handled by distribution cycles",
			},
			[]string{"outcome"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_deliveries_total",
				Help: "Delivery attempts by result",
			},
			[]string{"result"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatch_cycle_duration_seconds",
				Help:    "Duration of distribution cycles",
				Buckets: prometheus.DefBuckets,
			},
		),
		symbolCredits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_quota_symbol_credits_total",
				Help: "Credits requested per symbol, only while detailed metrics are enabled",
			},
			[]string{"provider", "symbol", "result"},
		),
	}
}

// SetDetailed installs the switch for per-symbol series. It is consulted on
// every debit; nil turns the series off.
func (r *Recorder) SetDetailed(enabled func() bool) {
	if enabled == nil {
		r.detailed.Store(nil)
		return
	}
	r.detailed.Store(&enabled)
}

func (r *Recorder) detailedEnabled() bool {
	fn := r.detailed.Load()
	return fn != nil && (*fn)()
}

// RecordDebit counts a debit attempt.
func (r *Recorder) RecordDebit(provider, symbol, result string, cost int) {
	r.quotaDebits.WithLabelValues(provider, result).Inc()
	r.quotaCredits.WithLabelValues(provider, result).Add(float64(cost))
	if symbol != "" && r.detailedEnabled() {
		r.symbolCredits.WithLabelValues(provider, symbol, result).Add(float64(cost))
	}
}

// SetQuotaUsage publishes the usage of a budget window.
func (r *Recorder) SetQuotaUsage(provider, window string, used, limit int) {
	r.quotaUsed.WithLabelValues(provider, window).Set(float64(used))
	r.quotaLimit.WithLabelValues(provider, window).Set(float64(limit))
}

// ObserveCycle records the outcome of a distribution cycle.
func (r *Recorder) ObserveCycle(report distribution.CycleReport, elapsed time.Duration) {
	r.opportunities.WithLabelValues("expired").Add(float64(report.Expired))
	r.opportunities.WithLabelValues("processed").Add(float64(report.Processed))
	r.opportunities.WithLabelValues("skipped").Add(float64(report.Skipped))
	r.opportunities.WithLabelValues("deferred").Add(float64(report.Deferred))
	r.deliveries.WithLabelValues("delivered").Add(float64(report.Delivered))
	r.deliveries.WithLabelValues("failed").Add(float64(report.Failed))
	r.cycleDuration.Observe(elapsed.Seconds())
}
