package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// FanoutMetrics tracks read-model indexing after checkout.
type FanoutMetrics struct {
	attempts  *prometheus.CounterVec
	exhausted *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewFanoutMetrics registers the fan-out metrics on the provided registerer.
func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	if reg == nil {
		return &FanoutMetrics{}
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_reconcile_attempts_total",
		Help: "Reconcile attempts by trigger and result.",
	}, []string{"trigger", "result"})
	exhausted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_retries_exhausted_total",
		Help: "Orders left for the sweep after inline retries ran out.",
	}, []string{"trigger"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fanout_reconcile_duration_seconds",
		Help:    "Duration of a single reconcile in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"trigger"})
	reg.MustRegister(attempts, exhausted, duration)
	return &FanoutMetrics{attempts: attempts, exhausted: exhausted, duration: duration}
}

// ObserveAttempt records one reconcile call.
func (m *FanoutMetrics) ObserveAttempt(trigger string, duration time.Duration, err error) {
	if m == nil || m.attempts == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	label := normalizeLabel(trigger)
	m.attempts.WithLabelValues(label, result).Inc()
	m.duration.WithLabelValues(label).Observe(duration.Seconds())
}

// IncExhausted counts an order whose inline retries gave up.
func (m *FanoutMetrics) IncExhausted(trigger string) {
	if m == nil || m.exhausted == nil {
		return
	}
	m.exhausted.WithLabelValues(normalizeLabel(trigger)).Inc()
}
