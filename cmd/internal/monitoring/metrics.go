package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds coordinator counters. A nil *Metrics records nothing.
type Metrics struct {
	Measurements *prometheus.CounterVec
	Fetches      *prometheus.CounterVec
	Alerts       *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Measurements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "monitoring", Name: "measurements_total",
			Help: "newMeasurement events by outcome (scheduled, other_device, other_date, invalid).",
		}, []string{"outcome"}),
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "monitoring", Name: "fetches_total",
			Help: "Daily re-fetches by outcome (applied, failed, stale, deferred).",
		}, []string{"outcome"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "monitoring", Name: "alerts_total",
			Help: "Overconsumption alerts by outcome (shown, invalid, dismissed, expired, evicted).",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) measurement(outcome string) {
	if m == nil {
		return
	}
	m.Measurements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) fetch(outcome string) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) alert(outcome string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(outcome).Inc()
}
