package restapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds REST call counters. A nil *Metrics records nothing.
type Metrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "restapi", Name: "requests_total",
			Help: "REST calls by operation and status class.",
		}, []string{"op", "class"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "emconsole", Subsystem: "restapi", Name: "request_duration_seconds",
			Help:    "REST call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) observe(op string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(op, statusClass(status)).Inc()
	m.Duration.WithLabelValues(op).Observe(d.Seconds())
}
