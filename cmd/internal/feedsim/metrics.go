package feedsim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds simulator collectors. A nil *Metrics records nothing.
type Metrics struct {
	Sessions  *prometheus.GaugeVec
	Frames    *prometheus.CounterVec
	Published *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "emconsole", Subsystem: "feedsim", Name: "sessions",
			Help: "Open websocket sessions per feed.",
		}, []string{"feed"}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feedsim", Name: "frames_total",
			Help: "Inbound frames per feed and action.",
		}, []string{"feed", "action"}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feedsim", Name: "published_total",
			Help: "Server-initiated envelopes delivered, per feed and type.",
		}, []string{"feed", "type"}),
	}
}

func (m *Metrics) connected(feed string, delta float64) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(feed).Add(delta)
}

func (m *Metrics) frame(feed, action string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(feed, action).Inc()
}

func (m *Metrics) published(feed, typ string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Published.WithLabelValues(feed, typ).Add(float64(n))
}
