package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds chat coordinator counters. A nil *Metrics records nothing.
type Metrics struct {
	Inbound *prometheus.CounterVec
	Sent    prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "chat", Name: "messages_inbound_total",
			Help: "Inbound chat messages by reconciliation outcome.",
		}, []string{"outcome"}),
		Sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "chat", Name: "messages_sent_total",
			Help: "Messages sent optimistically.",
		}),
	}
}

func (m *Metrics) inbound(outcome string) {
	if m == nil {
		return
	}
	m.Inbound.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sent() {
	if m == nil {
		return
	}
	m.Sent.Inc()
}
