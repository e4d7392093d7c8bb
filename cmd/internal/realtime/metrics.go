package realtime

import (
	"strconv"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	v1 "emconsole/shared/contracts/feed/v1"
)

// Metrics holds the feed counters. A nil *Metrics records nothing.
type Metrics struct {
	ConnectAttempts     *prometheus.CounterVec
	Opens               *prometheus.CounterVec
	Closes              *prometheus.CounterVec
	ReconnectsScheduled *prometheus.CounterVec
	ReconnectsExhausted *prometheus.CounterVec
	EnvelopesReceived   *prometheus.CounterVec
	EnvelopesDropped    *prometheus.CounterVec
	SendsDropped        *prometheus.CounterVec
	ListenerPanics      *prometheus.CounterVec
	Connected           *prometheus.GaugeVec
}

// NewMetrics registers the feed collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "connect_attempts_total",
			Help: "Websocket dials started, per feed.",
		}, []string{"feed"}),
		Opens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "opens_total",
			Help: "Connections that reached OPEN, per feed.",
		}, []string{"feed"}),
		Closes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "closes_total",
			Help: "Connections that reached CLOSED, per feed and close code.",
		}, []string{"feed", "code"}),
		ReconnectsScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "reconnects_scheduled_total",
			Help: "Reconnect timers armed, per feed.",
		}, []string{"feed"}),
		ReconnectsExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "reconnects_exhausted_total",
			Help: "Times a feed gave up reconnecting.",
		}, []string{"feed"}),
		EnvelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "envelopes_received_total",
			Help: "Inbound envelopes decoded, per feed and type.",
		}, []string{"feed", "type"}),
		EnvelopesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "envelopes_dropped_total",
			Help: "Inbound frames dropped, per feed and reason.",
		}, []string{"feed", "reason"}),
		SendsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "sends_dropped_total",
			Help: "Outbound actions dropped, per feed and reason.",
		}, []string{"feed", "reason"}),
		ListenerPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "listener_panics_total",
			Help: "Subscriber callbacks that panicked during dispatch.",
		}, []string{"feed"}),
		Connected: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "emconsole", Subsystem: "feed", Name: "connected",
			Help: "1 while the feed connection is OPEN.",
		}, []string{"feed"}),
	}
}

func (m *Metrics) connectAttempt(feed string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(feed).Inc()
}

func (m *Metrics) opened(feed string) {
	if m == nil {
		return
	}
	m.Opens.WithLabelValues(feed).Inc()
	m.Connected.WithLabelValues(feed).Set(1)
}

func (m *Metrics) closed(feed string, code websocket.StatusCode) {
	if m == nil {
		return
	}
	m.Closes.WithLabelValues(feed, strconv.Itoa(int(code))).Inc()
	m.Connected.WithLabelValues(feed).Set(0)
}

func (m *Metrics) reconnectScheduled(feed string) {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.WithLabelValues(feed).Inc()
}

func (m *Metrics) reconnectExhausted(feed string) {
	if m == nil {
		return
	}
	m.ReconnectsExhausted.WithLabelValues(feed).Inc()
}

// envelopeReceived counts by type. Types the contract does not name are folded
// into "other" so a server cannot grow the label set.
func (m *Metrics) envelopeReceived(feed, typ string) {
	if m == nil {
		return
	}
	if !v1.KnownType(typ) {
		typ = "other"
	}
	m.EnvelopesReceived.WithLabelValues(feed, typ).Inc()
}

func (m *Metrics) envelopeDropped(feed, reason string) {
	if m == nil {
		return
	}
	m.EnvelopesDropped.WithLabelValues(feed, reason).Inc()
}

func (m *Metrics) sendDropped(feed, reason string) {
	if m == nil {
		return
	}
	m.SendsDropped.WithLabelValues(feed, reason).Inc()
}

func (m *Metrics) listenerPanic(feed string) {
	if m == nil {
		return
	}
	m.ListenerPanics.WithLabelValues(feed).Inc()
}
