// Package metrics holds the Prometheus collectors for channel traffic and
// the mailbox. A nil *Metrics is valid and records nothing, so library code
// never has to check whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fabric"

// Drop reasons.
const (
	ReasonNotAddressed = "not_addressed"
	ReasonInvalid      = "invalid"
	ReasonUnsolicited  = "unsolicited"
	ReasonUnrouted     = "unrouted"
	ReasonUnregistered = "unregistered_path"
	ReasonSendFailed   = "send_failed"
	ReasonVersion      = "version"
)

// Mailbox outcomes.
const (
	MailboxDeferred  = "deferred"
	MailboxDelivered = "delivered"
	MailboxFailed    = "failed"
	MailboxExpired   = "expired"
)

// Metrics groups every collector the daemon exports.
type Metrics struct {
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	timeouts *prometheus.CounterVec
	pending  *prometheus.GaugeVec
	latency  *prometheus.HistogramVec
	mailbox  *prometheus.CounterVec
	conns    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to a transport, by channel and message type.",
		}, []string{"channel", "type"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages accepted from a transport, by channel and message type.",
		}, []string{"channel", "type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded without processing, by reason.",
		}, []string{"channel", "reason"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoke_timeouts_total",
			Help:      "Invocations rejected because no response arrived in time.",
		}, []string{"channel"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Invocations waiting for a response.",
		}, []string{"channel"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoke_duration_seconds",
			Help:      "Time from sending a request to settling it.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"channel", "action"}),
		mailbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_entries_total",
			Help:      "Mailbox entries by outcome.",
		}, []string{"channel", "outcome"}),
		conns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Active connections by direction.",
		}, []string{"channel", "direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sent, m.received, m.dropped, m.timeouts,
		m.pending, m.latency, m.mailbox, m.conns,
	}
}

// Handler serves the metrics gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Sent(channel, typ string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(channel, typ).Inc()
}

func (m *Metrics) Received(channel, typ string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(channel, typ).Inc()
}

func (m *Metrics) Dropped(channel, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) Timeout(channel string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(channel).Inc()
}

// PendingAdd moves the pending gauge by delta.
func (m *Metrics) PendingAdd(channel string, delta float64) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(channel).Add(delta)
}

// Observe records the round trip of one settled invocation.
func (m *Metrics) Observe(channel, action string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(channel, action).Observe(d.Seconds())
}

func (m *Metrics) Mailbox(channel, outcome string) {
	if m == nil {
		return
	}
	m.mailbox.WithLabelValues(channel, outcome).Inc()
}

// MailboxN counts n entries with the same outcome, as returned by cleanup.
func (m *Metrics) MailboxN(channel, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mailbox.WithLabelValues(channel, outcome).Add(float64(n))
}

// Connections sets the active connection gauge.
func (m *Metrics) Connections(channel, direction string, n int) {
	if m == nil {
		return
	}
	m.conns.WithLabelValues(channel, direction).Set(float64(n))
}
