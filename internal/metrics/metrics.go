// Package metrics exposes engine counters in the Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "huddle"

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent  prometheus.Counter
	sendFailures  prometheus.Counter
	sendRetries   prometheus.Counter
	outboxFlushed prometheus.Counter
	receipts      prometheus.Counter
	snapshots     *prometheus.CounterVec
	online        prometheus.Gauge
	activeSubs    *prometheus.GaugeVec
	uploadBytes   prometheus.Counter
}

// New registers the engine collectors plus Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "messages_sent_total",
			Help: "Messages acknowledged by the upstream store.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "send_failures_total",
			Help: "Messages marked failed after exhausting retries.",
		}),
		sendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "send_retries_total",
			Help: "Append attempts retried after a transient error.",
		}),
		outboxFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "flushed_total",
			Help: "Queued messages transmitted after connectivity returned.",
		}),
		receipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "receipts", Name: "committed_total",
			Help: "Read receipts committed upstream.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "snapshots_total",
			Help: "Snapshots received from upstream subscriptions.",
		}, []string{"kind"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "presence", Name: "online",
			Help: "1 when the upstream store is reachable.",
		}),
		activeSubs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "active_subscriptions",
			Help: "Live upstream subscriptions.",
		}, []string{"kind"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "upload_bytes_total",
			Help: "Attachment bytes uploaded.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSent, m.sendFailures, m.sendRetries, m.outboxFlushed,
		m.receipts, m.snapshots, m.online, m.activeSubs, m.uploadBytes,
	)
	m.online.Set(1)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) SendRetried() {
	if m != nil {
		m.sendRetries.Inc()
	}
}

func (m *Metrics) OutboxFlushed(n int) {
	if m != nil {
		m.outboxFlushed.Add(float64(n))
	}
}

func (m *Metrics) ReceiptsCommitted(n int) {
	if m != nil {
		m.receipts.Add(float64(n))
	}
}

// Snapshot counts one delivery on a subscription of the given kind.
func (m *Metrics) Snapshot(kind string) {
	if m != nil {
		m.snapshots.WithLabelValues(kind).Inc()
	}
}

// Subscribed tracks a subscription of kind and returns the matching release.
func (m *Metrics) Subscribed(kind string) func() {
	if m == nil {
		return func() {}
	}
	g := m.activeSubs.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

func (m *Metrics) Uploaded(n int64) {
	if m != nil {
		m.uploadBytes.Add(float64(n))
	}
}
