// Package metric contains the platform-level prometheus metrics for the
// bridge core (not handler-specific metrics).
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	ProtocolErrors    prometheus.Counter
	CommandsRejected  *prometheus.CounterVec
	HandlerDuration   prometheus.Histogram
	ServicesActive    prometheus.Gauge
	ServicesReclaimed prometheus.Counter
	QueueDepth        *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Subsystem: "transport",
			Name:      "connections_active",
			Help:      "Currently open client connections",
		}),

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Total accepted client connections",
		}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Subsystem: "protocol",
			Name:      "messages_received_total",
			Help:      "Total frames received by message type",
		}, []string{"type"}),

		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Total protocol violations that terminated a connection",
		}),

		CommandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Subsystem: "dispatch",
			Name:      "commands_rejected_total",
			Help:      "Commands rejected at enqueue time by reason",
		}, []string{"reason"}),

		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "callbridge",
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Handler invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		ServicesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Subsystem: "registry",
			Name:      "services_active",
			Help:      "Live services in the registry",
		}),

		ServicesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Subsystem: "registry",
			Name:      "services_reclaimed_total",
			Help:      "Services evicted by the idle reclaimer",
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Commands currently queued per service",
		}, []string{"service"}),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.MessagesReceived,
		m.ProtocolErrors,
		m.CommandsRejected,
		m.HandlerDuration,
		m.ServicesActive,
		m.ServicesReclaimed,
		m.QueueDepth,
	)
	return m
}

// Handler exposes the metrics over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
