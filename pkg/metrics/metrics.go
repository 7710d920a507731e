// Package metrics exposes per-route connection counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can take it as
// an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsroutes"

type Metrics struct {
	registry *prometheus.Registry

	connections       *prometheus.GaugeVec
	opened            *prometheus.CounterVec
	closed            *prometheus.CounterVec
	messages          *prometheus.CounterVec
	connectionErrors  *prometheus.CounterVec
	authRejected      *prometheus.CounterVec
	authTimeouts      *prometheus.CounterVec
	authDuration      *prometheus.HistogramVec
	broadcastFailures *prometheus.CounterVec
	bridgeMessages    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections per route and state.",
		}, []string{"route", "state"}),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Connections opened per route.",
		}, []string{"route"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections closed per route.",
		}, []string{"route"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages forwarded to the event bus per route.",
		}, []string{"route"}),
		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Transport errors reported per route.",
		}, []string{"route"}),
		authRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejected_total",
			Help:      "Authorization attempts rejected per route.",
		}, []string{"route"}),
		authTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_timeouts_total",
			Help:      "Connections closed for not authorizing in time, per route.",
		}, []string{"route"}),
		authDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_duration_seconds",
			Help:      "Time from open to successful authorization.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),
		broadcastFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_send_failures_total",
			Help:      "Individual sends that failed during a broadcast, per route.",
		}, []string{"route"}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "External messages relayed into a route, per source.",
		}, []string{"route", "source"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.opened,
		m.closed,
		m.messages,
		m.connectionErrors,
		m.authRejected,
		m.authTimeouts,
		m.authDuration,
		m.broadcastFailures,
		m.bridgeMessages,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnections(route, state string, n int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(route, state).Set(float64(n))
}

func (m *Metrics) ConnectionOpened(route string) {
	if m == nil {
		return
	}
	m.opened.WithLabelValues(route).Inc()
}

func (m *Metrics) ConnectionClosed(route string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(route).Inc()
}

func (m *Metrics) MessageReceived(route string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(route).Inc()
}

func (m *Metrics) ConnectionError(route string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(route).Inc()
}

func (m *Metrics) AuthRejected(route string) {
	if m == nil {
		return
	}
	m.authRejected.WithLabelValues(route).Inc()
}

func (m *Metrics) AuthTimedOut(route string) {
	if m == nil {
		return
	}
	m.authTimeouts.WithLabelValues(route).Inc()
}

func (m *Metrics) Authorized(route string, took time.Duration) {
	if m == nil {
		return
	}
	m.authDuration.WithLabelValues(route).Observe(took.Seconds())
}

func (m *Metrics) BroadcastFailures(route string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastFailures.WithLabelValues(route).Add(float64(n))
}

func (m *Metrics) BridgeMessage(route, source string) {
	if m == nil {
		return
	}
	m.bridgeMessages.WithLabelValues(route, source).Inc()
}
