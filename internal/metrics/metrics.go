// Package metrics owns the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pharmatrace/relay/internal/registry"
)

// Relay bundles every collector behind one registry so tests can build
// independent instances. All methods are safe on a nil receiver.
type Relay struct {
	registry *prometheus.Registry

	connections     *prometheus.GaugeVec
	framesIn        *prometheus.CounterVec
	framesOut       *prometheus.CounterVec
	dropped         prometheus.Counter
	rateLimited     prometheus.Counter
	authFailures    *prometheus.CounterVec
	persistFailures prometheus.Counter
	persistLatency  prometheus.Histogram
	bridgeState     prometheus.Gauge
	bridgeRetries   prometheus.Counter
}

// New registers the relay collectors plus the Go and process collectors.
func New() *Relay {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Relay{
		registry: reg,
		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Authenticated WebSocket connections by role",
		}, []string{"role"}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Inbound frames accepted for routing by type",
		}, []string{"type"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Outbound frames queued by type",
		}, []string{"type"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Outbound frames dropped because a send queue was full",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Inbound frames rejected by the rate limiter",
		}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Handshake failures by reason",
		}, []string{"reason"}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_chat_persist_failures_total",
			Help: "Chat messages that could not be stored",
		}),
		persistLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_chat_persist_seconds",
			Help:    "Latency of chat persistence",
			Buckets: prometheus.DefBuckets,
		}),
		bridgeState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_bridge_state",
			Help: "Service bridge state (0 disconnected, 1 connecting, 2 connected, 3 authenticated)",
		}),
		bridgeRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_reconnects_total",
			Help: "Reconnect attempts scheduled by the service bridge",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Relay) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Relay) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ClientAdded implements registry.Observer.
func (m *Relay) ClientAdded(c registry.Client, _ int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(c.Role.String()).Inc()
}

// ClientRemoved implements registry.Observer.
func (m *Relay) ClientRemoved(c registry.Client, _ int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(c.Role.String()).Dec()
}

func (m *Relay) FrameIn(tag string) {
	if m != nil {
		m.framesIn.WithLabelValues(tag).Inc()
	}
}

func (m *Relay) FrameOut(tag string) {
	if m != nil {
		m.framesOut.WithLabelValues(tag).Inc()
	}
}

func (m *Relay) FrameDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Relay) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Relay) AuthFailed(reason string) {
	if m != nil {
		m.authFailures.WithLabelValues(reason).Inc()
	}
}

// ObservePersist records one chat persistence attempt.
func (m *Relay) ObservePersist(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.persistLatency.Observe(elapsed.Seconds())
	if err != nil {
		m.persistFailures.Inc()
	}
}

func (m *Relay) BridgeState(state int) {
	if m != nil {
		m.bridgeState.Set(float64(state))
	}
}

func (m *Relay) BridgeReconnectScheduled() {
	if m != nil {
		m.bridgeRetries.Inc()
	}
}
