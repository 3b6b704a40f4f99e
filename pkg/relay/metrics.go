package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments a Server updates. Every
// method is safe on a nil receiver, so instrumentation stays optional.
type Metrics struct {
	connections  prometheus.Gauge
	rooms        prometheus.Gauge
	routed       *prometheus.CounterVec
	bytesIn      prometheus.Counter
	bytesOut     prometheus.Counter
	badEnvelopes prometheus.Counter
	rpcRequests  *prometheus.CounterVec
}

// NewMetrics registers the relay instruments with reg. A nil reg falls
// back to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Connected clients.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		routed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "envelopes_routed_total",
			Help:      "Envelopes routed, by kind and route taken.",
		}, []string{"kind", "route"}),
		bytesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "bytes_received_total",
			Help:      "Serialized envelope bytes received from clients.",
		}),
		bytesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "bytes_sent_total",
			Help:      "Serialized envelope bytes written to clients.",
		}),
		badEnvelopes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "bad_envelopes_total",
			Help:      "Inbound envelopes discarded as malformed.",
		}),
		rpcRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "relay",
			Name:      "rpc_requests_total",
			Help:      "Server-side RPC requests, by method and outcome.",
		}, []string{"method", "outcome"}),
	}
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) setRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) observeRouted(kind, route string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(kind, route).Inc()
}

func (m *Metrics) addBytesIn(n int) {
	if m == nil {
		return
	}
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) addBytesOut(n int) {
	if m == nil {
		return
	}
	m.bytesOut.Add(float64(n))
}

func (m *Metrics) incBadEnvelope() {
	if m == nil {
		return
	}
	m.badEnvelopes.Inc()
}

func (m *Metrics) observeRPC(method, outcome string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}
