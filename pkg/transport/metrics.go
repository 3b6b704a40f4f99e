package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments a Manager updates. Every
// method is safe on a nil receiver, so instrumentation stays optional.
type Metrics struct {
	envelopesSent *prometheus.CounterVec
	envelopesRecv *prometheus.CounterVec
	bytesSent     prometheus.Counter
	bytesRecv     prometheus.Counter
	badEnvelopes  prometheus.Counter
	peers         prometheus.Gauge
	reconnects    prometheus.Counter
	queueLength   prometheus.Gauge
	eventsDropped prometheus.Counter
	rpcDuration   *prometheus.HistogramVec
	latencyMs     prometheus.Gauge
}

// NewMetrics registers the transport instruments with reg. A nil reg
// falls back to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		envelopesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes transmitted, by kind and path.",
		}, []string{"kind", "path"}),
		envelopesRecv: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "envelopes_received_total",
			Help:      "Envelopes received, by kind and path.",
		}, []string{"kind", "path"}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "bytes_sent_total",
			Help:      "Serialized envelope bytes transmitted.",
		}),
		bytesRecv: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "bytes_received_total",
			Help:      "Serialized envelope bytes received.",
		}),
		badEnvelopes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "bad_envelopes_total",
			Help:      "Inbound envelopes discarded as malformed.",
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "peers",
			Help:      "Known peers.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Successful automatic reconnections.",
		}),
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "offline_queue_length",
			Help:      "Reliable envelopes waiting for reconnection.",
		}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "events_dropped_total",
			Help:      "Events lost to slow subscribers.",
		}),
		rpcDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "rpc_duration_seconds",
			Help:      "Outbound RPC round-trip time, by method and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		latencyMs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "transport",
			Name:      "signaling_latency_ms",
			Help:      "Last measured signaling round trip.",
		}),
	}
}

func (m *Metrics) observeSent(kind, path string, bytes int) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(kind, path).Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) observeRecv(kind, path string, bytes int) {
	if m == nil {
		return
	}
	m.envelopesRecv.WithLabelValues(kind, path).Inc()
	m.bytesRecv.Add(float64(bytes))
}

func (m *Metrics) incBadEnvelope() {
	if m == nil {
		return
	}
	m.badEnvelopes.Inc()
}

func (m *Metrics) setPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) incReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) addEventsDropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsDropped.Add(float64(n))
}

func (m *Metrics) observeRPC(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.rpcDuration.WithLabelValues(method, outcome).Observe(seconds)
}

func (m *Metrics) setLatency(ms int64) {
	if m == nil {
		return
	}
	m.latencyMs.Set(float64(ms))
}
