package statesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments an Engine updates. Every
// method is safe on a nil receiver, so instrumentation stays optional.
type Metrics struct {
	entities         prometheus.Gauge
	snapshots        prometheus.Gauge
	deltasSent       prometheus.Counter
	deltasReceived   prometheus.Counter
	syncEnvelopes    *prometheus.CounterVec
	fullSyncs        *prometheus.CounterVec
	predictionErrors prometheus.Counter
	inputs           *prometheus.CounterVec
	ticks            *prometheus.CounterVec
}

// NewMetrics registers the sync instruments with reg. A nil reg falls
// back to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		entities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "statesync",
			Name:      "entities",
			Help:      "Entities currently registered.",
		}),
		snapshots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "statesync",
			Name:      "snapshots_buffered",
			Help:      "Snapshots currently held in the ring buffer.",
		}),
		deltasSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "statesync",
			Name:      "deltas_sent_total",
			Help:      "Entity delta updates placed on the wire.",
		}),
		deltasReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "statesync",
			Name:      "deltas_received_total",
			Help:      "Entity delta updates received from peers.",
		}),
		syncEnvelopes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "statesync",
			Name:      "envelopes_total",
			Help:      "Inbound sync envelopes applied, by payload type.",
		}, []string{"type"}),
		fullSyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "statesync",
			Name:      "full_syncs_total",
			Help:      "Full-sync snapshots exchanged, by direction.",
		}, []string{"direction"}),
		predictionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "statesync",
			Name:      "prediction_errors_total",
			Help:      "Fields the authority overruled beyond tolerance.",
		}),
		inputs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "statesync",
			Name:      "inputs_total",
			Help:      "Input frames, by operation.",
		}, []string{"op"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "statesync",
			Name:      "ticks_total",
			Help:      "Strategy tick passes, by strategy.",
		}, []string{"strategy"}),
	}
}

func (m *Metrics) setEntities(n int) {
	if m == nil {
		return
	}
	m.entities.Set(float64(n))
}

func (m *Metrics) setSnapshots(n int) {
	if m == nil {
		return
	}
	m.snapshots.Set(float64(n))
}

func (m *Metrics) addDeltasSent(n int) {
	if m == nil {
		return
	}
	m.deltasSent.Add(float64(n))
}

func (m *Metrics) addDeltasReceived(n int) {
	if m == nil {
		return
	}
	m.deltasReceived.Add(float64(n))
}

func (m *Metrics) observeEnvelope(syncType string) {
	if m == nil {
		return
	}
	m.syncEnvelopes.WithLabelValues(syncType).Inc()
}

func (m *Metrics) incFullSync(direction string) {
	if m == nil {
		return
	}
	m.fullSyncs.WithLabelValues(direction).Inc()
}

func (m *Metrics) incPredictionErrors() {
	if m == nil {
		return
	}
	m.predictionErrors.Inc()
}

func (m *Metrics) observeInput(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.inputs.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) incTick(strategy Strategy) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(string(strategy)).Inc()
}
