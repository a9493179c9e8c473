// Package metrics exposes prometheus counters for transcript reconciliation.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	reconcile        *prometheus.CounterVec
	echoPromotions   prometheus.Counter
	rollbacks        prometheus.Counter
	announceFailures prometheus.Counter
	snapshotFetches  *prometheus.CounterVec
	connectionState  prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconcile_total",
			Help:      "Reconciliation inputs applied to the transcript, by input kind and outcome.",
		}, []string{"input", "change"}),
		echoPromotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "echo_promotions_total",
			Help:      "Local echoes promoted to confirmed entries.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "rollbacks_total",
			Help:      "Local echoes removed after a failed submission.",
		}),
		announceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "announce_failures_total",
			Help:      "Persisted messages whose live-channel announcement failed.",
		}),
		snapshotFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "snapshot_fetches_total",
			Help:      "History snapshot fetches, by result.",
		}, []string{"result"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "Live connection state (0 disconnected, 1 connecting, 2 open, 3 closing).",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.reconcile, m.echoPromotions, m.rollbacks, m.announceFailures, m.snapshotFetches, m.connectionState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Reconciled(input, change string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(input, change).Inc()
}

func (m *Metrics) EchoPromoted() {
	if m == nil {
		return
	}
	m.echoPromotions.Inc()
}

func (m *Metrics) RolledBack() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

func (m *Metrics) AnnounceFailed() {
	if m == nil {
		return
	}
	m.announceFailures.Inc()
}

func (m *Metrics) SnapshotFetched(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.snapshotFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) SetConnectionState(v int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(v))
}
