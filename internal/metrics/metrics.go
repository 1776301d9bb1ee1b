// Package metrics defines the Prometheus collectors for the presence and
// relay services. Constructors register on an injected registry; methods
// tolerate a nil receiver so components can run unmetered in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "devmesh"

type PresenceMetrics struct {
	HeartbeatsTotal *prometheus.CounterVec
	StreamsActive   prometheus.Gauge
	WakeupsTotal    prometheus.Counter
}

func NewPresenceMetrics(reg prometheus.Registerer) *PresenceMetrics {
	factory := promauto.With(reg)
	return &PresenceMetrics{
		HeartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "heartbeats_total",
			Help:      "Heartbeat ingestion attempts by result.",
		}, []string{"result"}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "streams_active",
			Help:      "Currently connected presence stream subscribers.",
		}),
		WakeupsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "wakeups_total",
			Help:      "Wake-up timer firings across all users.",
		}),
	}
}

func (m *PresenceMetrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.WithLabelValues(result).Inc()
}

func (m *PresenceMetrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
}

func (m *PresenceMetrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
}

func (m *PresenceMetrics) Wakeup() {
	if m == nil {
		return
	}
	m.WakeupsTotal.Inc()
}

type RelayMetrics struct {
	ConnectionsActive     prometheus.Gauge
	CommandsTotal         *prometheus.CounterVec
	DeliveryFailuresTotal prometheus.Counter
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)
	return &RelayMetrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_active",
			Help:      "Currently open relay connections.",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "commands_total",
			Help:      "Relay commands handled by type.",
		}, []string{"type"}),
		DeliveryFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "delivery_failures_total",
			Help:      "Broadcast deliveries dropped because a member could not keep up.",
		}),
	}
}

func (m *RelayMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *RelayMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *RelayMetrics) Command(commandType string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(commandType).Inc()
}

func (m *RelayMetrics) DeliveryFailure() {
	if m == nil {
		return
	}
	m.DeliveryFailuresTotal.Inc()
}
