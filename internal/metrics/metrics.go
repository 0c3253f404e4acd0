// Package metrics exposes Prometheus collectors for the server and the
// advisory performance monitor that derives quality targets from them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lancollab"

// Metrics groups the server's collectors on a private registry. A nil
// *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	connectedClients  prometheus.Gauge
	controlMessages   *prometheus.CounterVec
	broadcastFailures *prometheus.CounterVec
	udpPackets        *prometheus.CounterVec
	udpDropped        *prometheus.CounterVec
	relayedBytes      *prometheus.CounterVec
	mixerTicks        prometheus.Counter
	screenFrames      *prometheus.CounterVec
	archiveErrors     prometheus.Counter
	observers         prometheus.Gauge
	observerDrops     prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	register := func(c prometheus.Collector) { reg.MustRegister(c) }

	m := &Metrics{
		registry: reg,
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Clients that completed the join handshake.",
		}),
		controlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control messages received, by type.",
		}, []string{"type"}),
		broadcastFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Per-recipient delivery failures, by delivery kind.",
		}, []string{"kind"}),
		udpPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_total",
			Help:      "Media packets accepted, by packet type.",
		}, []string{"packet_type"}),
		udpDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_dropped_total",
			Help:      "Media packets dropped, by reason.",
		}, []string{"reason"}),
		relayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Media bytes sent to clients, by packet type.",
		}, []string{"packet_type"}),
		mixerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_mix_ticks_total",
			Help:      "Audio mixer ticks that produced a mixed packet.",
		}),
		screenFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screen_frames_total",
			Help:      "Screen frames received, by result.",
		}, []string{"result"}),
		archiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Failed archive writes.",
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_observers",
			Help:      "Dashboard observers connected to the event stream.",
		}),
		observerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_events_dropped_total",
			Help:      "Events not delivered to a slow observer.",
		}),
	}

	register(m.connectedClients)
	register(m.controlMessages)
	register(m.broadcastFailures)
	register(m.udpPackets)
	register(m.udpDropped)
	register(m.relayedBytes)
	register(m.mixerTicks)
	register(m.screenFrames)
	register(m.archiveErrors)
	register(m.observers)
	register(m.observerDrops)
	register(collectors.NewGoCollector())
	register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.connectedClients.Set(float64(n))
}

func (m *Metrics) ControlMessage(msgType string) {
	if m == nil {
		return
	}
	m.controlMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) BroadcastFailures(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastFailures.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) PacketReceived(packetType string) {
	if m == nil {
		return
	}
	m.udpPackets.WithLabelValues(packetType).Inc()
}

func (m *Metrics) PacketDropped(reason string) {
	if m == nil {
		return
	}
	m.udpDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) BytesRelayed(packetType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.relayedBytes.WithLabelValues(packetType).Add(float64(n))
}

func (m *Metrics) MixerTick() {
	if m == nil {
		return
	}
	m.mixerTicks.Inc()
}

func (m *Metrics) ScreenFrame(result string) {
	if m == nil {
		return
	}
	m.screenFrames.WithLabelValues(result).Inc()
}

func (m *Metrics) ArchiveError() {
	if m == nil {
		return
	}
	m.archiveErrors.Inc()
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}

func (m *Metrics) ObserverDrop() {
	if m == nil {
		return
	}
	m.observerDrops.Inc()
}
