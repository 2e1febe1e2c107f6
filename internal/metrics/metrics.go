// Package metrics holds the prometheus collectors of the signal server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lovestream"

type Metrics struct {
	registry *prometheus.Registry

	rooms      prometheus.Gauge
	sockets    prometheus.Gauge
	events     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	handshakes prometheus.Counter
	joins      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms currently held by the registry.",
		}),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_connected",
			Help:      "Connected signaling sockets.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound signaling events by name.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped, by name and reason.",
		}, []string{"event", "reason"}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webrtc_handshakes_total",
			Help:      "start-webrtc pairs issued.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_joins_total",
			Help:      "Join attempts by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.rooms, m.sockets, m.events, m.dropped, m.handshakes, m.joins,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SetRooms(n int)              { m.rooms.Set(float64(n)) }
func (m *Metrics) SocketConnected()            { m.sockets.Inc() }
func (m *Metrics) SocketDisconnected()         { m.sockets.Dec() }
func (m *Metrics) Event(name string)           { m.events.WithLabelValues(name).Inc() }
func (m *Metrics) Dropped(name, reason string) { m.dropped.WithLabelValues(name, reason).Inc() }
func (m *Metrics) Handshake()                  { m.handshakes.Inc() }
func (m *Metrics) Join(outcome string)         { m.joins.WithLabelValues(outcome).Inc() }

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
