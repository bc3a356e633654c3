package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the hub's Prometheus collectors on a private registry, so tests
// can build as many independent sets as they need.
type Set struct {
	registry *prometheus.Registry

	// Connections is the number of currently open WebSocket connections.
	Connections prometheus.Gauge

	// Rooms is the number of contract rooms with at least one connection.
	Rooms prometheus.Gauge

	// Connects counts accepted WebSocket connections.
	Connects prometheus.Counter

	// Disconnects counts closed WebSocket connections.
	Disconnects prometheus.Counter

	// Events counts accepted events by type.
	Events *prometheus.CounterVec

	// Broadcasts counts fan-out operations.
	Broadcasts prometheus.Counter

	// Dropped counts connections dropped because their outbound queue overflowed.
	Dropped prometheus.Counter
}

// New creates and registers a fresh metric set.
func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "contractops_ws_connections",
			Help: "Number of currently open WebSocket connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "contractops_ws_rooms",
			Help: "Number of contract rooms with at least one connection.",
		}),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contractops_ws_connects_total",
			Help: "Accepted WebSocket connections.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contractops_ws_disconnects_total",
			Help: "Closed WebSocket connections.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contractops_ws_events_total",
			Help: "Accepted collaboration events by type.",
		}, []string{"type"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contractops_ws_broadcasts_total",
			Help: "Room fan-out operations.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contractops_ws_dropped_connections_total",
			Help: "Connections dropped because their outbound queue overflowed.",
		}),
	}
	s.registry.MustRegister(
		s.Connections, s.Rooms, s.Connects, s.Disconnects,
		s.Events, s.Broadcasts, s.Dropped,
	)
	return s
}

// Handler serves the set in the Prometheus text exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
