// Package metrics exposes coordinator and gateway activity to Prometheus.
package metrics

import (
	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "kodeon_collab"

// Collector implements collab.Recorder and provides the connection gauge used
// by the websocket hub.
type Collector struct {
	commands    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	failures    *prometheus.CounterVec
	activeRooms prometheus.Gauge
	roomsTotal  prometheus.Counter
	Connections prometheus.Gauge
}

// New registers the collector's metrics with reg. An empty namespace selects
// the default one.
func New(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	factory := promauto.With(reg)

	return &Collector{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound commands handled, by event type",
		}, []string{"event"}),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound events queued to a connection, by event type",
		}, []string{"event"}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Outbound events that could not be queued, by event type",
		}, []string{"event"}),

		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Rooms with at least one participant",
		}),

		roomsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_opened_total",
			Help:      "Rooms created since start",
		}),

		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open websocket connections",
		}),
	}
}

func (c *Collector) CommandHandled(kind protocol.EventType) {
	c.commands.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) Delivered(kind protocol.EventType) {
	c.deliveries.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) DeliveryFailed(kind protocol.EventType) {
	c.failures.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) RoomOpened() {
	c.activeRooms.Inc()
	c.roomsTotal.Inc()
}

func (c *Collector) RoomClosed() {
	c.activeRooms.Dec()
}
