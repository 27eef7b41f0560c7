// Package metrics exposes Prometheus instruments for the delivery server.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat_delivery"

// Drop reasons.
const (
	ReasonMalformed    = "malformed"
	ReasonRateLimited  = "rate_limited"
	ReasonSlowConsumer = "slow_consumer"
	ReasonUnbound      = "unbound"
	ReasonSpoofed      = "spoofed_sender"
	ReasonAuthMismatch = "auth_mismatch"
	ReasonBusBacklog   = "bus_backlog"
)

// Delivery kinds.
const (
	KindMessage = "message"
	KindTyping  = "typing"
)

// Metrics holds the server's instruments.
type Metrics struct {
	sessions  prometheus.Gauge
	users     prometheus.Gauge
	rooms     prometheus.Gauge
	frames    *prometheus.CounterVec
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live push channel sessions on this node.",
		}),
		users: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users",
			Help:      "Users with at least one bound session on this node.",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one subscribed session on this node.",
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Client frames accepted by the hub, by action.",
		}, []string{"action"}),
		delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames handed to session send queues, by kind.",
		}, []string{"kind"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Frames or sessions dropped, by reason.",
		}, []string{"reason"}),
	}
}

// SetGauges records the current session, user and room counts.
func (m *Metrics) SetGauges(sessions, users, rooms int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(sessions))
	m.users.Set(float64(users))
	m.rooms.Set(float64(rooms))
}

// FrameReceived counts one accepted client frame.
func (m *Metrics) FrameReceived(action string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(action).Inc()
}

// Delivered counts n successful hand-offs of kind.
func (m *Metrics) Delivered(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.delivered.WithLabelValues(kind).Add(float64(n))
}

// Dropped counts one drop for reason.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
