package ws

import (
	"time"

	"circle/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the hub's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections     prometheus.Gauge
	members         *prometheus.GaugeVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	events          *prometheus.CounterVec
	dropped         prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "circle",
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		members: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "circle",
			Name:      "room_members",
			Help:      "Members currently joined per room.",
		}, []string{"room"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circle",
			Name:      "commands_total",
			Help:      "Commands handled by outcome code.",
		}, []string{"command", "code"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "circle",
			Name:      "command_duration_seconds",
			Help:      "Command handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circle",
			Name:      "events_pushed_total",
			Help:      "Events pushed to clients.",
		}, []string{"event"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circle",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a client fell behind.",
		}),
	}
	reg.MustRegister(m.connections, m.members, m.commands, m.commandDuration, m.events, m.dropped)
	return m
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) roomMembers(roomID string, n int) {
	if m != nil {
		m.members.WithLabelValues(roomID).Set(float64(n))
	}
}

func (m *Metrics) command(name models.CommandName, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.commands.WithLabelValues(string(name), code).Inc()
	m.commandDuration.WithLabelValues(string(name)).Observe(elapsed.Seconds())
}

func (m *Metrics) eventPushed(name models.EventName) {
	if m != nil {
		m.events.WithLabelValues(string(name)).Inc()
	}
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}
