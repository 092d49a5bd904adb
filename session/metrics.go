package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for inbound frames.
const (
	dropDecode            = "decode"
	dropUntracked         = "untracked"
	dropInvalidTransition = "invalid_transition"
)

// Metrics collects session counters. One Metrics value can be shared by any number of
// sessions; create it once per registry.
type Metrics struct {
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	heartbeats     *prometheus.CounterVec
	events         *prometheus.CounterVec
	eventsDropped  prometheus.Counter
	violations     prometheus.Counter
	openSessions   prometheus.Gauge
}

// NewMetrics creates the session metrics and registers them with registerer. A nil
// registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signik",
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Inbound channel frames by message kind.",
		}, []string{"kind"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signik",
			Subsystem: "session",
			Name:      "frames_sent_total",
			Help:      "Outbound channel frames by frame type.",
		}, []string{"frame"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signik",
			Subsystem: "session",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without producing an event.",
		}, []string{"reason"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signik",
			Subsystem: "session",
			Name:      "refresh_cycles_total",
			Help:      "Refresh cycles by result.",
		}, []string{"result"}),
		heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signik",
			Subsystem: "session",
			Name:      "heartbeat_cycles_total",
			Help:      "Heartbeat cycles by result.",
		}, []string{"result"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signik",
			Subsystem: "session",
			Name:      "events_delivered_total",
			Help:      "Events handed to subscribers by type.",
		}, []string{"type"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signik",
			Subsystem: "session",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the delivery queue was full.",
		}),
		violations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signik",
			Subsystem: "session",
			Name:      "invariant_violations_total",
			Help:      "Refused connection transitions and misordered calls.",
		}),
		openSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "signik",
			Subsystem: "session",
			Name:      "open",
			Help:      "Sessions currently open.",
		}),
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
