package hyperspace

import "github.com/prometheus/client_golang/prometheus"

// sessionMetrics is the metrics collaborator the session core reports into.
// A nil *sessionMetrics is valid and drops every observation, so call sites
// never guard.
type sessionMetrics struct {
	keepalivesSent prometheus.Counter
	keepaliveAcks  prometheus.Counter
	transitions    *prometheus.CounterVec // to=connected|jeopardy|reconnecting|expired|disconnected
	eventsApplied  prometheus.Counter
	inputsDropped  *prometheus.CounterVec // reason=stale_session|duplicate_event|unknown_handle|protocol
	reconnectDials prometheus.Counter
	stateGauge     prometheus.Gauge
}

func newSessionMetrics(reg prometheus.Registerer) *sessionMetrics {
	if reg == nil {
		return nil
	}
	m := &sessionMetrics{
		keepalivesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_keepalives_sent_total",
			Help: "Total keepalive requests handed to the transport",
		}),
		keepaliveAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_keepalive_acks_total",
			Help: "Total keepalive acknowledgments applied to the session",
		}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hyperspace_session_transitions_total",
				Help: "Total lifecycle transitions by target state",
			},
			[]string{"to"},
		),
		eventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_events_applied_total",
			Help: "Total server events dispatched to registered handles",
		}),
		inputsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hyperspace_inputs_dropped_total",
				Help: "Total inbound payloads dropped by reason",
			},
			[]string{"reason"},
		),
		reconnectDials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_reconnect_dials_total",
			Help: "Total reconnect attempts handed to the transport",
		}),
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperspace_session_state",
			Help: "Current lifecycle state (0 disconnected, 1 connected, 2 jeopardy, 3 reconnecting, 4 expired)",
		}),
	}
	reg.MustRegister(
		m.keepalivesSent,
		m.keepaliveAcks,
		m.transitions,
		m.eventsApplied,
		m.inputsDropped,
		m.reconnectDials,
		m.stateGauge,
	)
	return m
}

func (m *sessionMetrics) sent() {
	if m != nil {
		m.keepalivesSent.Inc()
	}
}

func (m *sessionMetrics) acked() {
	if m != nil {
		m.keepaliveAcks.Inc()
	}
}

func (m *sessionMetrics) transition(to State) {
	if m != nil {
		m.transitions.WithLabelValues(to.String()).Inc()
		m.stateGauge.Set(float64(to))
	}
}

// stateSet updates the state gauge without counting a transition. Start
// uses it for the initial state.
func (m *sessionMetrics) stateSet(to State) {
	if m != nil {
		m.stateGauge.Set(float64(to))
	}
}

func (m *sessionMetrics) applied() {
	if m != nil {
		m.eventsApplied.Inc()
	}
}

func (m *sessionMetrics) dropped(reason string) {
	if m != nil {
		m.inputsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *sessionMetrics) dialed() {
	if m != nil {
		m.reconnectDials.Inc()
	}
}

const (
	dropReasonStaleSession  = "stale_session"
	dropReasonDuplicateEvt  = "duplicate_event"
	dropReasonUnknownHandle = "unknown_handle"
	dropReasonProtocol      = "protocol"
)
