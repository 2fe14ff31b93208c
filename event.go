package hyperspace

import "pkt.systems/hyperspace/api"

// EventKind discriminates the inputs multiplexed through Dispatch.
type EventKind uint8

const (
	// EventTimerFired is the recurring keepalive/reconnect tick.
	EventTimerFired EventKind = iota + 1
	// EventResponseReceived carries a keepalive acknowledgment from the
	// master, possibly with piggybacked server events.
	EventResponseReceived
	// EventConnectionError reports that the transport lost or failed to
	// establish a connection.
	EventConnectionError
)

// String returns the lower-case name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventTimerFired:
		return "timer_fired"
	case EventResponseReceived:
		return "response_received"
	case EventConnectionError:
		return "connection_error"
	default:
		return "unknown"
	}
}

// Event is the tagged input consumed by Dispatch. Exactly one payload is
// meaningful per kind: Response for EventResponseReceived, Addr/Err for
// EventConnectionError.
type Event struct {
	Kind     EventKind
	Response *api.KeepAliveResponse
	// Addr is the address the failed connection targeted. Empty matches the
	// session's active master or pending dial.
	Addr string
	Err  error
}
