package hyperspace

// State is the lifecycle state of a session.
type State uint8

const (
	// StateDisconnected means no session is being maintained: either Start
	// has not been called yet or Stop tore the session down.
	StateDisconnected State = iota
	// StateConnected means the lease was acknowledged within its interval
	// and locks are safe.
	StateConnected
	// StateJeopardy means the lease is unacknowledged past its deadline but
	// still within the grace period: locks are at risk, not yet lost.
	StateJeopardy
	// StateReconnecting means the connection to the master was lost and the
	// session is being re-established against the candidate list.
	StateReconnecting
	// StateExpired means the grace period lapsed without an acknowledgment:
	// the session and every handle tied to it are gone.
	StateExpired
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateJeopardy:
		return "jeopardy"
	case StateReconnecting:
		return "reconnecting"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}
