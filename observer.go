package hyperspace

// SessionObserver receives session-level transitions. Every method is invoked
// synchronously from inside the session's critical section, at most once per
// transition: implementations must return quickly and must not call back into
// the session.
type SessionObserver interface {
	// Jeopardy fires when the lease passes its deadline unacknowledged.
	Jeopardy()
	// Safe fires when an acknowledgment recovers a session from jeopardy.
	Safe()
	// Expired fires once when the grace period lapses; the session is gone.
	Expired()
	// Reconnected fires when a keepalive round trip confirms the session
	// after a connection loss.
	Reconnected()
	// Disconnected fires when the connection to the master is lost and the
	// reconnect loop begins.
	Disconnected()
}

// ObserverFuncs adapts plain functions to SessionObserver. Nil fields are
// no-ops.
type ObserverFuncs struct {
	OnJeopardy     func()
	OnSafe         func()
	OnExpired      func()
	OnReconnected  func()
	OnDisconnected func()
}

// Jeopardy implements SessionObserver.
func (o ObserverFuncs) Jeopardy() {
	if o.OnJeopardy != nil {
		o.OnJeopardy()
	}
}

// Safe implements SessionObserver.
func (o ObserverFuncs) Safe() {
	if o.OnSafe != nil {
		o.OnSafe()
	}
}

// Expired implements SessionObserver.
func (o ObserverFuncs) Expired() {
	if o.OnExpired != nil {
		o.OnExpired()
	}
}

// Reconnected implements SessionObserver.
func (o ObserverFuncs) Reconnected() {
	if o.OnReconnected != nil {
		o.OnReconnected()
	}
}

// Disconnected implements SessionObserver.
func (o ObserverFuncs) Disconnected() {
	if o.OnDisconnected != nil {
		o.OnDisconnected()
	}
}

type nopObserver struct{}

func (nopObserver) Jeopardy()     {}
func (nopObserver) Safe()         {}
func (nopObserver) Expired()      {}
func (nopObserver) Reconnected()  {}
func (nopObserver) Disconnected() {}
