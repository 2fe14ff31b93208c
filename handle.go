package hyperspace

import "pkt.systems/hyperspace/api"

// HandleCallback represents one open lock/file handle on the client side.
// The session owns the registered callback exclusively; the application
// keeps only the handle id. Both methods run inside the session's critical
// section and must not call back into the session.
type HandleCallback interface {
	// OnEvent delivers a server-pushed event targeting this handle.
	OnEvent(ev api.ServerEvent)
	// Invalidated signals that the session expired and the handle no longer
	// exists on the master.
	Invalidated()
}

// HandleFuncs adapts plain functions to HandleCallback. Nil fields are
// no-ops.
type HandleFuncs struct {
	OnEventFunc     func(ev api.ServerEvent)
	InvalidatedFunc func()
}

// OnEvent implements HandleCallback.
func (h HandleFuncs) OnEvent(ev api.ServerEvent) {
	if h.OnEventFunc != nil {
		h.OnEventFunc(ev)
	}
}

// Invalidated implements HandleCallback.
func (h HandleFuncs) Invalidated() {
	if h.InvalidatedFunc != nil {
		h.InvalidatedFunc()
	}
}
