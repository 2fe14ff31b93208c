package hyperspace

import "pkt.systems/hyperspace/api"

// ConnectionHandler is the transport boundary the session core drives. The
// core never touches sockets; it only asks the transport to send and to
// reconnect, and receives the outcomes back through Dispatch.
//
// Both methods are fire-and-forget and are invoked while the session's lock
// is held: implementations must hand the work off internally, must not
// block, and must not call Dispatch synchronously from inside them.
type ConnectionHandler interface {
	// SendKeepalive transmits a keepalive request to the active master.
	// While no connection is up the transport drops the request silently;
	// the outcome of a delivered request arrives later as an
	// EventResponseReceived or EventConnectionError dispatch.
	SendKeepalive(req api.KeepAliveRequest)
	// Reconnect asks the transport to establish a connection to addr,
	// abandoning any previous connection. Success is observed through a
	// subsequent response dispatch, failure through a connection-error
	// dispatch carrying addr.
	Reconnect(addr string)
}

// DispatchHandler is the inbound half of the boundary: transports deliver
// responses and connection errors by calling Dispatch from their own
// goroutines. *Session implements it.
type DispatchHandler interface {
	Dispatch(ev Event)
}
