// Package api defines the payloads exchanged between a hyperspace session and
// its master: keepalive requests, keepalive responses, and the server-pushed
// events piggybacked on them. Transports own the wire encoding; these types
// are the boundary contract only.
package api

import "time"

// KeepAliveRequest is sent by the session core on every keepalive tick.
type KeepAliveRequest struct {
	// SessionID identifies the session whose lease should be extended. Zero
	// asks the master to establish a new session.
	SessionID uint64 `json:"session_id"`
	// LastKnownEvent is the id of the last server event the client applied,
	// letting the master resume delivery without duplication or gaps.
	LastKnownEvent uint64 `json:"last_known_event"`
	// CorrelationID links the request to its response across client and
	// master logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// KeepAliveResponse acknowledges a keepalive and carries any pending events.
type KeepAliveResponse struct {
	// SessionID is the session the acknowledgment belongs to. Responses for
	// a superseded session are dropped by the core.
	SessionID uint64 `json:"session_id"`
	// AckTime is the transport's receipt timestamp for the acknowledgment.
	// Zero means "stamp at dispatch time".
	AckTime time.Time `json:"ack_time"`
	// LastEventSeen echoes the event id the master believes the client has
	// applied.
	LastEventSeen uint64 `json:"last_event_seen"`
	// Events lists server-pushed events in delivery order.
	Events []ServerEvent `json:"events,omitempty"`
	// CorrelationID links the response to the request that triggered it.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ServerEvent is one server-pushed notification targeting a registered handle.
type ServerEvent struct {
	// ID is the master-assigned event sequence number, strictly increasing
	// per session.
	ID uint64 `json:"id"`
	// HandleID names the open lock/file handle the event is for.
	HandleID uint64 `json:"handle_id"`
	// Type describes what happened to the node behind the handle.
	Type EventType `json:"type"`
	// Payload carries event-specific data (attribute name, child name, lock
	// generation) opaque to the session core.
	Payload []byte `json:"payload,omitempty"`
}

// EventType enumerates the server-pushed event kinds.
type EventType uint32

const (
	// EventAttrSet signals an attribute was set on the node.
	EventAttrSet EventType = 0x0001
	// EventAttrDel signals an attribute was deleted from the node.
	EventAttrDel EventType = 0x0002
	// EventChildAdded signals a child node was created.
	EventChildAdded EventType = 0x0004
	// EventChildRemoved signals a child node was removed.
	EventChildRemoved EventType = 0x0008
	// EventLockAcquired signals the lock behind the handle was acquired.
	EventLockAcquired EventType = 0x0010
	// EventLockReleased signals the lock behind the handle was released.
	EventLockReleased EventType = 0x0020
)

// String returns the lower-case wire name for the event type.
func (t EventType) String() string {
	switch t {
	case EventAttrSet:
		return "attr_set"
	case EventAttrDel:
		return "attr_del"
	case EventChildAdded:
		return "child_added"
	case EventChildRemoved:
		return "child_removed"
	case EventLockAcquired:
		return "lock_acquired"
	case EventLockReleased:
		return "lock_released"
	default:
		return "unknown"
	}
}
