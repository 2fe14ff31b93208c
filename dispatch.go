package hyperspace

import (
	"time"

	"github.com/rs/xid"

	"pkt.systems/hyperspace/api"
)

// Dispatch is the session's single entry point for inputs: timer ticks,
// keepalive responses and connection errors. Every input runs to completion
// under the session mutex, so handlers observe a consistent state and no
// two inputs interleave. Transports call Dispatch from their own
// goroutines.
func (s *Session) Dispatch(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.logger.Trace("session.dispatch.dropped", "kind", ev.Kind.String(), "reason", "stopped")
		return
	}
	now := s.clk.Now()
	switch ev.Kind {
	case EventTimerFired:
		s.onTimerLocked(now)
	case EventResponseReceived:
		s.onResponseLocked(now, ev.Response)
	case EventConnectionError:
		s.onConnErrorLocked(now, ev.Addr, ev.Err)
	default:
		s.metrics.dropped(dropReasonProtocol)
		s.logger.Warn("session.dispatch.unknown_kind", "kind", uint8(ev.Kind))
	}
}

// onTimerLocked advances the deadline checks and sends the next keepalive.
// While reconnecting, each tick also rotates to the next master candidate
// once the previous dial attempt has failed.
func (s *Session) onTimerLocked(now time.Time) {
	if s.state == StateExpired || s.state == StateDisconnected {
		return
	}
	s.checkDeadlinesLocked(now)
	if s.state == StateExpired {
		return
	}
	if s.state == StateReconnecting && s.pendingDial == "" {
		s.dialNextLocked()
	}
	s.sendKeepaliveLocked(now)
}

// onResponseLocked applies a keepalive acknowledgment: adopt the session id
// during establishment, deliver new server events to their handles, push
// the lease deadlines forward from the master's ack timestamp and recover
// from jeopardy or reconnection. Responses for other sessions, responses
// without a session id and responses arriving after the expire deadline are
// dropped.
func (s *Session) onResponseLocked(now time.Time, resp *api.KeepAliveResponse) {
	if s.state == StateExpired {
		s.metrics.dropped(dropReasonStaleSession)
		s.logger.Trace("session.response.dropped", "reason", "expired")
		return
	}
	if resp == nil || resp.SessionID == 0 {
		s.metrics.dropped(dropReasonProtocol)
		s.logger.Warn("session.response.protocol_error", "reason", "missing session id")
		return
	}
	if s.sessionID != 0 && resp.SessionID != s.sessionID {
		s.metrics.dropped(dropReasonStaleSession)
		s.logger.Debug("session.response.stale",
			"session_id", s.sessionID,
			"response_session_id", resp.SessionID,
		)
		return
	}
	// A late acknowledgment cannot resurrect a lapsed lease.
	if !now.Before(s.expireAt) {
		s.checkDeadlinesLocked(now)
		return
	}
	if s.sessionID == 0 {
		s.sessionID = resp.SessionID
		s.logger.Info("session.established", "session_id", resp.SessionID, "master", s.masters.current())
	}
	ack := resp.AckTime
	if ack.IsZero() {
		ack = now
	}
	// An acknowledgment stamped earlier than one already applied cannot
	// pull the deadlines backward.
	if ack.Before(s.lastAck) {
		ack = s.lastAck
	}
	s.lastAck = ack
	for i := range resp.Events {
		s.applyEventLocked(resp.Events[i])
	}
	oldJeopardyAt := s.jeopardyAt
	s.jeopardyAt = ack.Add(s.cfg.LeaseInterval)
	s.expireAt = s.jeopardyAt.Add(s.cfg.GracePeriod)
	s.metrics.acked()
	keyvals := []any{
		"session_id", s.sessionID,
		"last_event", s.lastEvent,
		"events", len(resp.Events),
		"jeopardy_deadline", s.jeopardyAt,
	}
	if resp.CorrelationID != "" {
		keyvals = append(keyvals, "correlation_id", resp.CorrelationID)
	}
	if !s.lastSend.IsZero() {
		keyvals = append(keyvals, "rtt", now.Sub(s.lastSend))
	}
	s.logRoundTrip("session.keepalive.ack", keyvals...)

	switch s.state {
	case StateJeopardy:
		s.logger.Info("session.safe", "session_id", s.sessionID, "jeopardy_deadline", s.jeopardyAt)
		s.transitionLocked(StateConnected)
		s.observer.Safe()
	case StateReconnecting:
		s.pendingDial = ""
		recovered := StateConnected
		if !now.Before(oldJeopardyAt) {
			// The outage outlived the old jeopardy deadline; the lease is
			// renewed but the session surfaces the scare before going safe.
			recovered = StateJeopardy
		}
		s.logger.Info("session.reconnected",
			"session_id", s.sessionID,
			"master", s.masters.current(),
			"state", recovered.String(),
		)
		s.transitionLocked(recovered)
		s.observer.Reconnected()
	}
}

// onConnErrorLocked reacts to a transport-level failure. From a live
// connection it enters reconnection and dials the next candidate
// immediately; while reconnecting it marks the pending dial as failed so
// the next tick rotates onward. Errors for an address the session is no
// longer talking to are stale and ignored.
func (s *Session) onConnErrorLocked(now time.Time, addr string, cause error) {
	s.checkDeadlinesLocked(now)
	switch s.state {
	case StateExpired, StateDisconnected:
		s.logger.Trace("session.connection_error.dropped", "addr", addr, "state", s.state.String())
	case StateConnected, StateJeopardy:
		if addr != "" && addr != s.masters.current() {
			s.logger.Debug("session.connection_error.stale", "addr", addr, "active", s.masters.current())
			return
		}
		failed := addr
		if failed == "" {
			failed = s.masters.current()
		}
		s.logger.Warn("session.reconnecting", "addr", failed, "error", cause)
		s.transitionLocked(StateReconnecting)
		s.observer.Disconnected()
		s.dialNextLocked()
	case StateReconnecting:
		if addr != "" && s.pendingDial != "" && addr != s.pendingDial {
			s.logger.Debug("session.connection_error.stale", "addr", addr, "pending", s.pendingDial)
			return
		}
		s.logger.Debug("session.reconnect.failed", "addr", s.pendingDial, "error", cause)
		s.pendingDial = ""
	}
}

// checkDeadlinesLocked applies the lease deadlines in order: a connected
// session whose jeopardy deadline has passed enters jeopardy, and a session
// in jeopardy or reconnection whose expire deadline has passed expires. A
// single starved tick can take both steps.
func (s *Session) checkDeadlinesLocked(now time.Time) {
	if s.state == StateConnected && !now.Before(s.jeopardyAt) {
		s.logger.Warn("session.jeopardy",
			"session_id", s.sessionID,
			"jeopardy_deadline", s.jeopardyAt,
			"expire_deadline", s.expireAt,
		)
		s.transitionLocked(StateJeopardy)
		s.observer.Jeopardy()
	}
	if (s.state == StateJeopardy || s.state == StateReconnecting) && !now.Before(s.expireAt) {
		s.expireLocked()
	}
}

// expireLocked ends the session: the observer is told first, then every
// registered handle is invalidated and the registry cleared. The session id
// is zeroed so late responses for the dead session cannot match.
func (s *Session) expireLocked() {
	expired := s.sessionID
	s.transitionLocked(StateExpired)
	s.pendingDial = ""
	s.sessionID = 0
	s.logger.Error("session.expired",
		"session_id", expired,
		"last_event", s.lastEvent,
		"expire_deadline", s.expireAt,
	)
	s.observer.Expired()
	s.invalidateAllLocked()
}

// invalidateAllLocked tells every registered handle its server-side state
// is gone and empties the registry.
func (s *Session) invalidateAllLocked() {
	if len(s.handles) == 0 {
		return
	}
	s.logger.Warn("session.handles.invalidate", "handles", len(s.handles))
	for _, cb := range s.handles {
		cb.Invalidated()
	}
	s.handles = make(map[uint64]HandleCallback)
}

// applyEventLocked delivers one server event. Event ids are strictly
// increasing per session; an id at or below the high-water mark is a
// redelivery and is dropped, which makes delivery idempotent across
// retransmitted responses.
func (s *Session) applyEventLocked(ev api.ServerEvent) {
	if ev.ID <= s.lastEvent {
		s.metrics.dropped(dropReasonDuplicateEvt)
		s.logger.Debug("session.event.duplicate", "event_id", ev.ID, "last_event", s.lastEvent)
		return
	}
	s.lastEvent = ev.ID
	cb, ok := s.handles[ev.HandleID]
	if !ok {
		s.metrics.dropped(dropReasonUnknownHandle)
		s.logger.Debug("session.event.unknown_handle",
			"event_id", ev.ID,
			"handle_id", ev.HandleID,
			"type", ev.Type.String(),
		)
		return
	}
	s.metrics.applied()
	s.logger.Trace("session.event.dispatch",
		"event_id", ev.ID,
		"handle_id", ev.HandleID,
		"type", ev.Type.String(),
	)
	cb.OnEvent(ev)
}

// dialNextLocked rotates to the next master candidate and asks the
// transport to reconnect there. The attempt stays pending until the
// transport reports an error for it or a response proves the link.
func (s *Session) dialNextLocked() {
	addr := s.masters.next()
	s.pendingDial = addr
	s.metrics.dialed()
	s.logger.Debug("session.reconnect.dial", "addr", addr)
	s.conn.Reconnect(addr)
}

// sendKeepaliveLocked fires one keepalive at the transport. Sends are
// fire-and-forget: a broken connection surfaces later as a connection
// error, never as a send failure.
func (s *Session) sendKeepaliveLocked(now time.Time) {
	req := api.KeepAliveRequest{
		SessionID:      s.sessionID,
		LastKnownEvent: s.lastEvent,
		CorrelationID:  xid.New().String(),
	}
	s.lastSend = now
	s.metrics.sent()
	s.logRoundTrip("session.keepalive.send",
		"session_id", req.SessionID,
		"last_event", req.LastKnownEvent,
		"correlation_id", req.CorrelationID,
		"state", s.state.String(),
	)
	s.conn.SendKeepalive(req)
}
