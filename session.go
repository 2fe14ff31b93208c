package hyperspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"pkt.systems/hyperspace/internal/clock"
	"pkt.systems/hyperspace/internal/loggingutil"
	"pkt.systems/hyperspace/internal/uuidv7"
)

// Session maintains one lock-service session against a remote master: it
// sends keepalives on a recurring tick, tracks the lease deadlines, drives
// the lifecycle state machine, rotates through master candidates after
// connection loss, and fans server-pushed events out to registered handles.
//
// All state is guarded by a single mutex; timer ticks, transport responses
// and connection errors are funneled through Dispatch and can never
// interleave their updates.
type Session struct {
	cfg        Config
	conn       ConnectionHandler
	observer   SessionObserver
	logger     pslog.Logger
	clk        clock.Clock
	metrics    *sessionMetrics
	metricsReg prometheus.Registerer
	instance   string

	mu          sync.Mutex
	started     bool
	state       State
	sessionID   uint64
	lastEvent   uint64
	lastSend    time.Time
	lastAck     time.Time
	jeopardyAt  time.Time
	expireAt    time.Time
	handles     map[uint64]HandleCallback
	masters     *masterList
	pendingDial string
	stopCh      chan struct{}
	loopDone    chan struct{}
	stateWait   chan struct{}
}

var _ DispatchHandler = (*Session)(nil)

// Option configures a Session beyond its Config.
type Option func(*Session)

// WithLogger supplies a pslog logger; entries are tagged with the session
// subsystem. Defaults to a disabled logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithObserver registers the application sink for session transitions.
// Defaults to a no-op observer.
func WithObserver(obs SessionObserver) Option {
	return func(s *Session) {
		if obs != nil {
			s.observer = obs
		}
	}
}

// WithMetricsRegisterer enables the session's metrics collaborator on the
// supplied registerer. Nil leaves metrics disabled.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(s *Session) {
		s.metricsReg = reg
	}
}

// withClock overrides the time source. Tests use clock.Manual here.
func withClock(clk clock.Clock) Option {
	return func(s *Session) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// New validates cfg and builds a Session wired to the supplied transport.
// The session does nothing until Start.
func New(cfg Config, conn ConnectionHandler, opts ...Option) (*Session, error) {
	if conn == nil {
		return nil, fmt.Errorf("hyperspace: connection handler required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:       cfg,
		conn:      conn,
		observer:  nopObserver{},
		clk:       clock.Real{},
		instance:  uuidv7.NewString(),
		handles:   make(map[uint64]HandleCallback),
		masters:   newMasterList(cfg.MasterAddresses),
		stateWait: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = loggingutil.WithSubsystem(loggingutil.EnsureLogger(s.logger), "session")
	s.metrics = newSessionMetrics(s.metricsReg)
	s.logger.Info("session.init",
		"instance", s.instance,
		"lease_interval", s.cfg.LeaseInterval,
		"keepalive_interval", s.cfg.KeepaliveInterval,
		"grace_period", s.cfg.GracePeriod,
		"reconnect_backoff", s.cfg.ReconnectBackoff,
		"masters", len(s.cfg.MasterAddresses),
		"verbose", s.cfg.Verbose,
	)
	return s, nil
}

// Start arms the recurring keepalive timer and sends the first keepalive
// immediately. A non-zero sessionID resumes a session handed over from
// external bootstrap and begins in StateConnected; sessionID 0 asks the
// master to establish a fresh session and begins in StateJeopardy until the
// first acknowledgment adopts the assigned id.
//
// Start fails with ErrAlreadyStarted while a session is running; after Stop
// or expiry it may be called again and resets all session state.
func (s *Session) Start(sessionID uint64) error {
	s.mu.Lock()
	if s.started && s.state != StateExpired {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	var oldStop, oldDone chan struct{}
	if s.started {
		// Restart after expiry: retire the previous timer goroutine before
		// resetting state, so exactly one timer drives the new session.
		oldStop, oldDone = s.stopCh, s.loopDone
		s.started = false
	}
	s.mu.Unlock()
	if oldStop != nil {
		close(oldStop)
		<-oldDone
	}

	s.mu.Lock()
	if s.started && s.state != StateExpired {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.startLocked(sessionID)
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stopCh, s.loopDone = stop, done
	s.mu.Unlock()

	go s.run(stop, done)
	return nil
}

// startLocked resets all session state and sends the first keepalive. The
// caller arms the timer goroutine.
func (s *Session) startLocked(sessionID uint64) {
	now := s.clk.Now()
	s.started = true
	s.sessionID = sessionID
	s.lastEvent = 0
	s.lastSend = time.Time{}
	s.lastAck = time.Time{}
	s.jeopardyAt = now.Add(s.cfg.LeaseInterval)
	s.expireAt = s.jeopardyAt.Add(s.cfg.GracePeriod)
	s.pendingDial = ""
	s.masters.reset()
	s.state = StateConnected
	if sessionID == 0 {
		// Establishment mode: not safe until the master acknowledges.
		s.state = StateJeopardy
	}
	s.metrics.stateSet(s.state)
	close(s.stateWait)
	s.stateWait = make(chan struct{})
	s.logger.Info("session.start",
		"instance", s.instance,
		"session_id", sessionID,
		"state", s.state.String(),
		"master", s.masters.current(),
		"jeopardy_deadline", s.jeopardyAt,
		"expire_deadline", s.expireAt,
	)
	s.sendKeepaliveLocked(now)
}

// Stop cancels the timer and tears the session down without expiring it.
// In-flight sends become no-ops: their eventual responses are dropped. Stop
// is idempotent and returns once the timer goroutine has exited.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	var done chan struct{}
	if s.stopCh != nil {
		close(s.stopCh)
		done = s.loopDone
		s.stopCh, s.loopDone = nil, nil
	}
	s.pendingDial = ""
	if s.state != StateExpired {
		s.transitionLocked(StateDisconnected)
	}
	s.logger.Info("session.stop", "instance", s.instance, "session_id", s.sessionID)
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// run is the timer source: one tick per keepalive interval, slowed to the
// reconnect backoff while the session is re-establishing its connection.
func (s *Session) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		runnable := s.started && s.state != StateExpired
		delay := s.cfg.KeepaliveInterval
		if s.state == StateReconnecting {
			delay = s.cfg.ReconnectBackoff
		}
		s.mu.Unlock()
		if !runnable {
			return
		}
		select {
		case <-stop:
			return
		case <-s.clk.After(delay):
		}
		s.Dispatch(Event{Kind: EventTimerFired})
	}
}

// RegisterHandle binds cb to an open handle id. The registry owns cb until
// UnregisterHandle or en-masse invalidation at expiry.
func (s *Session) RegisterHandle(id uint64, cb HandleCallback) error {
	if cb == nil {
		return fmt.Errorf("hyperspace: nil handle callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handles[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateHandle, id)
	}
	s.handles[id] = cb
	s.logger.Debug("session.handle.register", "handle_id", id, "handles", len(s.handles))
	return nil
}

// UnregisterHandle removes a handle binding. Removing an absent id is a
// no-op: the handle may already have been invalidated by expiry.
func (s *Session) UnregisterHandle(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handles[id]; !exists {
		return
	}
	delete(s.handles, id)
	s.logger.Debug("session.handle.unregister", "handle_id", id, "handles", len(s.handles))
}

// SetMasterAddresses replaces the candidate list at runtime. The rotation
// cursor follows the currently selected address when it survives the swap.
func (s *Session) SetMasterAddresses(addrs []string) error {
	normalized, err := normalizeMasterAddresses(addrs)
	if err != nil {
		return err
	}
	if len(normalized) == 0 {
		return fmt.Errorf("hyperspace: no master addresses provided")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters.replace(normalized)
	s.cfg.MasterAddresses = normalized
	s.logger.Info("session.masters.update", "masters", len(normalized), "active", s.masters.current())
	return nil
}

// WaitReady blocks until the session reaches StateConnected. It fails with
// ErrSessionExpired once the session expires, ErrNotStarted when the
// session is stopped, or the context error on cancellation.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		state := s.state
		started := s.started
		wait := s.stateWait
		s.mu.Unlock()
		switch {
		case state == StateConnected:
			return nil
		case state == StateExpired:
			return ErrSessionExpired
		case !started:
			return ErrNotStarted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Snapshot is a point-in-time copy of the session's observable state.
type Snapshot struct {
	SessionID         uint64
	State             State
	LastKnownEvent    uint64
	LastKeepaliveSend time.Time
	JeopardyDeadline  time.Time
	ExpireDeadline    time.Time
	Master            string
	Masters           []string
	Handles           int
}

// Snapshot returns the current session state for logs, tests and tooling.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:         s.sessionID,
		State:             s.state,
		LastKnownEvent:    s.lastEvent,
		LastKeepaliveSend: s.lastSend,
		JeopardyDeadline:  s.jeopardyAt,
		ExpireDeadline:    s.expireAt,
		Master:            s.masters.current(),
		Masters:           s.masters.snapshot(),
		Handles:           len(s.handles),
	}
}

// transitionLocked moves the lifecycle state, wakes WaitReady waiters and
// records the transition. Callers log and notify the observer themselves.
func (s *Session) transitionLocked(to State) {
	s.state = to
	s.metrics.transition(to)
	close(s.stateWait)
	s.stateWait = make(chan struct{})
}

// logRoundTrip logs keepalive round-trip details at trace, or debug when
// Config.Verbose is set.
func (s *Session) logRoundTrip(msg string, keyvals ...any) {
	if s.cfg.Verbose {
		s.logger.Debug(msg, keyvals...)
		return
	}
	s.logger.Trace(msg, keyvals...)
}
