package hyperspace

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eapache/queue"
	"pkt.systems/pslog"

	"pkt.systems/hyperspace/api"
	"pkt.systems/hyperspace/internal/loggingutil"
)

// TestMaster simulates a master quorum in-process: it implements
// ConnectionHandler, answers keepalives with acknowledgments and pending
// events, assigns session ids during establishment and honors a FaultPlan
// for outage scenarios. Requests are queued and answered by a single worker
// goroutine, so responses reach the session asynchronously exactly as a
// network transport would deliver them.
type TestMaster struct {
	Addrs []string

	logger pslog.Logger
	stop   chan struct{}
	done   chan struct{}
	wake   chan struct{}
	once   sync.Once

	mu          sync.Mutex
	inbox       *queue.Queue
	handler     DispatchHandler
	faults      faultRuntime
	rng         *rand.Rand
	active      string
	down        map[string]bool
	linkBroken  bool
	failDials   int
	sessionID   uint64
	nextSession uint64
	events      []api.ServerEvent
	nextEvent   uint64
	requests    int
	lastRequest api.KeepAliveRequest
}

var _ ConnectionHandler = (*TestMaster)(nil)

type masterOpKind uint8

const (
	opKeepalive masterOpKind = iota + 1
	opDial
)

type masterOp struct {
	kind masterOpKind
	req  api.KeepAliveRequest
	addr string
}

// FaultPlan describes perturbations the test master applies to traffic.
type FaultPlan struct {
	// Seed controls the pseudo-random source. When zero, time.Now is used.
	Seed int64

	// DropProbability silently discards a keepalive instead of answering
	// it (0.0-1.0), simulating packet loss.
	DropProbability float64

	// MinResponseDelay and MaxResponseDelay bound the latency added before
	// each acknowledgment, drawn from the seeded source. When both are
	// zero no delay is added; equal bounds give a fixed delay.
	MinResponseDelay time.Duration
	MaxResponseDelay time.Duration

	// FailFirstDials rejects this many reconnect attempts regardless of
	// target address before dials succeed again.
	FailFirstDials int

	// DownMasters lists addresses that refuse dials and break sends from
	// the start.
	DownMasters []string
}

func (p *FaultPlan) normalize() faultRuntime {
	rt := faultRuntime{
		dropProb:  clampProbability(p.DropProbability),
		minDelay:  p.MinResponseDelay,
		maxDelay:  p.MaxResponseDelay,
		failDials: p.FailFirstDials,
	}
	if rt.minDelay < 0 {
		rt.minDelay = 0
	}
	if rt.maxDelay < rt.minDelay {
		rt.maxDelay = rt.minDelay
	}
	if rt.failDials < 0 {
		rt.failDials = 0
	}
	if p.Seed != 0 {
		rt.seed = p.Seed
	} else {
		rt.seed = time.Now().UnixNano()
	}
	return rt
}

type faultRuntime struct {
	dropProb  float64
	minDelay  time.Duration
	maxDelay  time.Duration
	failDials int
	seed      int64
}

// ackDelay draws the latency to impose on one acknowledgment, uniform
// across the configured bounds.
func (rt faultRuntime) ackDelay(rng *rand.Rand) time.Duration {
	if rt.maxDelay <= 0 {
		return 0
	}
	delay := rt.minDelay
	if delta := rt.maxDelay - rt.minDelay; delta > 0 {
		delay += time.Duration(rng.Int63n(int64(delta) + 1))
	}
	return delay
}

func clampProbability(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type testMasterOptions struct {
	logger       pslog.Logger
	faults       *FaultPlan
	testTB       testing.TB
	testLogLevel pslog.Level
}

// TestMasterOption customises NewTestMaster/StartTestMaster behaviour.
type TestMasterOption func(*testMasterOptions)

// WithMasterLogger supplies a custom logger.
func WithMasterLogger(logger pslog.Logger) TestMasterOption {
	return func(o *testMasterOptions) {
		o.logger = logger
	}
}

// WithMasterFaults applies a fault plan. Passing nil runs fault-free.
func WithMasterFaults(plan *FaultPlan) TestMasterOption {
	return func(o *testMasterOptions) {
		if plan != nil {
			copyPlan := *plan
			o.faults = &copyPlan
		} else {
			o.faults = nil
		}
	}
}

// WithMasterLoggerFromTB routes master logs to the provided testing logger
// at the supplied level.
func WithMasterLoggerFromTB(t testing.TB, level pslog.Level) TestMasterOption {
	return func(o *testMasterOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithMasterLoggerTB uses the testing logger with Debug level.
func WithMasterLoggerTB(t testing.TB) TestMasterOption {
	return WithMasterLoggerFromTB(t, pslog.DebugLevel)
}

// NewTestMaster builds a test master serving the given candidate addresses.
// The first address starts as the active link. Call Close to clean up.
func NewTestMaster(addrs []string, opts ...TestMasterOption) (*TestMaster, error) {
	options := testMasterOptions{
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	normalized, err := normalizeMasterAddresses(addrs)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("hyperspace: test master requires at least one address")
	}
	logger := options.logger
	if logger == nil && options.testTB != nil {
		logger = NewTestingLogger(options.testTB, options.testLogLevel)
	}
	plan := options.faults
	if plan == nil {
		plan = &FaultPlan{}
	}
	rt := plan.normalize()
	m := &TestMaster{
		Addrs:       normalized,
		logger:      ensureMasterLogger(logger),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
		inbox:       queue.New(),
		faults:      rt,
		rng:         rand.New(rand.NewSource(rt.seed)),
		active:      normalized[0],
		down:        make(map[string]bool),
		failDials:   rt.failDials,
		nextSession: 1,
		nextEvent:   1,
	}
	for _, addr := range plan.DownMasters {
		norm, err := normalizeMasterAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("hyperspace: fault plan: %w", err)
		}
		m.down[norm] = true
	}
	go m.run()
	return m, nil
}

// StartTestMaster is a convenience wrapper that fails the test on error and
// registers cleanup.
func StartTestMaster(t testing.TB, addrs []string, opts ...TestMasterOption) *TestMaster {
	t.Helper()
	m, err := NewTestMaster(addrs, opts...)
	if err != nil {
		t.Fatalf("start test master: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Fatalf("stop test master: %v", err)
		}
	})
	return m
}

// Attach points the master at the dispatch sink its responses and
// connection errors should reach, usually the session under test.
func (m *TestMaster) Attach(h DispatchHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Close stops the worker and waits for it to exit.
func (m *TestMaster) Close() error {
	m.once.Do(func() {
		close(m.stop)
	})
	<-m.done
	return nil
}

// SendKeepalive queues a keepalive for the worker. Fire-and-forget per the
// ConnectionHandler contract.
func (m *TestMaster) SendKeepalive(req api.KeepAliveRequest) {
	m.enqueue(masterOp{kind: opKeepalive, req: req})
}

// Reconnect queues a dial attempt against addr.
func (m *TestMaster) Reconnect(addr string) {
	m.enqueue(masterOp{kind: opDial, addr: addr})
}

func (m *TestMaster) enqueue(op masterOp) {
	m.mu.Lock()
	m.inbox.Add(op)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Push appends a server event to the log and returns its id. The event
// rides along with every acknowledgment until the session confirms it.
func (m *TestMaster) Push(handleID uint64, typ api.EventType, payload []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := api.ServerEvent{
		ID:       m.nextEvent,
		HandleID: handleID,
		Type:     typ,
		Payload:  payload,
	}
	m.nextEvent++
	m.events = append(m.events, ev)
	return ev.ID
}

// SetDown marks addresses as unreachable: dials to them fail and, when one
// is the active link, the next send surfaces a connection error.
func (m *TestMaster) SetDown(addrs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addrs {
		if norm, err := normalizeMasterAddr(addr); err == nil {
			m.down[norm] = true
		}
	}
}

// SetUp clears the unreachable flag for addresses.
func (m *TestMaster) SetUp(addrs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addrs {
		if norm, err := normalizeMasterAddr(addr); err == nil {
			delete(m.down, norm)
		}
	}
}

// SetDropProbability replaces the keepalive drop rate mid-run. 1 blackholes
// the link: keepalives vanish without surfacing connection errors.
func (m *TestMaster) SetDropProbability(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults.dropProb = clampProbability(p)
}

// Active returns the address currently serving the link.
func (m *TestMaster) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SessionID returns the id assigned during establishment, or 0.
func (m *TestMaster) SessionID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Requests returns how many keepalives the master has dequeued.
func (m *TestMaster) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// LastRequest returns the most recently dequeued keepalive.
func (m *TestMaster) LastRequest() api.KeepAliveRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

func (m *TestMaster) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		if m.inbox.Length() == 0 {
			m.mu.Unlock()
			select {
			case <-m.stop:
				return
			case <-m.wake:
			}
			continue
		}
		op := m.inbox.Remove().(masterOp)
		m.mu.Unlock()
		select {
		case <-m.stop:
			return
		default:
		}
		switch op.kind {
		case opKeepalive:
			m.handleKeepalive(op.req)
		case opDial:
			m.handleDial(op.addr)
		}
	}
}

func (m *TestMaster) handleKeepalive(req api.KeepAliveRequest) {
	m.mu.Lock()
	m.requests++
	m.lastRequest = req
	handler := m.handler
	active := m.active
	if handler == nil || active == "" {
		m.mu.Unlock()
		return
	}
	if m.down[active] {
		notify := !m.linkBroken
		m.linkBroken = true
		m.mu.Unlock()
		if notify {
			m.logger.Debug("testmaster.link_broken", "addr", active)
			handler.Dispatch(Event{
				Kind: EventConnectionError,
				Addr: active,
				Err:  fmt.Errorf("hyperspace: connection to %s lost", active),
			})
		}
		return
	}
	if m.faults.dropProb > 0 && m.rng.Float64() < m.faults.dropProb {
		m.mu.Unlock()
		m.logger.Debug("testmaster.keepalive.dropped", "correlation_id", req.CorrelationID)
		return
	}
	if req.SessionID == 0 {
		if m.sessionID == 0 {
			m.sessionID = m.nextSession
			m.nextSession++
			m.logger.Debug("testmaster.session.assign", "session_id", m.sessionID)
		}
	} else {
		m.sessionID = req.SessionID
	}
	resp := &api.KeepAliveResponse{
		SessionID:     m.sessionID,
		AckTime:       time.Now().UTC(),
		LastEventSeen: req.LastKnownEvent,
		CorrelationID: req.CorrelationID,
	}
	for _, ev := range m.events {
		if ev.ID > req.LastKnownEvent {
			resp.Events = append(resp.Events, ev)
		}
	}
	delay := m.faults.ackDelay(m.rng)
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-m.stop:
			return
		case <-time.After(delay):
		}
	}
	handler.Dispatch(Event{Kind: EventResponseReceived, Response: resp})
}

func (m *TestMaster) handleDial(addr string) {
	m.mu.Lock()
	handler := m.handler
	refused := m.down[addr]
	if !refused && m.failDials > 0 {
		m.failDials--
		refused = true
	}
	if !refused {
		m.active = addr
		m.linkBroken = false
	}
	m.mu.Unlock()
	if handler == nil {
		return
	}
	if refused {
		m.logger.Debug("testmaster.dial.refused", "addr", addr)
		handler.Dispatch(Event{
			Kind: EventConnectionError,
			Addr: addr,
			Err:  fmt.Errorf("hyperspace: dial %s: connection refused", addr),
		})
		return
	}
	m.logger.Debug("testmaster.dial.accepted", "addr", addr)
}

func ensureMasterLogger(logger pslog.Logger) pslog.Logger {
	return loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "testmaster")
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer).WithLogLevel()
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "hyperspace")
}
