package hyperspace_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/hyperspace"
	"pkt.systems/hyperspace/api"
)

type capturedEvents struct {
	mu          sync.Mutex
	events      []api.ServerEvent
	invalidated int
}

func (c *capturedEvents) OnEvent(ev api.ServerEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capturedEvents) Invalidated() {
	c.mu.Lock()
	c.invalidated++
	c.mu.Unlock()
}

func (c *capturedEvents) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *capturedEvents) invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionLifecycleAgainstTestMaster(t *testing.T) {
	t.Parallel()
	addrs := []string{"master-0.test:38040", "master-1.test:38040"}
	master := hyperspace.StartTestMaster(t, addrs, hyperspace.WithMasterLoggerTB(t))

	cfg := hyperspace.Config{
		MasterAddresses:   addrs,
		LeaseInterval:     time.Second,
		KeepaliveInterval: 200 * time.Millisecond,
		GracePeriod:       time.Second,
		ReconnectBackoff:  100 * time.Millisecond,
	}
	sess, err := hyperspace.New(cfg, master,
		hyperspace.WithLogger(hyperspace.NewTestingLogger(t, pslog.DebugLevel)),
	)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	master.Attach(sess)

	rec := &capturedEvents{}
	if err := sess.RegisterHandle(7, rec); err != nil {
		t.Fatalf("register handle: %v", err)
	}

	if err := sess.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	snap := sess.Snapshot()
	if snap.SessionID == 0 || snap.SessionID != master.SessionID() {
		t.Fatalf("expected adopted session id %d, got %d", master.SessionID(), snap.SessionID)
	}

	id := master.Push(7, api.EventAttrSet, []byte("value"))
	waitFor(t, "event delivery", func() bool { return rec.count() == 1 })
	waitFor(t, "high-water confirmation", func() bool {
		return sess.Snapshot().LastKnownEvent == id
	})
	// Retransmissions until the confirmation must not duplicate delivery.
	time.Sleep(3 * cfg.KeepaliveInterval)
	if got := rec.count(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestFailoverAgainstTestMaster(t *testing.T) {
	t.Parallel()
	addrs := []string{"master-0.test:38040", "master-1.test:38040", "master-2.test:38040"}
	master := hyperspace.StartTestMaster(t, addrs,
		hyperspace.WithMasterLoggerTB(t),
		hyperspace.WithMasterFaults(&hyperspace.FaultPlan{FailFirstDials: 1}),
	)

	cfg := hyperspace.Config{
		MasterAddresses:   addrs,
		LeaseInterval:     time.Second,
		KeepaliveInterval: 100 * time.Millisecond,
		GracePeriod:       time.Second,
		ReconnectBackoff:  50 * time.Millisecond,
	}
	sess, err := hyperspace.New(cfg, master,
		hyperspace.WithLogger(hyperspace.NewTestingLogger(t, pslog.DebugLevel)),
	)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	master.Attach(sess)
	if err := sess.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	established := sess.Snapshot().SessionID

	// Kill the active master. The first reconnect dial is refused by the
	// fault plan, so the session rotates once more before it recovers.
	master.SetDown(addrs[0])
	waitFor(t, "failover", func() bool {
		snap := sess.Snapshot()
		return snap.State == hyperspace.StateConnected && snap.Master == "master-2.test:38040"
	})
	if got := sess.Snapshot().SessionID; got != established {
		t.Fatalf("expected session %d to survive failover, got %d", established, got)
	}
}

func TestBlackholeDriftsThroughJeopardyToExpiry(t *testing.T) {
	t.Parallel()
	addrs := []string{"master-0.test:38040"}
	master := hyperspace.StartTestMaster(t, addrs, hyperspace.WithMasterLoggerTB(t))

	cfg := hyperspace.Config{
		MasterAddresses:   addrs,
		LeaseInterval:     400 * time.Millisecond,
		KeepaliveInterval: 100 * time.Millisecond,
		GracePeriod:       300 * time.Millisecond,
		ReconnectBackoff:  50 * time.Millisecond,
	}

	var mu sync.Mutex
	var sequence []string
	note := func(name string) func() {
		return func() {
			mu.Lock()
			sequence = append(sequence, name)
			mu.Unlock()
		}
	}
	sess, err := hyperspace.New(cfg, master,
		hyperspace.WithLogger(hyperspace.NewTestingLogger(t, pslog.DebugLevel)),
		hyperspace.WithObserver(hyperspace.ObserverFuncs{
			OnJeopardy:     note("jeopardy"),
			OnSafe:         note("safe"),
			OnExpired:      note("expired"),
			OnReconnected:  note("reconnected"),
			OnDisconnected: note("disconnected"),
		}),
	)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	master.Attach(sess)
	if err := sess.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	// Swallow every keepalive from here on. Acks stop but the link never
	// reports an error, so the lease drifts through jeopardy into expiry.
	master.SetDropProbability(1)

	waitFor(t, "expiry", func() bool {
		return sess.Snapshot().State == hyperspace.StateExpired
	})

	mu.Lock()
	got := strings.Join(sequence, ",")
	mu.Unlock()
	if want := "safe,jeopardy,expired"; got != want {
		t.Fatalf("observer sequence = %q, want %q", got, want)
	}
}

func TestExpiryAgainstTestMaster(t *testing.T) {
	t.Parallel()
	addrs := []string{"master-0.test:38040", "master-1.test:38040"}
	master := hyperspace.StartTestMaster(t, addrs, hyperspace.WithMasterLoggerTB(t))

	cfg := hyperspace.Config{
		MasterAddresses:   addrs,
		LeaseInterval:     300 * time.Millisecond,
		KeepaliveInterval: 100 * time.Millisecond,
		GracePeriod:       300 * time.Millisecond,
		ReconnectBackoff:  50 * time.Millisecond,
	}
	sess, err := hyperspace.New(cfg, master,
		hyperspace.WithLogger(hyperspace.NewTestingLogger(t, pslog.DebugLevel)),
	)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	master.Attach(sess)

	rec := &capturedEvents{}
	if err := sess.RegisterHandle(3, rec); err != nil {
		t.Fatalf("register handle: %v", err)
	}

	if err := sess.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	master.SetDown(addrs...)
	waitFor(t, "expiry", func() bool {
		return sess.Snapshot().State == hyperspace.StateExpired
	})
	if got := rec.invalidations(); got != 1 {
		t.Fatalf("expected one invalidation, got %d", got)
	}
	if err := sess.WaitReady(context.Background()); !errors.Is(err, hyperspace.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}
