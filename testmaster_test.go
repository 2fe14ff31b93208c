package hyperspace

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"pkt.systems/hyperspace/api"
)

func TestFaultPlanNormalizeClamps(t *testing.T) {
	t.Parallel()
	plan := FaultPlan{
		Seed:             42,
		DropProbability:  1.7,
		MinResponseDelay: -time.Second,
		MaxResponseDelay: -2 * time.Second,
		FailFirstDials:   -3,
	}
	rt := plan.normalize()
	if rt.dropProb != 1 {
		t.Fatalf("expected drop probability clamped to 1, got %v", rt.dropProb)
	}
	if rt.minDelay != 0 || rt.maxDelay != 0 {
		t.Fatalf("expected negative delay bounds clamped to zero, got [%v, %v]", rt.minDelay, rt.maxDelay)
	}
	if rt.failDials != 0 {
		t.Fatalf("expected negative dial failures clamped to zero, got %d", rt.failDials)
	}
	if rt.seed != 42 {
		t.Fatalf("expected seed kept, got %d", rt.seed)
	}

	inverted := FaultPlan{MinResponseDelay: 5 * time.Millisecond, MaxResponseDelay: time.Millisecond}
	rt = inverted.normalize()
	if rt.minDelay != 5*time.Millisecond || rt.maxDelay != 5*time.Millisecond {
		t.Fatalf("expected inverted delay bounds lifted to the minimum, got [%v, %v]", rt.minDelay, rt.maxDelay)
	}
	if rt.seed == 0 {
		t.Fatal("expected zero seed replaced with a clock-derived one")
	}

	nan := FaultPlan{DropProbability: math.NaN()}
	if got := nan.normalize().dropProb; got != 0 {
		t.Fatalf("expected NaN drop probability clamped to zero, got %v", got)
	}
}

func TestFaultPlanDelayDrawsStayWithinBounds(t *testing.T) {
	t.Parallel()
	plan := FaultPlan{
		Seed:             99,
		MinResponseDelay: 2 * time.Millisecond,
		MaxResponseDelay: 9 * time.Millisecond,
	}
	rt := plan.normalize()
	rng := rand.New(rand.NewSource(rt.seed))

	first := rt.ackDelay(rng)
	if first < rt.minDelay || first > rt.maxDelay {
		t.Fatalf("draw %v fell outside [%v, %v]", first, rt.minDelay, rt.maxDelay)
	}
	varied := false
	for i := 0; i < 1000; i++ {
		d := rt.ackDelay(rng)
		if d < rt.minDelay || d > rt.maxDelay {
			t.Fatalf("draw %v fell outside [%v, %v]", d, rt.minDelay, rt.maxDelay)
		}
		if d != first {
			varied = true
		}
	}
	if !varied {
		t.Fatal("expected draws to vary across the bounds")
	}

	fixed := FaultPlan{Seed: 1, MinResponseDelay: 3 * time.Millisecond, MaxResponseDelay: 3 * time.Millisecond}
	rt = fixed.normalize()
	for i := 0; i < 10; i++ {
		if d := rt.ackDelay(rng); d != 3*time.Millisecond {
			t.Fatalf("expected equal bounds to give a fixed delay, got %v", d)
		}
	}

	if d := (faultRuntime{}).ackDelay(rng); d != 0 {
		t.Fatalf("expected zero bounds to add no delay, got %v", d)
	}
}

// ackRecorder captures responses the master dispatches.
type ackRecorder struct {
	mu        sync.Mutex
	responses []*api.KeepAliveResponse
}

func (r *ackRecorder) Dispatch(ev Event) {
	if ev.Kind != EventResponseReceived {
		return
	}
	r.mu.Lock()
	r.responses = append(r.responses, ev.Response)
	r.mu.Unlock()
}

func (r *ackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

func TestMasterDelaysAcknowledgments(t *testing.T) {
	t.Parallel()
	master := StartTestMaster(t, []string{"sim-0.test"},
		WithMasterLoggerTB(t),
		WithMasterFaults(&FaultPlan{
			Seed:             7,
			MinResponseDelay: 20 * time.Millisecond,
			MaxResponseDelay: 40 * time.Millisecond,
		}),
	)
	rec := &ackRecorder{}
	master.Attach(rec)

	start := time.Now()
	master.SendKeepalive(api.KeepAliveRequest{})
	waitUntil(t, "delayed acknowledgment", func() bool { return rec.count() == 1 })
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("acknowledgment arrived after %v, inside the lower delay bound", elapsed)
	}
}
