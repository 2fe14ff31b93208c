package clock

import (
	"sync"
	"time"
)

// Manual is a hand-cranked Clock for deterministic tests: time only moves
// when Advance or AdvanceTo is called, and timers created via After fire
// during that call.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the manual clock has advanced by d.
// A non-positive d fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves time forward by d and fires any due timers. It returns the
// new current time.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceToLocked(m.now.Add(d))
}

// AdvanceTo moves time forward to the supplied instant and fires any due
// timers. Instants at or before the current time leave the clock unchanged.
func (m *Manual) AdvanceTo(at time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	at = at.UTC()
	if !at.After(m.now) {
		return m.now
	}
	return m.advanceToLocked(at)
}

func (m *Manual) advanceToLocked(at time.Time) time.Time {
	m.now = at
	if len(m.timers) == 0 {
		return at
	}
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(at) {
			remaining = append(remaining, timer)
			continue
		}
		timer.ch <- at
	}
	m.timers = remaining
	return at
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
