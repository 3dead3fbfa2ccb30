// Package timer implements the Timer Service of spec.md §4.2: a
// single armed timeout at a time, with millisecond resolution,
// supporting rearm and cancel. It is a thin wrapper over
// clockwork.Clock so production code runs against wall-clock time and
// tests inject a clockwork.FakeClock for deterministic timeout control.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Service arms at most one timeout at a time. Firing is delivered on
// Fired(), which the Dispatcher selects on alongside inbound datagrams
// and control commands — it is never a bare goroutine callback, so
// firings are serialized into the single event stream per spec.md §5.
type Service struct {
	clock clockwork.Clock

	mu    sync.Mutex
	timer clockwork.Timer
	fired chan struct{}
}

// New creates a Timer Service over the given clock. Pass
// clockwork.NewRealClock() in production, clockwork.NewFakeClock() in
// tests.
func New(clock clockwork.Clock) *Service {
	return &Service{
		clock: clock,
		fired: make(chan struct{}, 1),
	}
}

// Now returns the clock's current time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// Arm schedules a single firing after d. Any previously armed timeout
// is replaced — rearming cancels the old one first, per spec.md §4.2.
func (s *Service) Arm(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	// Drain any stale pending firing so Fired() only ever reports the
	// most recently armed timeout.
	select {
	case <-s.fired:
	default:
	}

	var t clockwork.Timer
	t = s.clock.AfterFunc(d, func() {
		// A callback that was already running when a later Arm or Cancel
		// replaced its timer must not signal.
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.timer != t {
			return
		}
		select {
		case s.fired <- struct{}{}:
		default:
		}
	})
	s.timer = t
}

// Cancel disarms the pending timeout, if any.
func (s *Service) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	select {
	case <-s.fired:
	default:
	}
}

// Fired delivers a value each time the armed timeout elapses.
func (s *Service) Fired() <-chan struct{} {
	return s.fired
}
