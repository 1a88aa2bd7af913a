package realtime

import (
	"sync"
	"time"
)

// Scheduler owns at most one pending retry timer. Scheduling replaces any
// earlier timer; a replaced or cancelled timer never fires its function.
type Scheduler struct {
	clock Clock

	mu    sync.Mutex
	timer Timer
	seq   uint64
	due   time.Duration
}

// NewScheduler creates a scheduler on clock
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{clock: clock}
}

// Schedule runs fn after d, cancelling whatever was pending
func (s *Scheduler) Schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.seq++
	seq := s.seq
	s.due = d
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.seq != seq {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending timer, if any
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.stopLocked()
	s.seq++
	s.mu.Unlock()
}

// Pending returns the delay of the pending timer
func (s *Scheduler) Pending() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return 0, false
	}
	return s.due, true
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.due = 0
}
