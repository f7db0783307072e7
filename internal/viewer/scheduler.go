package viewer

import (
	"sync"
	"time"
)

// Scheduler coalesces recomputation requests into at most one pending pass.
//
// Schedule arms a frame pass, cancelling and re-arming any frame pass that has
// not fired yet. ScheduleSettled arms a longer pass used after layout
// transitions; when it fires it absorbs any pending frame pass. Both paths end
// in the same fn.
type Scheduler struct {
	clock  Clock
	frame  time.Duration
	settle time.Duration
	fn     func()

	mu          sync.Mutex
	frameTimer  Timer
	frameGen    uint64
	settleTimer Timer
	settleGen   uint64
	stopped     bool
}

func NewScheduler(clock Clock, frame, settle time.Duration, fn func()) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{clock: clock, frame: frame, settle: settle, fn: fn}
}

func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.frameTimer != nil {
		s.frameTimer.Stop()
	}
	s.frameGen++
	gen := s.frameGen
	s.frameTimer = s.clock.AfterFunc(s.frame, func() { s.fireFrame(gen) })
}

func (s *Scheduler) ScheduleSettled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.settleGen++
	gen := s.settleGen
	s.settleTimer = s.clock.AfterFunc(s.settle, func() { s.fireSettle(gen) })
}

func (s *Scheduler) fireFrame(gen uint64) {
	s.mu.Lock()
	if gen != s.frameGen || s.frameTimer == nil {
		s.mu.Unlock()
		return
	}
	s.frameTimer = nil
	s.mu.Unlock()
	s.fn()
}

func (s *Scheduler) fireSettle(gen uint64) {
	s.mu.Lock()
	if gen != s.settleGen || s.settleTimer == nil {
		s.mu.Unlock()
		return
	}
	s.settleTimer = nil
	s.cancelFrameLocked()
	s.mu.Unlock()
	s.fn()
}

func (s *Scheduler) cancelFrameLocked() {
	if s.frameTimer != nil {
		s.frameTimer.Stop()
		s.frameTimer = nil
	}
	s.frameGen++
}

func (s *Scheduler) cancelLocked() bool {
	pending := s.frameTimer != nil || s.settleTimer != nil
	s.cancelFrameLocked()
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.settleGen++
	return pending
}

// Cancel drops every pending pass without running fn.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Flush runs fn once, right now, if any pass is pending. It reports whether
// fn ran.
func (s *Scheduler) Flush() bool {
	s.mu.Lock()
	pending := s.cancelLocked()
	s.mu.Unlock()
	if pending {
		s.fn()
	}
	return pending
}

func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameTimer != nil || s.settleTimer != nil
}

// Stop cancels pending passes and refuses new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}
