// Package scheduler runs keyed, cancellable, time-driven background tasks:
// credential reactivations, periodic rescans and daily counter resets.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler holds at most one pending task per key. Scheduling a key that
// already has a pending task replaces it.
type Scheduler struct {
	clock   Clock
	mu      sync.Mutex
	tasks   map[string]*task
	gen     uint64
	stopped bool
}

type task struct {
	gen   uint64
	due   time.Time
	timer Timer
}

// New creates a Scheduler on the given clock. A nil clock means RealClock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{
		clock: clock,
		tasks: make(map[string]*task),
	}
}

// Clock returns the clock tasks are scheduled on.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Schedule runs fn once after delay under key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(key, delay, fn)
}

// ScheduleNoEarlier is Schedule, except that a pending task under key that
// is due later than delay is kept. It reports whether fn was scheduled.
func (s *Scheduler) ScheduleNoEarlier(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[key]; ok && existing.due.After(s.clock.Now().Add(delay)) {
		return false
	}
	return s.scheduleLocked(key, delay, fn)
}

// Due returns when the pending task under key fires.
func (s *Scheduler) Due(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

func (s *Scheduler) scheduleLocked(key string, delay time.Duration, fn func()) bool {
	if s.stopped {
		return false
	}
	if existing, ok := s.tasks[key]; ok {
		existing.timer.Stop()
	}

	s.gen++
	gen := s.gen
	t := &task{gen: gen, due: s.clock.Now().Add(delay)}
	t.timer = s.clock.AfterFunc(delay, func() {
		if !s.release(key, gen) {
			return
		}
		s.run(key, fn)
	})
	s.tasks[key] = t
	return true
}

// Every runs fn every interval under key until cancelled or stopped.
func (s *Scheduler) Every(key string, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	var tick func()
	tick = func() {
		fn()
		s.Schedule(key, interval, tick)
	}
	s.Schedule(key, interval, tick)
}

// Cancel stops the pending task under key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether a task is scheduled under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Keys returns the keys of all pending tasks, sorted.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop cancels every pending task. Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
	s.stopped = true
}

// release removes key if gen is still the current task for it.
func (s *Scheduler) release(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok || t.gen != gen || s.stopped {
		return false
	}
	delete(s.tasks, key)
	return true
}

func (s *Scheduler) run(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", key).Interface("panic", r).Msg("Scheduled task panicked")
		}
	}()
	fn()
}
