// Package scheduler runs named one-shot callbacks on wall-clock time. The
// client uses it for request deadlines and reconnect backoff.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type task struct {
	id    uint64
	timer *time.Timer
}

// Scheduler owns a set of named delays. At most one delay per name is
// pending; registering a name again replaces the earlier one.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]task
	nextID  uint64
	stopped bool
	logger  *zap.Logger
}

// New creates a Scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]task),
		logger: logger,
	}
}

// AddDelay runs fn once after d. It is a no-op after Stop.
func (s *Scheduler) AddDelay(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.tasks[name]; ok {
		old.timer.Stop()
	}
	s.nextID++
	id := s.nextID
	s.tasks[name] = task{id: id, timer: time.AfterFunc(d, func() { s.fire(name, id, fn) })}
}

func (s *Scheduler) fire(name string, id uint64, fn func()) {
	s.mu.Lock()
	cur, ok := s.tasks[name]
	if !ok || cur.id != id {
		// Replaced or removed after the timer had already fired.
		s.mu.Unlock()
		return
	}
	delete(s.tasks, name)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.String("task", name), zap.Any("recover", r))
		}
	}()
	fn()
}

// Remove cancels the delay registered under name, if any.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		t.timer.Stop()
		delete(s.tasks, name)
	}
}

// Pending reports whether a delay named name is waiting to fire.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Len returns the number of pending delays.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending delay. Later registrations are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for name, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, name)
	}
	s.logger.Debug("scheduler stopped")
}
