package testutil

import (
	"sort"
	"sync"
	"time"
)

// ManualTimers is a deterministic stand-in for the scheduler. Callbacks fire
// only when the test advances the clock.
type ManualTimers struct {
	mu     sync.Mutex
	now    time.Duration
	timers map[string]*manualTimer
	seq    int
}

type manualTimer struct {
	at  time.Duration
	seq int
	fn  func()
}

// NewManualTimers creates a ManualTimers at time zero.
func NewManualTimers() *ManualTimers {
	return &ManualTimers{timers: make(map[string]*manualTimer)}
}

func (m *ManualTimers) AddDelay(name string, d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.timers[name] = &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
}

func (m *ManualTimers) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, name)
}

// Len returns the number of timers waiting to fire.
func (m *ManualTimers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward and fires every timer that became due,
// earliest first. Callbacks run on the caller's goroutine.
func (m *ManualTimers) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	now := m.now
	type due struct {
		name string
		t    *manualTimer
	}
	var fire []due
	for name, t := range m.timers {
		if t.at <= now {
			fire = append(fire, due{name, t})
		}
	}
	sort.Slice(fire, func(i, j int) bool {
		if fire[i].t.at != fire[j].t.at {
			return fire[i].t.at < fire[j].t.at
		}
		return fire[i].t.seq < fire[j].t.seq
	})
	for _, f := range fire {
		delete(m.timers, f.name)
	}
	m.mu.Unlock()

	for _, f := range fire {
		f.t.fn()
	}
}
