package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

type subscriber struct {
	ch       chan *Message
	channels []string
	once     sync.Once
}

// Memory is the in-process backend.
type Memory struct {
	mu   sync.Mutex
	kv   map[string]entry
	subs map[string]map[*subscriber]struct{}
	buf  int

	stop      chan struct{}
	closeOnce sync.Once
	closed    bool
	now       func() time.Time
}

// NewMemory creates a Memory backend sweeping expired keys every gcInterval.
func NewMemory(gcInterval time.Duration, subscriberBuffer int) *Memory {
	m := &Memory{
		kv:   make(map[string]entry),
		subs: make(map[string]map[*subscriber]struct{}),
		buf:  subscriberBuffer,
		stop: make(chan struct{}),
		now:  time.Now,
	}
	go m.sweep(gcInterval)
	return m
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			for k, e := range m.kv {
				if e.expired(now) {
					delete(m.kv, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	if e.expired(m.now()) {
		delete(m.kv, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.kv[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.kv, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	return err == nil, nil
}

// Publish delivers message to every subscriber of channel. Subscribers whose
// queue is full miss the message; publishers never block.
func (m *Memory) Publish(_ context.Context, channel, message string) error {
	msg := &Message{Channel: channel, Payload: message}
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs[channel] {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	s := &subscriber{ch: make(chan *Message, m.buf), channels: channels}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}, nil
	}
	for _, c := range channels {
		set := m.subs[c]
		if set == nil {
			set = make(map[*subscriber]struct{})
			m.subs[c] = set
		}
		set[s] = struct{}{}
	}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unsubscribe(s)
	}
	stop := context.AfterFunc(ctx, cancel)
	return s.ch, func() { stop(); cancel() }, nil
}

// unsubscribe must be called with mu held.
func (m *Memory) unsubscribe(s *subscriber) {
	s.once.Do(func() {
		for _, c := range s.channels {
			delete(m.subs[c], s)
			if len(m.subs[c]) == 0 {
				delete(m.subs, c)
			}
		}
		close(s.ch)
	})
}

// Close stops the sweeper and ends every subscription.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		for _, set := range m.subs {
			for s := range set {
				m.unsubscribe(s)
			}
		}
	})
	return nil
}
