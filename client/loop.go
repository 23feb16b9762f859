package client

import (
	"runtime/debug"
	"time"

	"github.com/kasuganosora/guidegame/client/protocol"
	"go.uber.org/zap"
)

const inboxSize = 256

// post queues fn for the event loop. It reports false once the loop has
// been told to quit.
func (c *Client) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// call runs fn on the event loop and waits for it.
func (c *Client) call(fn func()) error {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return protocol.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.done:
		return protocol.ErrClosed
	}
}

func (c *Client) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.inbox:
			c.run(fn)
		case <-c.quit:
			return
		}
	}
}

func (c *Client) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event loop panic",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// loopTimers delivers timer callbacks onto the event loop.
type loopTimers struct {
	inner Timers
	post  func(func()) bool
}

func (t loopTimers) AddDelay(name string, d time.Duration, fn func()) {
	t.inner.AddDelay(name, d, func() { t.post(fn) })
}

func (t loopTimers) Remove(name string) { t.inner.Remove(name) }
