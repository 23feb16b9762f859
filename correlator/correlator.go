// Package correlator turns an outbound event plus an expected inbound reply
// into a single-resolution, deadline-bounded request.
//
// A Correlator is not safe for concurrent use. The client confines it to
// its event loop: Request, Deliver, timer callbacks and Close all run there.
// Only Pending.Wait and Pending.Done may be used from other goroutines.
package correlator

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/kasuganosora/guidegame/client/protocol"
	"go.uber.org/zap"
)

// Timers schedules named one-shot callbacks. *scheduler.Scheduler satisfies
// it; the client wraps it so callbacks run on the event loop.
type Timers interface {
	AddDelay(name string, d time.Duration, fn func())
	Remove(name string)
}

// Predicate filters reply payloads. A nil Predicate matches everything.
type Predicate func(payload json.RawMessage) bool

// Rule describes which inbound events settle a request.
type Rule struct {
	Success      string
	SuccessMatch Predicate
	// Failure is optional; an empty name means no failure event.
	Failure      string
	FailureMatch Predicate
}

func (r Rule) matchSuccess(event string, payload json.RawMessage) bool {
	return event == r.Success && (r.SuccessMatch == nil || r.SuccessMatch(payload))
}

func (r Rule) matchFailure(event string, payload json.RawMessage) bool {
	return r.Failure != "" && event == r.Failure && (r.FailureMatch == nil || r.FailureMatch(payload))
}

// Outcome is the settled result of a request.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// Pending is the deferred result of Request.
type Pending struct {
	id      string
	name    string
	rule    Rule
	done    chan struct{}
	outcome Outcome
}

// Name returns the outbound event name the request was issued for.
func (p *Pending) Name() string { return p.name }

// Done is closed once the request settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request settles and returns its outcome.
func (p *Pending) Wait() (json.RawMessage, error) {
	<-p.done
	return p.outcome.Payload, p.outcome.Err
}

// Settled reports whether the request has settled, and its outcome if so.
func (p *Pending) Settled() (Outcome, bool) {
	select {
	case <-p.done:
		return p.outcome, true
	default:
		return Outcome{}, false
	}
}

// Correlator tracks pending requests in registration order.
type Correlator struct {
	timers  Timers
	online  func() bool
	pending []*Pending
	closed  bool
	logger  *zap.Logger
}

// New creates a Correlator. online reports whether the connection is live.
func New(timers Timers, online func() bool, logger *zap.Logger) *Correlator {
	return &Correlator{
		timers: timers,
		online: online,
		logger: logger,
	}
}

// Request emits an outbound event and waits for the reply described by rule.
// If the connection is down, or emit fails, the returned Pending is already
// settled and no timer is started.
func (c *Correlator) Request(name string, rule Rule, timeout time.Duration, emit func() error) *Pending {
	p := &Pending{
		id:   uuid.NewString(),
		name: name,
		rule: rule,
		done: make(chan struct{}),
	}
	if c.closed {
		p.settle(Outcome{Err: protocol.ErrClosed})
		return p
	}
	if c.online != nil && !c.online() {
		p.settle(Outcome{Err: errors.Wrapf(protocol.ErrNotConnected, "%s", name)})
		return p
	}

	c.pending = append(c.pending, p)
	if err := emit(); err != nil {
		c.remove(p)
		p.settle(Outcome{Err: errors.Wrapf(err, "emit %s", name)})
		return p
	}
	c.timers.AddDelay(c.timerName(p), timeout, func() { c.expire(p, timeout) })
	c.logger.Debug("request pending",
		zap.String("event", name),
		zap.String("request_id", p.id),
		zap.Duration("timeout", timeout))
	return p
}

// Deliver offers an inbound event to every pending request and returns how
// many it settled. A request that fails is rejected with a
// *protocol.ServerRejectedError carrying the server's message.
func (c *Correlator) Deliver(event string, payload json.RawMessage) int {
	settled := 0
	for _, p := range append([]*Pending(nil), c.pending...) {
		switch {
		case p.rule.matchSuccess(event, payload):
			c.finish(p, Outcome{Payload: payload})
		case p.rule.matchFailure(event, payload):
			c.finish(p, Outcome{
				Payload: payload,
				Err:     &protocol.ServerRejectedError{Event: p.name, Message: protocol.ErrorMessage(payload)},
			})
		default:
			continue
		}
		settled++
	}
	return settled
}

// Reject settles every pending request that event would have settled with
// err instead. It is used when the inbound event could not be applied.
func (c *Correlator) Reject(event string, payload json.RawMessage, err error) int {
	settled := 0
	for _, p := range append([]*Pending(nil), c.pending...) {
		if !p.rule.matchSuccess(event, payload) && !p.rule.matchFailure(event, payload) {
			continue
		}
		c.finish(p, Outcome{Payload: payload, Err: errors.Wrapf(err, "%s", p.name)})
		settled++
	}
	return settled
}

// Len returns the number of unsettled requests.
func (c *Correlator) Len() int { return len(c.pending) }

// Close rejects every pending request with protocol.ErrClosed. Requests
// made after Close settle immediately with the same error.
func (c *Correlator) Close() {
	c.closed = true
	for _, p := range append([]*Pending(nil), c.pending...) {
		c.finish(p, Outcome{Err: protocol.ErrClosed})
	}
}

func (c *Correlator) expire(p *Pending, timeout time.Duration) {
	if !c.remove(p) {
		return
	}
	c.logger.Debug("request timed out",
		zap.String("event", p.name),
		zap.String("request_id", p.id))
	p.settle(Outcome{Err: errors.Wrapf(protocol.ErrRequestTimeout, "%s after %s", p.name, timeout)})
}

func (c *Correlator) finish(p *Pending, o Outcome) {
	if !c.remove(p) {
		return
	}
	c.timers.Remove(c.timerName(p))
	p.settle(o)
}

func (c *Correlator) remove(p *Pending) bool {
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Correlator) timerName(p *Pending) string { return "request:" + p.id }

func (p *Pending) settle(o Outcome) {
	p.outcome = o
	close(p.done)
}
