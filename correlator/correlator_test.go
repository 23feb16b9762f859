package correlator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/kasuganosora/guidegame/client/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCorrelator(online bool) (*Correlator, *testutil.ManualTimers) {
	timers := testutil.NewManualTimers()
	return New(timers, func() bool { return online }, zap.NewNop()), timers
}

func teamIs(team string) Predicate {
	return func(payload json.RawMessage) bool {
		var v struct {
			TeamID protocol.ID `json:"team_id"`
		}
		return json.Unmarshal(payload, &v) == nil && string(v.TeamID) == team
	}
}

func joinRule(team string) Rule {
	return Rule{
		Success:      protocol.EventRoomJoined,
		SuccessMatch: teamIs(team),
		Failure:      protocol.EventError,
		FailureMatch: teamIs(team),
	}
}

func TestRequest_ResolvesOnFirstMatch(t *testing.T) {
	c, timers := newCorrelator(true)
	emitted := 0
	p := c.Request(protocol.EventJoinRoom, joinRule("T1"), 5*time.Second, func() error {
		emitted++
		return nil
	})
	assert.Equal(t, 1, emitted)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, timers.Len())

	// Other team does not match.
	assert.Equal(t, 0, c.Deliver(protocol.EventRoomJoined, json.RawMessage(`{"team_id":"T2"}`)))
	_, settled := p.Settled()
	assert.False(t, settled)

	assert.Equal(t, 1, c.Deliver(protocol.EventRoomJoined, json.RawMessage(`{"team_id":"T1","members_count":3}`)))
	payload, err := p.Wait()
	require.NoError(t, err)
	assert.JSONEq(t, `{"team_id":"T1","members_count":3}`, string(payload))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, timers.Len(), "timer removed on settle")

	// Late duplicates are dropped.
	assert.Equal(t, 0, c.Deliver(protocol.EventRoomJoined, json.RawMessage(`{"team_id":"T1"}`)))
	timers.Advance(10 * time.Second)
	_, err = p.Wait()
	assert.NoError(t, err)
}

func TestRequest_RejectsOnFailureEvent(t *testing.T) {
	c, _ := newCorrelator(true)
	p := c.Request(protocol.EventStart, Rule{Success: protocol.EventGameStarted, Failure: protocol.EventError}, 8*time.Second, func() error { return nil })

	assert.Equal(t, 1, c.Deliver(protocol.EventError, json.RawMessage(`{"message":"game not ready"}`)))
	_, err := p.Wait()
	var sre *protocol.ServerRejectedError
	require.True(t, errors.As(err, &sre))
	assert.Equal(t, protocol.EventStart, sre.Event)
	assert.Equal(t, "game not ready", sre.Message)

	// Success after rejection is ignored.
	assert.Equal(t, 0, c.Deliver(protocol.EventGameStarted, json.RawMessage(`{}`)))
}

func TestRequest_FailurePredicateFilters(t *testing.T) {
	c, _ := newCorrelator(true)
	p := c.Request(protocol.EventJoinRoom, joinRule("T1"), 5*time.Second, func() error { return nil })

	assert.Equal(t, 0, c.Deliver(protocol.EventError, json.RawMessage(`{"message":"unrelated"}`)))
	_, settled := p.Settled()
	assert.False(t, settled)
}

func TestRequest_TimesOutExactlyOnce(t *testing.T) {
	c, timers := newCorrelator(true)
	p := c.Request(protocol.EventJoinRoom, joinRule("T1"), 5*time.Second, func() error { return nil })

	timers.Advance(4999 * time.Millisecond)
	_, settled := p.Settled()
	assert.False(t, settled, "must not settle before the deadline")

	timers.Advance(time.Millisecond)
	_, err := p.Wait()
	assert.True(t, errors.Is(err, protocol.ErrRequestTimeout))
	assert.Equal(t, 0, c.Len())

	// A reply after the deadline changes nothing.
	assert.Equal(t, 0, c.Deliver(protocol.EventRoomJoined, json.RawMessage(`{"team_id":"T1"}`)))
	_, err = p.Wait()
	assert.True(t, errors.Is(err, protocol.ErrRequestTimeout))
}

func TestRequest_NotConnected(t *testing.T) {
	c, timers := newCorrelator(false)
	emitted := false
	p := c.Request(protocol.EventJoinRoom, joinRule("T1"), 5*time.Second, func() error {
		emitted = true
		return nil
	})
	_, err := p.Wait()
	assert.True(t, errors.Is(err, protocol.ErrNotConnected))
	assert.False(t, emitted)
	assert.Equal(t, 0, timers.Len())
	assert.Equal(t, 0, c.Len())
}

func TestRequest_EmitFailureSettles(t *testing.T) {
	c, timers := newCorrelator(true)
	p := c.Request(protocol.EventStart, Rule{Success: protocol.EventGameStarted}, time.Second, func() error {
		return protocol.ErrNotConnected
	})
	_, err := p.Wait()
	assert.True(t, errors.Is(err, protocol.ErrNotConnected))
	assert.Equal(t, 0, timers.Len())
	assert.Equal(t, 0, c.Len())
}

func TestDeliver_SettlesInRegistrationOrder(t *testing.T) {
	c, _ := newCorrelator(true)
	first := c.Request(protocol.EventJoinRoom, joinRule("T1"), 5*time.Second, func() error { return nil })
	second := c.Request(protocol.EventJoinRoom, joinRule("T1"), 5*time.Second, func() error { return nil })
	other := c.Request(protocol.EventJoinRoom, joinRule("T9"), 5*time.Second, func() error { return nil })

	assert.Equal(t, 2, c.Deliver(protocol.EventRoomJoined, json.RawMessage(`{"team_id":"T1"}`)))
	_, ok1 := first.Settled()
	_, ok2 := second.Settled()
	_, ok3 := other.Settled()
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
	assert.Equal(t, 1, c.Len())
}

func TestClose_RejectsPending(t *testing.T) {
	c, timers := newCorrelator(true)
	p := c.Request(protocol.EventStart, Rule{Success: protocol.EventGameStarted}, time.Second, func() error { return nil })
	c.Close()

	_, err := p.Wait()
	assert.True(t, errors.Is(err, protocol.ErrClosed))
	assert.Equal(t, 0, timers.Len())

	late := c.Request(protocol.EventStart, Rule{Success: protocol.EventGameStarted}, time.Second, func() error { return nil })
	_, err = late.Wait()
	assert.True(t, errors.Is(err, protocol.ErrClosed))
}

func TestReject_SettlesMatchingWithError(t *testing.T) {
	c, timers := newCorrelator(true)
	p1 := c.Request(protocol.EventJoinRoom, joinRule("T1"), 5*time.Second, func() error { return nil })
	p2 := c.Request(protocol.EventJoinRoom, joinRule("T2"), 5*time.Second, func() error { return nil })

	bad := json.RawMessage(`{"team_id":"T1","members_count":-1}`)
	assert.Equal(t, 1, c.Reject(protocol.EventRoomJoined, bad, protocol.Anomaly("negative member count")))

	_, err := p1.Wait()
	assert.True(t, protocol.IsAnomaly(err))
	_, settled := p2.Settled()
	assert.False(t, settled)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, timers.Len())
}
