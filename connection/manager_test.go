package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/kasuganosora/guidegame/client/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu     sync.Mutex
	in     chan *protocol.Packet
	sent   []*protocol.Packet
	once   sync.Once
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{in: make(chan *protocol.Packet, 16)} }

func (c *fakeConn) Send(pkt *protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrNotConnected
	}
	c.sent = append(c.sent, pkt)
	return nil
}

func (c *fakeConn) Inbound() <-chan *protocol.Packet { return c.in }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.in)
	})
	return nil
}

func (c *fakeConn) Sent() []*protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Packet(nil), c.sent...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	creds []string
	fail  error
}

func (d *fakeDialer) Dial(_ context.Context, credential string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, credential)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	timers *testutil.ManualTimers
	events chan Event
}

func newHarness(attempts int) *harness {
	h := &harness{
		dialer: &fakeDialer{},
		timers: testutil.NewManualTimers(),
		events: make(chan Event, 64),
	}
	h.m = NewManager(h.dialer, h.timers, Config{
		ReconnectAttempts: attempts,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 4 * time.Second,
	}, func(e Event) { h.events <- e }, zap.NewNop())
	return h
}

func (h *harness) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestConnect_RequiresCredential(t *testing.T) {
	h := newHarness(3)
	err := h.m.Connect(context.Background(), "")
	assert.True(t, errors.Is(err, protocol.ErrNoCredential))
	assert.Equal(t, 0, h.dialer.dials())
}

func TestConnect_ForwardsWithGeneration(t *testing.T) {
	h := newHarness(3)
	require.NoError(t, h.m.Connect(context.Background(), "tok"))
	assert.True(t, h.m.Connected())
	assert.Equal(t, Connected, h.m.State())

	e := h.next(t)
	assert.True(t, e.Synthetic)
	assert.Equal(t, protocol.EventConnect, e.Packet.Type)
	gen := e.Gen

	h.dialer.last().in <- &protocol.Packet{Seq: 1, Type: protocol.EventRoomJoined}
	e = h.next(t)
	assert.False(t, e.Synthetic)
	assert.Equal(t, gen, e.Gen)
	assert.Equal(t, protocol.EventRoomJoined, e.Packet.Type)

	// Already connected: no second transport.
	require.NoError(t, h.m.Connect(context.Background(), "tok"))
	assert.Equal(t, 1, h.dialer.dials())
}

func TestEmit(t *testing.T) {
	h := newHarness(3)
	err := h.m.Emit(protocol.EventJoinRoom, protocol.JoinRoomReq{TeamID: "T1"})
	assert.True(t, errors.Is(err, protocol.ErrNotConnected))

	require.NoError(t, h.m.Connect(context.Background(), "tok"))
	require.NoError(t, h.m.Emit(protocol.EventJoinRoom, protocol.JoinRoomReq{TeamID: "T1"}))
	sent := h.dialer.last().Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventJoinRoom, sent[0].Type)
	assert.JSONEq(t, `{"team_id":"T1","user_id":"","username":""}`, string(sent[0].Payload))
}

func TestDrop_ReconnectsWithNewGeneration(t *testing.T) {
	h := newHarness(3)
	require.NoError(t, h.m.Connect(context.Background(), "tok"))
	first := h.next(t)

	require.NoError(t, h.dialer.last().Close())
	e := h.next(t)
	assert.Equal(t, protocol.EventDisconnect, e.Packet.Type)
	assert.Equal(t, first.Gen, e.Gen)
	assert.False(t, h.m.Connected())
	require.Eventually(t, func() bool { return h.timers.Len() == 1 }, time.Second, 5*time.Millisecond)

	h.timers.Advance(time.Second)
	e = h.next(t)
	assert.Equal(t, protocol.EventConnect, e.Packet.Type)
	assert.Greater(t, e.Gen, first.Gen)
	assert.True(t, h.m.Connected())
	assert.Equal(t, []string{"tok", "tok"}, h.dialer.creds)
}

func TestReconnect_BoundedByAttempts(t *testing.T) {
	h := newHarness(2)
	require.NoError(t, h.m.Connect(context.Background(), "tok"))
	h.next(t)

	h.dialer.setFail(errors.New("connection refused"))
	require.NoError(t, h.dialer.last().Close())
	assert.Equal(t, protocol.EventDisconnect, h.next(t).Packet.Type)
	require.Eventually(t, func() bool { return h.timers.Len() == 1 }, time.Second, 5*time.Millisecond)

	h.timers.Advance(time.Second) // attempt 1 fails, attempt 2 scheduled at +2s
	assert.Equal(t, 1, h.timers.Len())
	h.timers.Advance(2 * time.Second) // attempt 2 fails, budget exhausted

	e := h.next(t)
	assert.Equal(t, protocol.EventReconnectFailed, e.Packet.Type)
	assert.Equal(t, 0, h.timers.Len())
	assert.Equal(t, 3, h.dialer.dials())
}

func TestDisconnect_StopsReconnectAndDropsLateInbound(t *testing.T) {
	h := newHarness(3)
	require.NoError(t, h.m.Connect(context.Background(), "tok"))
	h.next(t)
	conn := h.dialer.last()

	h.m.Disconnect()
	e := h.next(t)
	assert.Equal(t, protocol.EventDisconnect, e.Packet.Type)
	assert.False(t, h.m.Connected())
	assert.Equal(t, 0, h.timers.Len())

	err := h.m.Emit(protocol.EventStart, nil)
	assert.True(t, errors.Is(err, protocol.ErrNotConnected))
	_ = conn.Send(&protocol.Packet{Type: "x"})

	select {
	case e := <-h.events:
		t.Fatalf("unexpected event after disconnect: %s", e.Packet.Type)
	case <-time.After(50 * time.Millisecond):
	}

	// Disconnecting twice is harmless.
	h.m.Disconnect()
}

func TestBackoff(t *testing.T) {
	h := newHarness(10)
	assert.Equal(t, time.Second, h.m.backoff(1))
	assert.Equal(t, 2*time.Second, h.m.backoff(2))
	assert.Equal(t, 4*time.Second, h.m.backoff(3))
	assert.Equal(t, 4*time.Second, h.m.backoff(6))
}
