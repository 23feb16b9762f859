// Package connection owns the single transport connection to the game
// server: connecting with a bearer credential, bounded automatic
// reconnection, and tagging every inbound packet with the generation of the
// transport that produced it.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/protocol"
	"go.uber.org/zap"
)

// State is the connectivity state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is one live transport. Inbound is closed when the transport dies.
type Conn interface {
	Send(pkt *protocol.Packet) error
	Inbound() <-chan *protocol.Packet
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// Timers schedules named one-shot callbacks.
type Timers interface {
	AddDelay(name string, d time.Duration, fn func())
	Remove(name string)
}

// Event is an inbound packet, or a synthetic connect/disconnect/
// reconnect_failed event, tagged with its transport generation.
type Event struct {
	Gen       uint64
	Packet    *protocol.Packet
	Synthetic bool
}

// Config controls reconnection.
type Config struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	DialTimeout       time.Duration
}

const reconnectTimer = "connection:reconnect"

// Manager holds zero or one live transport.
type Manager struct {
	dialer  Dialer
	timers  Timers
	cfg     Config
	deliver func(Event)
	sent    func(gen uint64, pkt *protocol.Packet)
	logger  *zap.Logger

	mu         sync.Mutex
	state      State
	gen        uint64
	conn       Conn
	credential string
	attempts   int
	manual     bool
}

// NewManager creates a disconnected Manager. deliver receives every event in
// order; it is called from the forwarding goroutine of each transport.
func NewManager(dialer Dialer, timers Timers, cfg Config, deliver func(Event), logger *zap.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelay {
		cfg.ReconnectDelayMax = cfg.ReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Manager{
		dialer:  dialer,
		timers:  timers,
		cfg:     cfg,
		deliver: deliver,
		logger:  logger.Named("connection"),
	}
}

// Connect dials a new transport. It is a no-op while connected or
// connecting. An empty credential fails with protocol.ErrNoCredential.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return protocol.ErrNoCredential
	}
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.credential = credential
	m.manual = false
	m.attempts = 0
	m.timers.Remove(reconnectTimer)
	m.mu.Unlock()

	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected || m.manual {
		m.mu.Unlock()
		return nil
	}
	m.state = Connecting
	m.gen++
	gen := m.gen
	cred := m.credential
	m.mu.Unlock()

	m.logger.Debug("dialing", zap.Uint64("gen", gen))
	conn, err := m.dialer.Dial(ctx, cred)

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect raced the dial.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return errors.Wrap(protocol.ErrNotConnected, "connect cancelled")
	}
	if err != nil {
		m.state = Disconnected
		m.mu.Unlock()
		return errors.Wrap(err, "dial")
	}
	m.conn = conn
	m.state = Connected
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("connected", zap.Uint64("gen", gen))
	go m.forward(gen, conn)
	return nil
}

// forward delivers the synthetic connect event, then every inbound packet
// of conn, until the transport dies.
func (m *Manager) forward(gen uint64, conn Conn) {
	m.deliver(Event{Gen: gen, Packet: &protocol.Packet{Type: protocol.EventConnect}, Synthetic: true})
	for pkt := range conn.Inbound() {
		m.deliver(Event{Gen: gen, Packet: pkt})
	}
	m.dropped(gen)
}

func (m *Manager) dropped(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.state = Disconnected
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Warn("connection lost", zap.Uint64("gen", gen))
	m.deliver(Event{Gen: gen, Packet: &protocol.Packet{Type: protocol.EventDisconnect}, Synthetic: true})
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manual || m.credential == "" || m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if attempt > m.cfg.ReconnectAttempts {
		gen := m.gen
		m.mu.Unlock()
		m.logger.Error("reconnect budget exhausted", zap.Int("attempts", m.cfg.ReconnectAttempts))
		m.deliver(Event{Gen: gen, Packet: &protocol.Packet{Type: protocol.EventReconnectFailed}, Synthetic: true})
		return
	}
	delay := m.backoff(attempt)
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.timers.AddDelay(reconnectTimer, delay, m.reconnect)
}

func (m *Manager) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	if err := m.dial(ctx); err != nil {
		m.logger.Warn("reconnect failed", zap.Error(err))
		m.scheduleReconnect()
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.ReconnectDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.ReconnectDelayMax {
			return m.cfg.ReconnectDelayMax
		}
	}
	return d
}

// Disconnect closes the transport and stops reconnection. Store state is
// not touched.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.timers.Remove(reconnectTimer)
	conn := m.conn
	gen := m.gen
	wasConnected := m.state == Connected
	m.conn = nil
	m.state = Disconnected
	m.gen++
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		m.logger.Info("disconnected", zap.Uint64("gen", gen))
		m.deliver(Event{Gen: gen, Packet: &protocol.Packet{Type: protocol.EventDisconnect}, Synthetic: true})
	}
}

// OnSent registers fn to observe every packet successfully handed to a
// transport. It must be called before Connect.
func (m *Manager) OnSent(fn func(gen uint64, pkt *protocol.Packet)) {
	m.sent = fn
}

// Emit sends an outbound event on the live transport.
func (m *Manager) Emit(event string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	gen := m.gen
	connected := m.state == Connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return errors.Wrapf(protocol.ErrNotConnected, "emit %s", event)
	}
	pkt, err := protocol.NewPacket(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(pkt); err != nil {
		return err
	}
	if m.sent != nil {
		m.sent(gen, pkt)
	}
	return nil
}

// Connected reports whether a transport is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected
}

// State returns the connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the generation of the most recent transport.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}
