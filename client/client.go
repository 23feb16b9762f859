// Package client is the top-level owner of the session sync layer. It
// builds every component and runs the single event loop on which inbound
// packets, connection events, timer callbacks and outward actions execute
// one at a time.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/cache"
	"github.com/kasuganosora/guidegame/client/config"
	"github.com/kasuganosora/guidegame/client/connection"
	"github.com/kasuganosora/guidegame/client/correlator"
	"github.com/kasuganosora/guidegame/client/credential"
	"github.com/kasuganosora/guidegame/client/dispatch"
	"github.com/kasuganosora/guidegame/client/hook"
	"github.com/kasuganosora/guidegame/client/journal"
	"github.com/kasuganosora/guidegame/client/model"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/kasuganosora/guidegame/client/scheduler"
	"github.com/kasuganosora/guidegame/client/sink"
	"github.com/kasuganosora/guidegame/client/store"
	"github.com/kasuganosora/guidegame/client/transport"
	"go.uber.org/zap"
)

// Timers schedules named one-shot callbacks. *scheduler.Scheduler
// satisfies it.
type Timers interface {
	AddDelay(name string, d time.Duration, fn func())
	Remove(name string)
}

// User identifies the player in join requests.
type User struct {
	ID   string
	Name string
}

// Options supplies collaborators. Every field is optional.
type Options struct {
	Dialer      connection.Dialer
	Timers      Timers
	Sink        sink.Sink
	Hooks       *hook.HookCenter
	Credentials credential.Provider
	// Cache persists the session between runs when set.
	Cache   cache.Cache
	Journal *journal.Journal
	Logger  *zap.Logger
}

// Client owns the connection, store, correlator and dispatch table.
type Client struct {
	cfg    config.ClientConfig
	logger *zap.Logger

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	sched   *scheduler.Scheduler // owned, nil when Options.Timers was given
	conn    *connection.Manager
	router  *dispatch.Router
	table   *dispatch.Table
	store   *store.Store
	corr    *correlator.Correlator
	sink    sink.Sink
	hooks   *hook.HookCenter
	creds   credential.Provider
	cache   cache.Cache
	journal *journal.Journal

	persistCh chan store.Persisted
	persistWG sync.WaitGroup

	// Loop-confined.
	user   User
	curGen uint64
	saved  store.Persisted
}

// New builds a Client and starts its event loop. A session persisted by an
// earlier run for the same user is restored.
func New(cfg config.ClientConfig, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 8 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		inbox:     make(chan func(), inboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		sink:      opts.Sink,
		hooks:     opts.Hooks,
		creds:     opts.Credentials,
		cache:     opts.Cache,
		journal:   opts.Journal,
		persistCh: make(chan store.Persisted, 1),
		user:      User{ID: cfg.UserID, Name: cfg.Username},
	}
	if c.sink == nil {
		c.sink = sink.NewLogSink(logger)
	}
	if c.hooks == nil {
		c.hooks = hook.NewHookCenter()
	}
	if c.creds == nil {
		switch {
		case cfg.Token != "":
			c.creds = credential.Static(cfg.Token)
		case c.cache != nil:
			c.creds = credential.NewCacheProvider(c.cache)
		default:
			c.creds = credential.Static("")
		}
	}

	timers := opts.Timers
	if timers == nil {
		c.sched = scheduler.New(logger.Named("scheduler"))
		timers = c.sched
	}
	dialer := opts.Dialer
	if dialer == nil {
		if cfg.ServerURL == "" {
			return nil, errors.New("client: server url is required")
		}
		dialer = transport.NewDialer(transport.Config{
			ServerURL:     cfg.ServerURL,
			Path:          cfg.Path,
			PingInterval:  cfg.PingInterval,
			OutboundRPS:   cfg.OutboundRPS,
			OutboundBurst: cfg.OutboundBurst,
		}, logger.Named("transport"))
	}

	c.store = store.New(logger.Named("store"))
	c.conn = connection.NewManager(dialer, timers, connection.Config{
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectDelayMax: cfg.ReconnectDelayMax,
	}, c.deliver, logger)
	c.corr = correlator.New(loopTimers{inner: timers, post: c.post}, c.conn.Connected, logger.Named("correlator"))
	c.router = dispatch.NewRouter(logger.Named("dispatch"))
	c.table = dispatch.NewTable(c.router, dispatch.Deps{
		Store:      c.store,
		Correlator: c.corr,
		Sink:       c.sink,
		Hooks:      c.hooks,
		OnConnect:  c.rejoin,
		Logger:     logger.Named("dispatch"),
	})
	if c.journal != nil {
		c.router.Observe(c.journalInbound)
		c.conn.OnSent(c.journalOutbound)
	}

	c.restore()
	c.persistWG.Add(1)
	go c.persister()
	go c.loop()
	return c, nil
}

// Connect opens the connection with the credential from the provider.
func (c *Client) Connect(ctx context.Context) error {
	return c.ConnectWith(ctx, c.creds)
}

// ConnectWith opens the connection with a credential from p.
func (c *Client) ConnectWith(ctx context.Context, p credential.Provider) error {
	tok, err := p.Token(ctx)
	if err != nil {
		return err
	}
	if tok == "" {
		return protocol.ErrNoCredential
	}
	return c.conn.Connect(ctx, tok)
}

// Disconnect closes the connection and stops reconnecting. Session state
// is kept.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Close disconnects, rejects pending requests with protocol.ErrClosed and
// stops the event loop. The session is flushed to the cache first.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.conn.Disconnect()
		_ = c.call(func() {
			c.corr.Close()
			c.persist()
		})
		close(c.quit)
		<-c.done
		close(c.persistCh)
		c.persistWG.Wait()
		if c.sched != nil {
			c.sched.Stop()
		}
	})
	return nil
}

// Connected reports whether the connection is live as seen by the event
// loop.
func (c *Client) Connected() bool {
	var ok bool
	if err := c.call(func() { ok = c.table.Connected() }); err != nil {
		return false
	}
	return ok
}

// Hooks returns the hook center events are published on.
func (c *Client) Hooks() *hook.HookCenter { return c.hooks }

// SetUser changes the identity used by join requests.
func (c *Client) SetUser(u User) error {
	return c.call(func() { c.user = u })
}

// StreamStatus describes one dialogue stream.
type StreamStatus struct {
	Responding bool   `json:"responding"`
	SessionID  string `json:"session_id,omitempty"`
	Text       string `json:"text,omitempty"`
}

// Status is a point-in-time view of the client.
type Status struct {
	Connected  bool           `json:"connected"`
	State      string         `json:"state"`
	Generation uint64         `json:"generation"`
	Pending    int            `json:"pending_requests"`
	Assistant  StreamStatus   `json:"assistant"`
	NPC        StreamStatus   `json:"npc"`
	Snapshot   store.Snapshot `json:"snapshot"`
}

// Status returns the current status.
func (c *Client) Status() (Status, error) {
	var st Status
	err := c.call(func() {
		st = Status{
			Connected:  c.table.Connected(),
			State:      c.conn.State().String(),
			Generation: c.curGen,
			Pending:    c.corr.Len(),
			Snapshot:   c.store.Snapshot(),
		}
		a, n := c.table.Assistant(), c.table.NPC()
		st.Assistant = StreamStatus{Responding: a.Responding(), SessionID: a.SessionID(), Text: a.Text()}
		st.NPC = StreamStatus{Responding: n.Responding(), SessionID: n.SessionID(), Text: n.Text()}
	})
	return st, err
}

// Snapshot returns a deep copy of the session store.
func (c *Client) Snapshot() store.Snapshot {
	var snap store.Snapshot
	_ = c.call(func() { snap = c.store.Snapshot() })
	return snap
}

// ---- inbound ----

// deliver is called by the connection manager's forwarding goroutines.
func (c *Client) deliver(ev connection.Event) {
	c.post(func() { c.handleEvent(ev) })
}

func (c *Client) handleEvent(ev connection.Event) {
	pkt := ev.Packet
	switch {
	case ev.Synthetic && pkt.Type == protocol.EventConnect:
		if ev.Gen != c.conn.Generation() {
			// Disconnect ran before this connect reached the loop.
			c.logger.Debug("stale connect ignored", zap.Uint64("gen", ev.Gen))
			return
		}
		c.curGen = ev.Gen
	case ev.Synthetic && pkt.Type == protocol.EventDisconnect:
		if ev.Gen != c.curGen {
			c.logger.Debug("stale disconnect ignored", zap.Uint64("gen", ev.Gen), zap.Uint64("current", c.curGen))
			return
		}
		c.curGen = 0
	case !ev.Synthetic && ev.Gen != c.curGen:
		c.logger.Debug("packet from stale transport dropped",
			zap.String("type", pkt.Type),
			zap.Uint64("gen", ev.Gen),
			zap.Uint64("current", c.curGen))
		if c.journal != nil {
			c.journal.Record(journal.Entry{Direction: model.DirectionIn, Gen: ev.Gen, Packet: pkt, Dropped: "stale"})
		}
		return
	}
	c.router.Dispatch(pkt)
	c.persist()
}

func (c *Client) journalInbound(ctx context.Context, pkt *protocol.Packet, dropped string) {
	if protocol.Synthetic(pkt.Type) {
		return
	}
	c.journal.Record(journal.Entry{
		Direction: model.DirectionIn,
		Gen:       c.curGen,
		TraceID:   dispatch.TraceIDFromCtx(ctx),
		Packet:    pkt,
		Dropped:   dropped,
	})
}

func (c *Client) journalOutbound(gen uint64, pkt *protocol.Packet) {
	c.journal.Record(journal.Entry{Direction: model.DirectionOut, Gen: gen, Packet: pkt})
}
