// Package transport is the gorilla/websocket implementation of
// connection.Dialer: JSON text frames carrying protocol.Packet envelopes,
// with a ping keepalive and a rate-limited write pump.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/guidegame/client/connection"
	"github.com/kasuganosora/guidegame/client/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sendChanBuf    = 256
	inboundChanBuf = 256
)

// Config holds transport settings.
type Config struct {
	ServerURL        string // ws:// or wss:// base URL
	Path             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	OutboundRPS      float64
	OutboundBurst    int
}

func (c *Config) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.OutboundBurst <= 0 {
		c.OutboundBurst = 20
	}
}

// Dialer opens websocket transports.
type Dialer struct {
	cfg    Config
	ws     *websocket.Dialer
	logger *zap.Logger
}

// NewDialer creates a Dialer.
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	cfg.defaults()
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.Named("transport"),
	}
}

// Endpoint returns the websocket URL for credential.
func (d *Dialer) Endpoint(credential string) (string, error) {
	u, err := url.Parse(d.cfg.ServerURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse server url %q", d.cfg.ServerURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = d.cfg.Path
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects and starts the read and write pumps.
func (d *Dialer) Dial(ctx context.Context, credential string) (connection.Conn, error) {
	endpoint, err := d.Endpoint(credential)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	ws, resp, err := d.ws.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket handshake (status %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "websocket dial")
	}
	return newConn(ws, d.cfg, d.logger), nil
}

// Conn is one websocket transport.
type Conn struct {
	ws      *websocket.Conn
	cfg     Config
	send    chan []byte
	inbound chan *protocol.Packet
	done    chan struct{}
	once    sync.Once
	seq     atomic.Uint64
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
}

func newConn(ws *websocket.Conn, cfg Config, logger *zap.Logger) *Conn {
	limit := rate.Inf
	if cfg.OutboundRPS > 0 {
		limit = rate.Limit(cfg.OutboundRPS)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		cfg:     cfg,
		send:    make(chan []byte, sendChanBuf),
		inbound: make(chan *protocol.Packet, inboundChanBuf),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, cfg.OutboundBurst),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	go c.writePump()
	go c.readLoop()
	return c
}

// Inbound yields decoded packets; it is closed when the read loop exits.
func (c *Conn) Inbound() <-chan *protocol.Packet { return c.inbound }

// Done is closed once the transport is shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send stamps the next sequence number on pkt and queues it without
// blocking.
func (c *Conn) Send(pkt *protocol.Packet) error {
	if c.closed() {
		return protocol.ErrNotConnected
	}
	pkt.Seq = c.seq.Add(1)
	data, err := json.Marshal(pkt)
	if err != nil {
		return errors.Wrapf(err, "encode %s", pkt.Type)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return protocol.ErrNotConnected
	default:
		c.logger.Warn("send buffer full, dropping packet", zap.String("type", pkt.Type))
		return errors.Newf("send buffer full, %s dropped", pkt.Type)
	}
}

// Close shuts the transport down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
	return nil
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) readLoop() {
	defer close(c.inbound)
	defer c.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("ws read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var pkt protocol.Packet
		if err := json.Unmarshal(raw, &pkt); err != nil {
			c.logger.Warn("malformed packet", zap.Error(err), zap.Int("bytes", len(raw)))
			continue
		}
		select {
		case c.inbound <- &pkt:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case data := <-c.send:
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("ws write error", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
