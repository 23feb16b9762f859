package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/guidegame/client/middleware"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestSecret signs credentials accepted by GameServer.
const TestSecret = "guide-test-secret"

// Responder reacts to one client packet.
type Responder func(sc *ServerConn, pkt protocol.Packet)

// Received is a packet the fake server read from a client.
type Received struct {
	UserID string
	Packet protocol.Packet
}

// GameServer is a minimal fake game server speaking the packet envelope
// over websocket. It authenticates HS256 credentials the way the real
// server does and lets tests script replies per event.
type GameServer struct {
	t      *testing.T
	server *httptest.Server
	URL    string // http://127.0.0.1:<port>

	mu         sync.Mutex
	conns      []*ServerConn
	received   []Received
	consumed   int
	responders map[string]Responder
	upgrades   int32
}

// NewGameServer starts a fake server that is shut down with the test.
func NewGameServer(t *testing.T) *GameServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gs := &GameServer{t: t, responders: make(map[string]Responder)}

	r := gin.New()
	r.Use(middleware.TraceID(), middleware.Recovery(zap.NewNop()))
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ws", gs.serveWS)

	gs.server = httptest.NewServer(r)
	gs.URL = gs.server.URL
	t.Cleanup(gs.Close)
	return gs
}

// Token returns a valid credential for the user.
func (gs *GameServer) Token(userID, username string) string {
	gs.t.Helper()
	tok, err := GenerateToken(userID, username, TestSecret, time.Hour)
	require.NoError(gs.t, err)
	return tok
}

// On sets the responder for a client event, replacing any earlier one.
func (gs *GameServer) On(event string, fn Responder) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.responders[event] = fn
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (gs *GameServer) serveWS(c *gin.Context) {
	claims, err := ParseToken(middleware.BearerToken(c), TestSecret)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	atomic.AddInt32(&gs.upgrades, 1)
	sc := &ServerConn{ws: ws, UserID: claims.UserID}

	gs.mu.Lock()
	gs.conns = append(gs.conns, sc)
	gs.mu.Unlock()

	sc.Send(protocol.EventConnected, protocol.Connected{SID: claims.UserID})
	gs.readLoop(sc)
}

func (gs *GameServer) readLoop(sc *ServerConn) {
	defer sc.Close()
	for {
		_, raw, err := sc.ws.ReadMessage()
		if err != nil {
			return
		}
		var pkt protocol.Packet
		if err := json.Unmarshal(raw, &pkt); err != nil {
			continue
		}
		gs.mu.Lock()
		gs.received = append(gs.received, Received{UserID: sc.UserID, Packet: pkt})
		fn := gs.responders[pkt.Type]
		gs.mu.Unlock()
		if fn != nil {
			fn(sc, pkt)
		}
	}
}

// Push sends an event to every connected client.
func (gs *GameServer) Push(event string, payload interface{}) {
	for _, sc := range gs.live() {
		sc.Send(event, payload)
	}
}

// PushPacket sends a raw packet, seq included, to every connected client.
func (gs *GameServer) PushPacket(pkt protocol.Packet) {
	for _, sc := range gs.live() {
		sc.SendPacket(pkt)
	}
}

func (gs *GameServer) live() []*ServerConn {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	out := make([]*ServerConn, 0, len(gs.conns))
	for _, sc := range gs.conns {
		if !sc.isClosed() {
			out = append(out, sc)
		}
	}
	return out
}

// Connections returns the number of live client connections.
func (gs *GameServer) Connections() int { return len(gs.live()) }

// Upgrades returns how many websocket handshakes succeeded in total.
func (gs *GameServer) Upgrades() int { return int(atomic.LoadInt32(&gs.upgrades)) }

// DropAll closes every client connection without a close handshake.
func (gs *GameServer) DropAll() {
	for _, sc := range gs.live() {
		sc.Close()
	}
}

// WaitFor returns the next not yet consumed packet of the given type. Packets
// of other types received before it are consumed too.
func (gs *GameServer) WaitFor(event string, timeout time.Duration) protocol.Packet {
	gs.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		gs.mu.Lock()
		for i := gs.consumed; i < len(gs.received); i++ {
			if gs.received[i].Packet.Type == event {
				gs.consumed = i + 1
				pkt := gs.received[i].Packet
				gs.mu.Unlock()
				return pkt
			}
		}
		gs.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	gs.t.Fatalf("fake server: timed out waiting for %s", event)
	return protocol.Packet{}
}

// Received returns every packet of the given type read so far.
func (gs *GameServer) Received(event string) []protocol.Packet {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	var out []protocol.Packet
	for _, r := range gs.received {
		if r.Packet.Type == event {
			out = append(out, r.Packet)
		}
	}
	return out
}

// Close shuts the server and every connection down.
func (gs *GameServer) Close() {
	gs.DropAll()
	gs.server.Close()
}

// ServerConn is the server side of one client connection.
type ServerConn struct {
	UserID string
	ws     *websocket.Conn
	mu     sync.Mutex
	seq    uint64
	closed bool
}

// Send writes an event with the next sequence number.
func (sc *ServerConn) Send(event string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	sc.mu.Lock()
	sc.seq++
	seq := sc.seq
	sc.mu.Unlock()
	sc.SendPacket(protocol.Packet{Seq: seq, Type: event, Payload: raw})
}

// SendPacket writes pkt as is.
func (sc *ServerConn) SendPacket(pkt protocol.Packet) {
	data, _ := json.Marshal(pkt)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	_ = sc.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = sc.ws.WriteMessage(websocket.TextMessage, data)
}

// Close drops the connection.
func (sc *ServerConn) Close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	sc.closed = true
	_ = sc.ws.Close()
}

func (sc *ServerConn) isClosed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closed
}

// Team extracts team_id from a client payload.
func Team(pkt protocol.Packet) string {
	var v struct {
		TeamID protocol.ID `json:"team_id"`
	}
	_ = json.Unmarshal(pkt.Payload, &v)
	return string(v.TeamID)
}
