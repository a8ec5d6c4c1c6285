// Package relay is the real-time signaling bus between clients: it tracks
// presence through the registry and routes call invitations to the right
// connection. It holds no call state itself; everything is transient.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxmorph/voxmorph/internal/domain"
	"github.com/voxmorph/voxmorph/internal/presence"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
}

type Relay struct {
	registry *presence.Registry
	opts     Options

	mu    sync.Mutex
	conns map[domain.ConnID]*wsConn
}

func New(registry *presence.Registry, opts Options) *Relay {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	return &Relay{
		registry: registry,
		opts:     opts,
		conns:    make(map[domain.ConnID]*wsConn),
	}
}

// HandleSignal upgrades the request and serves the connection until it drops.
func (rl *Relay) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	connID := domain.NewConnID()
	log.Info().Str("module", "relay").Str("conn", string(connID)).Msg("new connection")

	conn := newWSConn(ws)
	if rl.opts.ReadLimit > 0 {
		ws.SetReadLimit(rl.opts.ReadLimit)
	}

	// A peer that stops servicing reads stops answering pings; the expired
	// read deadline then reaps its registry entry.
	pongWait := rl.opts.PingPeriod * 10 / 9
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	rl.mu.Lock()
	rl.conns[connID] = conn
	rl.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		rl.writePump(ctx, conn)
		// A dead write side must unblock the reader so dropConn runs.
		conn.Close()
	}()
	go func() {
		defer cancel()
		rl.readPump(ctx, connID, conn)
		rl.dropConn(connID, conn)
	}()
}

// dropConn removes exactly one connection's state: its socket, and its
// registry entry if it ever registered. Presence changes are broadcast after
// the registry mutation, never before.
func (rl *Relay) dropConn(connID domain.ConnID, conn *wsConn) {
	rl.mu.Lock()
	delete(rl.conns, connID)
	rl.mu.Unlock()
	conn.Close()

	if rl.registry.Remove(connID) {
		rl.broadcastUsers()
	}
	log.Info().Str("module", "relay").Str("conn", string(connID)).Msg("connection dropped")
}

func (rl *Relay) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(rl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (rl *Relay) readPump(ctx context.Context, connID domain.ConnID, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "relay").Str("conn", string(connID)).Msg("readPump closing")
				return
			}
			rl.handleMessage(connID, c, data)
		}
	}
}

// handleMessage dispatches one inbound frame. A malformed or unknown message
// is logged and dropped; it never takes the relay down.
func (rl *Relay) handleMessage(connID domain.ConnID, c *wsConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad json")
		return
	}

	switch env.Type {
	case TypeRegister:
		rl.handleRegister(connID, c, data)
	case TypeCallRequest:
		rl.handleCallRequest(connID, c, data)
	case TypePeerSignal:
		rl.handlePeerSignal(connID, c, data)
	default:
		log.Warn().Str("module", "relay").Str("type", env.Type).Msg("unknown message")
	}
}

func (rl *Relay) handleRegister(connID domain.ConnID, c *wsConn, data []byte) {
	var p registerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad register payload")
		return
	}

	rec, err := domain.NewUserRecord(connID, domain.PeerID(p.PeerID), p.Username)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("conn", string(connID)).Msg("register rejected")
		return
	}

	rl.registry.Register(rec)
	rl.broadcastUsers()
}

func (rl *Relay) handleCallRequest(connID domain.ConnID, c *wsConn, data []byte) {
	var p callRequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad call request payload")
		return
	}

	targetID, ok := rl.registry.Resolve(domain.PeerID(p.To))
	if !ok {
		log.Info().Str("module", "relay").Str("to", p.To).Str("from", p.From).Msg("call target not present")
		rl.sendJSON(c, CallFailed{Type: TypeCallFailed, To: p.To})
		return
	}

	rl.mu.Lock()
	target, ok := rl.conns[targetID]
	rl.mu.Unlock()
	if !ok {
		rl.sendJSON(c, CallFailed{Type: TypeCallFailed, To: p.To})
		return
	}

	log.Info().Str("module", "relay").Str("to", p.To).Str("from", p.From).Msg("routing call invite")
	rl.sendJSON(target, CallIncoming{Type: TypeCallIncoming, From: p.From})
}

// handlePeerSignal forwards an opaque negotiation payload to the target
// peer's connection. Unroutable signals are dropped; the sender's transport
// notices the dead negotiation on its own timeout.
func (rl *Relay) handlePeerSignal(connID domain.ConnID, c *wsConn, data []byte) {
	var p PeerSignal
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad peer signal payload")
		return
	}

	targetID, ok := rl.registry.Resolve(domain.PeerID(p.To))
	if !ok {
		log.Info().Str("module", "relay").Str("to", p.To).Msg("signal target not present")
		return
	}

	rl.mu.Lock()
	target, ok := rl.conns[targetID]
	rl.mu.Unlock()
	if !ok {
		return
	}
	rl.sendJSON(target, p)
}

// broadcastUsers fans the current snapshot out to every open connection.
// Delivery order across connections is not guaranteed; the snapshot itself
// is taken once so every client sees the same state change.
func (rl *Relay) broadcastUsers() {
	update := UsersUpdate{Type: TypeUsersUpdate, Users: rl.registry.Snapshot()}

	rl.mu.Lock()
	conns := make([]*wsConn, 0, len(rl.conns))
	for _, c := range rl.conns {
		conns = append(conns, c)
	}
	rl.mu.Unlock()

	for _, c := range conns {
		rl.sendJSON(c, update)
	}
}

func (rl *Relay) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("send dropped")
	}
}
