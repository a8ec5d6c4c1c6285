// Package client is the client side of the signaling relay: one persistent
// websocket with bounded, linearly backed-off reconnection and typed event
// callbacks.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxmorph/voxmorph/internal/config"
	"github.com/voxmorph/voxmorph/internal/domain"
	"github.com/voxmorph/voxmorph/internal/relay"
)

var ErrNotConnected = errors.New("signaling connection is down")

// Signaling maintains the relay connection. Callbacks run on the read
// goroutine; handlers must not block.
type Signaling struct {
	cfg config.ClientConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	register []byte // last register payload, replayed after reconnect

	// wmu serializes socket writes; gorilla/websocket allows one concurrent
	// writer and sends come from app, reconnect, and transport goroutines.
	wmu sync.Mutex

	onUsers      func([]domain.UserView)
	onIncoming   func(from domain.PeerID)
	onCallFailed func(to domain.PeerID)
	onPeerSignal func(from domain.PeerID, payload []byte)
	onDisconnect func(error)
}

func NewSignaling(cfg config.ClientConfig) *Signaling {
	return &Signaling{cfg: cfg}
}

func (s *Signaling) OnUsersUpdate(fn func([]domain.UserView)) {
	s.mu.Lock()
	s.onUsers = fn
	s.mu.Unlock()
}

func (s *Signaling) OnIncomingCall(fn func(domain.PeerID)) {
	s.mu.Lock()
	s.onIncoming = fn
	s.mu.Unlock()
}

func (s *Signaling) OnCallFailed(fn func(domain.PeerID)) {
	s.mu.Lock()
	s.onCallFailed = fn
	s.mu.Unlock()
}

func (s *Signaling) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

// OnPeerSignal receives transport-negotiation payloads forwarded by the
// relay. The payload is opaque to the signaling layer.
func (s *Signaling) OnPeerSignal(fn func(from domain.PeerID, payload []byte)) {
	s.mu.Lock()
	s.onPeerSignal = fn
	s.mu.Unlock()
}

// Connect dials the relay and starts the read loop. Reconnection after a
// drop is automatic: up to ReconnectAttempts tries with a delay growing
// linearly from ReconnectDelay up to the ReconnectDelayMax ceiling.
func (s *Signaling) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	log.Info().Str("module", "client").Str("url", s.cfg.ServerURL).Msg("connected to relay")

	go s.readLoop(conn)
	return nil
}

// Register announces this peer. The payload is remembered and replayed on
// every reconnect, since the relay forgets the registration with the socket.
func (s *Signaling) Register(peerID domain.PeerID, username string) error {
	b, err := json.Marshal(map[string]string{
		"type":     relay.TypeRegister,
		"peerId":   string(peerID),
		"username": username,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.register = b
	s.mu.Unlock()
	return s.send(b)
}

// SendCallRequest asks the relay to route an invite. Sends while
// disconnected fail immediately; they are not queued.
func (s *Signaling) SendCallRequest(to, from domain.PeerID) error {
	b, err := json.Marshal(map[string]string{
		"type": relay.TypeCallRequest,
		"to":   string(to),
		"from": string(from),
	})
	if err != nil {
		return err
	}
	return s.send(b)
}

// SendPeerSignal routes a transport-negotiation payload to a remote peer
// through the relay.
func (s *Signaling) SendPeerSignal(to, from domain.PeerID, payload []byte) error {
	b, err := json.Marshal(relay.PeerSignal{
		Type:    relay.TypePeerSignal,
		To:      string(to),
		From:    string(from),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return s.send(b)
}

func (s *Signaling) send(b []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Close shuts the connection down for good; no reconnection follows.
func (s *Signaling) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Signaling) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			onDisconnect := s.onDisconnect
			s.conn = nil
			s.mu.Unlock()
			if closed {
				return
			}
			log.Warn().Err(err).Str("module", "client").Msg("relay connection lost")
			if onDisconnect != nil {
				onDisconnect(err)
			}
			s.reconnect()
			return
		}
		s.dispatch(data)
	}
}

func (s *Signaling) reconnect() {
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		delay := s.cfg.ReconnectDelay * time.Duration(attempt)
		if delay > s.cfg.ReconnectDelayMax {
			delay = s.cfg.ReconnectDelayMax
		}
		time.Sleep(delay)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		reg := s.register
		s.mu.Unlock()

		if err := s.Connect(); err != nil {
			log.Warn().Err(err).Str("module", "client").Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		if reg != nil {
			if err := s.send(reg); err != nil {
				log.Warn().Err(err).Str("module", "client").Msg("re-register failed")
			}
		}
		return
	}
	log.Error().Str("module", "client").Int("attempts", s.cfg.ReconnectAttempts).Msg("gave up reconnecting")
}

func (s *Signaling) dispatch(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("bad json from relay")
		return
	}

	s.mu.Lock()
	onUsers := s.onUsers
	onIncoming := s.onIncoming
	onCallFailed := s.onCallFailed
	onPeerSignal := s.onPeerSignal
	s.mu.Unlock()

	switch env.Type {
	case relay.TypeUsersUpdate:
		var u relay.UsersUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad users update")
			return
		}
		if onUsers != nil {
			onUsers(u.Users)
		}
	case relay.TypeCallIncoming:
		var m relay.CallIncoming
		if err := json.Unmarshal(data, &m); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad incoming call")
			return
		}
		if onIncoming != nil {
			onIncoming(domain.PeerID(m.From))
		}
	case relay.TypeCallFailed:
		var m relay.CallFailed
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		if onCallFailed != nil {
			onCallFailed(domain.PeerID(m.To))
		}
	case relay.TypePeerSignal:
		var m relay.PeerSignal
		if err := json.Unmarshal(data, &m); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad peer signal")
			return
		}
		if onPeerSignal != nil {
			onPeerSignal(domain.PeerID(m.From), m.Payload)
		}
	default:
		log.Warn().Str("module", "client").Str("type", env.Type).Msg("unknown message from relay")
	}
}
