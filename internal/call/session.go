// Package call holds the client-side state machine tracking one call from
// invite to termination, and the dialer that guarantees a client never runs
// more than one live call.
package call

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxmorph/voxmorph/internal/audio"
	"github.com/voxmorph/voxmorph/internal/domain"
)

// State of one call session.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateIncomingOffered
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "calling"
	case StateIncomingOffered:
		return "incoming_offered"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "idle"
	}
}

var (
	// ErrNoProcessedStream refuses a call before the audio pipeline has
	// produced an outgoing stream.
	ErrNoProcessedStream = errors.New("no processed stream available")
	ErrNoRemotePeer      = errors.New("remote peer id is empty")
	ErrBadState          = errors.New("event not valid in current state")
)

// SessionHandle is the transport-level handle for one negotiated call.
// OnClosed fires when the transport tears the session down on its own
// (negotiation failure, ICE disconnect); it is how transport failures reach
// the state machine from any state.
type SessionHandle interface {
	Answer(out audio.Stream) error
	OnRemoteStream(fn func(audio.Stream))
	OnClosed(fn func(err error))
	Close() error
}

// Transport is the external peer-transport capability. The session depends
// only on this shape, not on any negotiation mechanics.
type Transport interface {
	Open() (domain.PeerID, error)
	Call(remote domain.PeerID, out audio.Stream) (SessionHandle, error)
	OnIncomingCall(fn func(from domain.PeerID, handle SessionHandle))
}

// Signaler carries the call-invite message alongside the transport
// negotiation.
type Signaler interface {
	SendCallRequest(to, from domain.PeerID) error
}

// Session is one call attempt. It owns its transport handle exclusively and
// only references the processed stream produced by the pipeline.
type Session struct {
	mu        sync.Mutex
	state     State
	local     domain.PeerID
	remote    domain.PeerID
	processed audio.Stream
	handle    SessionHandle

	onRemote func(audio.Stream)
	onEnded  func()
}

func newSession(local domain.PeerID, onRemote func(audio.Stream), onEnded func()) *Session {
	return &Session{state: StateIdle, local: local, onRemote: onRemote, onEnded: onEnded}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RemotePeer() domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// initiate moves Idle → Calling: opens the transport negotiation carrying
// the processed stream and sends the invite. Refused, staying Idle, when no
// processed stream or remote peer is set.
func (s *Session) initiate(t Transport, sig Signaler, remote domain.PeerID, out audio.Stream) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBadState
	}
	if out == nil {
		s.mu.Unlock()
		return ErrNoProcessedStream
	}
	if remote == "" {
		s.mu.Unlock()
		return ErrNoRemotePeer
	}
	s.remote = remote
	s.processed = out
	s.state = StateCalling
	s.mu.Unlock()

	handle, err := t.Call(remote, out)
	if err != nil {
		s.TransportFailure(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateCalling {
		// Terminated while negotiating; release the fresh handle.
		s.mu.Unlock()
		_ = handle.Close()
		return ErrBadState
	}
	s.handle = handle
	s.mu.Unlock()

	handle.OnRemoteStream(s.remoteStreamReceived)
	handle.OnClosed(s.TransportFailure)

	if err := sig.SendCallRequest(remote, s.local); err != nil {
		s.TransportFailure(err)
		return err
	}
	log.Info().Str("module", "call").Str("remote", string(remote)).Msg("calling")
	return nil
}

// offerIncoming moves Idle → IncomingOffered. Purely informational: no
// resources are committed until accept. A no-op in any other state.
func (s *Session) offerIncoming(from domain.PeerID, handle SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return
	}
	s.remote = from
	s.handle = handle
	s.state = StateIncomingOffered
	log.Info().Str("module", "call").Str("from", string(from)).Msg("incoming call")
}

// accept answers the pending offer with the processed stream, moving
// IncomingOffered → Connected.
func (s *Session) accept(out audio.Stream) error {
	s.mu.Lock()
	if s.state != StateIncomingOffered {
		s.mu.Unlock()
		return ErrBadState
	}
	if out == nil {
		s.mu.Unlock()
		return ErrNoProcessedStream
	}
	handle := s.handle
	s.processed = out
	s.state = StateConnected
	s.mu.Unlock()

	handle.OnRemoteStream(s.remoteStreamReceived)
	handle.OnClosed(s.TransportFailure)
	if err := handle.Answer(out); err != nil {
		s.TransportFailure(err)
		return err
	}
	log.Info().Str("module", "call").Str("remote", string(s.RemotePeer())).Msg("call accepted")
	return nil
}

// reject discards the offer, moving IncomingOffered → Idle. The callee never
// allocated transport resources, so there is nothing to release.
func (s *Session) reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIncomingOffered {
		return ErrBadState
	}
	s.handle = nil
	s.remote = ""
	s.state = StateIdle
	log.Info().Str("module", "call").Msg("call rejected")
	return nil
}

// remoteStreamReceived moves Calling → Connected when the remote media
// arrives and hands the stream to playback. Already-Connected sessions (the
// callee path) just start playback; ended sessions drop the stream.
func (s *Session) remoteStreamReceived(remote audio.Stream) {
	s.mu.Lock()
	switch s.state {
	case StateCalling:
		s.state = StateConnected
	case StateConnected:
	default:
		s.mu.Unlock()
		return
	}
	fn := s.onRemote
	s.mu.Unlock()

	log.Info().Str("module", "call").Msg("remote stream received")
	if fn != nil {
		fn(remote)
	}
}

// Terminate closes the transport handle and moves to Ended. Idempotent.
func (s *Session) Terminate() {
	s.endWith(nil)
}

// TransportFailure force-terminates from any state. Never retried.
func (s *Session) TransportFailure(err error) {
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("transport failure")
	}
	s.endWith(err)
}

func (s *Session) endWith(cause error) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	handle := s.handle
	s.handle = nil
	onEnded := s.onEnded
	s.mu.Unlock()

	if handle != nil {
		_ = handle.Close()
	}
	if onEnded != nil {
		onEnded()
	}
	log.Info().Str("module", "call").AnErr("cause", cause).Msg("call ended")
}
