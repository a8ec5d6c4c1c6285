package call

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxmorph/voxmorph/internal/audio"
	"github.com/voxmorph/voxmorph/internal/domain"
)

// ErrPipelineNotReady refuses an outgoing call before the audio pipeline has
// been initialized. Accepting an incoming call initializes lazily instead.
var ErrPipelineNotReady = errors.New("audio pipeline not initialized")

// Dialer coordinates sessions for one client and enforces the invariant
// that at most one non-ended session exists at a time: placing or accepting
// a call terminates whatever session was live before it.
type Dialer struct {
	transport Transport
	signaler  Signaler
	pipeline  *audio.Pipeline

	mu       sync.Mutex
	local    domain.PeerID
	current  *Session
	onRemote func(audio.Stream)
}

func NewDialer(transport Transport, signaler Signaler, pipeline *audio.Pipeline) *Dialer {
	d := &Dialer{transport: transport, signaler: signaler, pipeline: pipeline}
	transport.OnIncomingCall(d.handleIncoming)
	return d
}

// Open registers with the peer transport and records the local identifier.
func (d *Dialer) Open() (domain.PeerID, error) {
	id, err := d.transport.Open()
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.local = id
	d.mu.Unlock()
	return id, nil
}

// OnRemoteStream sets the playback sink for every session's remote media.
func (d *Dialer) OnRemoteStream(fn func(audio.Stream)) {
	d.mu.Lock()
	d.onRemote = fn
	d.mu.Unlock()
}

// Current returns the live session, if any.
func (d *Dialer) Current() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// PlaceCall starts an outgoing call. The pipeline must already be
// initialized and able to produce a processed stream; otherwise the call is
// refused and no session is created.
func (d *Dialer) PlaceCall(remote domain.PeerID) (*Session, error) {
	if d.pipeline.State() != audio.StateReady {
		return nil, ErrPipelineNotReady
	}
	out, err := d.processedStream()
	if err != nil {
		return nil, err
	}

	s := d.replaceCurrent()
	if err := s.initiate(d.transport, d.signaler, remote, out); err != nil {
		return nil, err
	}
	return s, nil
}

// Accept answers the current incoming offer, lazily initializing the
// pipeline if the callee never started it.
func (d *Dialer) Accept() error {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	if s == nil {
		return ErrBadState
	}

	out, err := d.processedStream()
	if err != nil {
		return err
	}
	return s.accept(out)
}

// Reject discards the current incoming offer.
func (d *Dialer) Reject() error {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	if s == nil {
		return ErrBadState
	}
	return s.reject()
}

// HangUp terminates the live session, if any.
func (d *Dialer) HangUp() {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	if s != nil {
		s.Terminate()
	}
}

func (d *Dialer) handleIncoming(from domain.PeerID, handle SessionHandle) {
	d.mu.Lock()
	s := d.current
	busy := s != nil && s.State() != StateEnded && s.State() != StateIdle
	d.mu.Unlock()
	if busy {
		// Terminate-and-replace: the old call yields to the new offer.
		log.Info().Str("module", "call").Str("from", string(from)).Msg("incoming call replaces live session")
		s.Terminate()
	}
	ns := d.replaceCurrent()
	ns.offerIncoming(from, handle)
}

// replaceCurrent terminates any live session and installs a fresh Idle one.
func (d *Dialer) replaceCurrent() *Session {
	d.mu.Lock()
	old := d.current
	local := d.local
	onRemote := d.onRemote
	d.mu.Unlock()

	if old != nil && old.State() != StateEnded {
		old.Terminate()
	}

	s := newSession(local, onRemote, nil)
	d.mu.Lock()
	d.current = s
	d.mu.Unlock()
	return s
}

// processedStream runs the pipeline up to a processed stream: acquire the
// raw input, build the chain over it.
func (d *Dialer) processedStream() (audio.Stream, error) {
	raw, err := d.pipeline.AcquireInput()
	if err != nil {
		return nil, err
	}
	return d.pipeline.SetupChain(raw)
}
