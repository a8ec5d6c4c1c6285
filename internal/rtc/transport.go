// Package rtc is the pion-backed peer transport: one PeerConnection per
// call, negotiated through an out-of-band signal sender, carrying the
// processed audio as linear PCM over RTP.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxmorph/voxmorph/internal/audio"
	"github.com/voxmorph/voxmorph/internal/call"
	"github.com/voxmorph/voxmorph/internal/domain"
)

var ErrNoSession = errors.New("no session for peer")

// SignalSender delivers an opaque negotiation payload to a remote peer,
// typically over the signaling relay.
type SignalSender func(to domain.PeerID, payload []byte) error

// Transport implements call.Transport over pion/webrtc.
type Transport struct {
	api        *webrtc.API
	cfg        webrtc.Configuration
	sendSignal SignalSender

	mu         sync.Mutex
	localID    domain.PeerID
	sessions   map[domain.PeerID]*rtcSession
	onIncoming func(from domain.PeerID, handle call.SessionHandle)
}

func NewTransport(stunURLs []string, sender SignalSender) (*Transport, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  "audio/L16",
			ClockRate: audio.SampleRate,
			Channels:  audio.Channels,
		},
		PayloadType: payloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register codec: %w", err)
	}

	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}

	return &Transport{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		cfg:        cfg,
		sendSignal: sender,
		sessions:   make(map[domain.PeerID]*rtcSession),
	}, nil
}

// Open assigns the local peer identifier for this browser-session
// equivalent. No network resources are claimed until a call starts.
func (t *Transport) Open() (domain.PeerID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.localID == "" {
		t.localID = domain.PeerID(uuid.NewString())
	}
	return t.localID, nil
}

func (t *Transport) OnIncomingCall(fn func(from domain.PeerID, handle call.SessionHandle)) {
	t.mu.Lock()
	t.onIncoming = fn
	t.mu.Unlock()
}

// Call opens a negotiation toward remote carrying out as the local media.
func (t *Transport) Call(remote domain.PeerID, out audio.Stream) (call.SessionHandle, error) {
	s, err := t.newSession(remote)
	if err != nil {
		return nil, err
	}
	if err := s.attachOutgoing(out); err != nil {
		s.closeWith(err)
		return nil, err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.closeWith(err)
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.closeWith(err)
		return nil, err
	}
	<-gathered

	if err := t.signal(remote, signalPayload{Kind: kindOffer, SDP: s.pc.LocalDescription().SDP}); err != nil {
		s.closeWith(err)
		return nil, err
	}
	return s, nil
}

// HandleSignal feeds one inbound negotiation payload into the transport.
// An offer from an unknown peer creates a session and surfaces it through
// OnIncomingCall; answers and candidates land on the existing session.
func (t *Transport) HandleSignal(from domain.PeerID, payload []byte) error {
	var p signalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("bad signal payload: %w", err)
	}

	switch p.Kind {
	case kindOffer:
		return t.handleOffer(from, p)
	case kindAnswer:
		s, ok := t.session(from)
		if !ok {
			return ErrNoSession
		}
		return s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  p.SDP,
		})
	case kindCandidate:
		s, ok := t.session(from)
		if !ok {
			return ErrNoSession
		}
		return s.pc.AddICECandidate(p.candidateInit())
	default:
		return fmt.Errorf("unknown signal kind %q", p.Kind)
	}
}

func (t *Transport) handleOffer(from domain.PeerID, p signalPayload) error {
	s, err := t.newSession(from)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	}); err != nil {
		s.closeWith(err)
		return err
	}

	t.mu.Lock()
	fn := t.onIncoming
	t.mu.Unlock()
	if fn == nil {
		s.closeWith(errors.New("no incoming-call handler"))
		return errors.New("offer dropped: no incoming-call handler")
	}
	fn(from, s)
	return nil
}

func (t *Transport) newSession(remote domain.PeerID) (*rtcSession, error) {
	pc, err := t.api.NewPeerConnection(t.cfg)
	if err != nil {
		return nil, err
	}
	s := newRTCSession(t, remote, pc)

	t.mu.Lock()
	if old, ok := t.sessions[remote]; ok {
		go old.closeWith(errors.New("replaced by new negotiation"))
	}
	t.sessions[remote] = s
	t.mu.Unlock()

	s.start()
	return s, nil
}

func (t *Transport) session(remote domain.PeerID) (*rtcSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[remote]
	return s, ok
}

func (t *Transport) dropSession(s *rtcSession) {
	t.mu.Lock()
	if t.sessions[s.remote] == s {
		delete(t.sessions, s.remote)
	}
	t.mu.Unlock()
}

func (t *Transport) signal(to domain.PeerID, p signalPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if t.sendSignal == nil {
		return errors.New("no signal sender configured")
	}
	if err := t.sendSignal(to, b); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("to", string(to)).Msg("signal send failed")
		return err
	}
	return nil
}
