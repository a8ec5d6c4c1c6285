package call

import (
	"errors"
	"io"
	"testing"

	"github.com/voxmorph/voxmorph/internal/audio"
	"github.com/voxmorph/voxmorph/internal/domain"
)

type fakeStream struct{}

func (fakeStream) ReadFrame() (audio.Frame, error) { return nil, io.EOF }
func (fakeStream) Close() error                    { return nil }

type fakeHandle struct {
	answered  bool
	answerErr error
	closes    int
	onRemote  func(audio.Stream)
	onClosed  func(error)
}

func (h *fakeHandle) Answer(out audio.Stream) error {
	h.answered = true
	return h.answerErr
}

func (h *fakeHandle) OnRemoteStream(fn func(audio.Stream)) { h.onRemote = fn }
func (h *fakeHandle) OnClosed(fn func(error))              { h.onClosed = fn }

func (h *fakeHandle) Close() error {
	h.closes++
	return nil
}

type fakeTransport struct {
	localID    domain.PeerID
	callErr    error
	called     []domain.PeerID
	handles    []*fakeHandle
	onIncoming func(domain.PeerID, SessionHandle)
}

func (t *fakeTransport) Open() (domain.PeerID, error) {
	if t.localID == "" {
		t.localID = "local-peer"
	}
	return t.localID, nil
}

func (t *fakeTransport) Call(remote domain.PeerID, out audio.Stream) (SessionHandle, error) {
	t.called = append(t.called, remote)
	if t.callErr != nil {
		return nil, t.callErr
	}
	h := &fakeHandle{}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *fakeTransport) OnIncomingCall(fn func(domain.PeerID, SessionHandle)) {
	t.onIncoming = fn
}

type fakeSignaler struct {
	sent    [][2]domain.PeerID
	sendErr error
}

func (s *fakeSignaler) SendCallRequest(to, from domain.PeerID) error {
	s.sent = append(s.sent, [2]domain.PeerID{to, from})
	return s.sendErr
}

func TestInitiateHappyPath(t *testing.T) {
	tr := &fakeTransport{}
	sig := &fakeSignaler{}
	s := newSession("local-peer", nil, nil)

	if err := s.initiate(tr, sig, "remote-peer", fakeStream{}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if s.State() != StateCalling {
		t.Errorf("State = %v, want calling", s.State())
	}
	if len(tr.called) != 1 || tr.called[0] != "remote-peer" {
		t.Errorf("transport calls = %v", tr.called)
	}
	if len(sig.sent) != 1 || sig.sent[0] != [2]domain.PeerID{"remote-peer", "local-peer"} {
		t.Errorf("invites = %v", sig.sent)
	}
}

func TestInitiateRefusals(t *testing.T) {
	tr := &fakeTransport{}
	sig := &fakeSignaler{}

	s := newSession("local-peer", nil, nil)
	if err := s.initiate(tr, sig, "remote", nil); err != ErrNoProcessedStream {
		t.Errorf("nil stream err = %v, want ErrNoProcessedStream", err)
	}
	if s.State() != StateIdle {
		t.Errorf("State = %v, want idle after refusal", s.State())
	}

	if err := s.initiate(tr, sig, "", fakeStream{}); err != ErrNoRemotePeer {
		t.Errorf("empty remote err = %v, want ErrNoRemotePeer", err)
	}
	if s.State() != StateIdle {
		t.Errorf("State = %v, want idle after refusal", s.State())
	}
	if len(tr.called) != 0 {
		t.Errorf("refused initiate must not touch the transport, calls = %v", tr.called)
	}
}

func TestInitiateTransportErrorEndsSession(t *testing.T) {
	tr := &fakeTransport{callErr: errors.New("ice failed")}
	s := newSession("local-peer", nil, nil)

	if err := s.initiate(tr, &fakeSignaler{}, "remote", fakeStream{}); err == nil {
		t.Fatal("initiate should surface the transport error")
	}
	if s.State() != StateEnded {
		t.Errorf("State = %v, want ended", s.State())
	}
}

func TestInitiateSignalErrorEndsSession(t *testing.T) {
	tr := &fakeTransport{}
	sig := &fakeSignaler{sendErr: errors.New("relay down")}
	s := newSession("local-peer", nil, nil)

	if err := s.initiate(tr, sig, "remote", fakeStream{}); err == nil {
		t.Fatal("initiate should surface the signal error")
	}
	if s.State() != StateEnded {
		t.Errorf("State = %v, want ended", s.State())
	}
	if tr.handles[0].closes != 1 {
		t.Errorf("handle closes = %d, want 1", tr.handles[0].closes)
	}
}

func TestCallerConnectsOnRemoteStream(t *testing.T) {
	tr := &fakeTransport{}
	var got audio.Stream
	s := newSession("local-peer", func(st audio.Stream) { got = st }, nil)

	if err := s.initiate(tr, &fakeSignaler{}, "remote", fakeStream{}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	tr.handles[0].onRemote(fakeStream{})
	if s.State() != StateConnected {
		t.Errorf("State = %v, want connected", s.State())
	}
	if got == nil {
		t.Error("remote stream never reached playback")
	}
}

func TestAcceptAndReject(t *testing.T) {
	h := &fakeHandle{}
	s := newSession("local-peer", nil, nil)
	s.offerIncoming("caller", h)
	if s.State() != StateIncomingOffered {
		t.Fatalf("State = %v, want incoming_offered", s.State())
	}

	if err := s.accept(nil); err != ErrNoProcessedStream {
		t.Errorf("accept(nil) err = %v, want ErrNoProcessedStream", err)
	}
	if err := s.accept(fakeStream{}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if !h.answered {
		t.Error("accept should answer the handle")
	}
	if s.State() != StateConnected {
		t.Errorf("State = %v, want connected", s.State())
	}

	s2 := newSession("local-peer", nil, nil)
	s2.offerIncoming("caller", &fakeHandle{})
	if err := s2.reject(); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if s2.State() != StateIdle {
		t.Errorf("State = %v, want idle after reject", s2.State())
	}
	if err := s2.reject(); err != ErrBadState {
		t.Errorf("second reject err = %v, want ErrBadState", err)
	}
}

func TestOfferIncomingIgnoredWhenNotIdle(t *testing.T) {
	tr := &fakeTransport{}
	s := newSession("local-peer", nil, nil)
	if err := s.initiate(tr, &fakeSignaler{}, "remote", fakeStream{}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	s.offerIncoming("other-caller", &fakeHandle{})
	if s.State() != StateCalling {
		t.Errorf("State = %v, offer must not preempt a live call at session level", s.State())
	}
	if s.RemotePeer() != "remote" {
		t.Errorf("RemotePeer = %q, want remote", s.RemotePeer())
	}
}

func TestTerminateIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	s := newSession("local-peer", nil, nil)
	if err := s.initiate(tr, &fakeSignaler{}, "remote", fakeStream{}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	s.Terminate()
	s.Terminate()
	if s.State() != StateEnded {
		t.Errorf("State = %v, want ended", s.State())
	}
	if tr.handles[0].closes != 1 {
		t.Errorf("handle closes = %d, want 1", tr.handles[0].closes)
	}
}

func TestTransportFailureFromAnyState(t *testing.T) {
	// From connected.
	tr := &fakeTransport{}
	s := newSession("local-peer", nil, nil)
	if err := s.initiate(tr, &fakeSignaler{}, "remote", fakeStream{}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	tr.handles[0].onRemote(fakeStream{})
	tr.handles[0].onClosed(errors.New("ice disconnected"))
	if s.State() != StateEnded {
		t.Errorf("State = %v, want ended after transport failure", s.State())
	}

	// From idle: still lands in ended, never retried.
	s2 := newSession("local-peer", nil, nil)
	s2.TransportFailure(errors.New("boom"))
	if s2.State() != StateEnded {
		t.Errorf("State = %v, want ended", s2.State())
	}
}

func TestRemoteStreamDroppedAfterEnd(t *testing.T) {
	delivered := 0
	tr := &fakeTransport{}
	s := newSession("local-peer", func(audio.Stream) { delivered++ }, nil)
	if err := s.initiate(tr, &fakeSignaler{}, "remote", fakeStream{}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	s.Terminate()
	tr.handles[0].onRemote(fakeStream{})
	if delivered != 0 {
		t.Errorf("ended session delivered %d streams, want 0", delivered)
	}
}
