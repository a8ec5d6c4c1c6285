package rtc

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxmorph/voxmorph/internal/audio"
	"github.com/voxmorph/voxmorph/internal/domain"
)

const payloadType = 96

// rtcSession is one negotiated call leg; it implements call.SessionHandle.
type rtcSession struct {
	t      *Transport
	remote domain.PeerID
	pc     *webrtc.PeerConnection

	mu       sync.Mutex
	onRemote func(audio.Stream)
	onClosed func(error)
	closed   bool
	cancel   context.CancelFunc
}

func newRTCSession(t *Transport, remote domain.PeerID, pc *webrtc.PeerConnection) *rtcSession {
	return &rtcSession{t: t, remote: remote, pc: pc}
}

// start wires the PeerConnection callbacks. Candidates trickle out through
// the signal sender; a failed or closed connection tears the session down.
func (s *rtcSession) start() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.t.signal(s.remote, candidatePayload(c.ToJSON())); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("candidate signal failed")
		}
	})

	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").
			Str("remote", string(s.remote)).
			Str("state", st.String()).
			Msg("peer state")
		if st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateClosed {
			s.closeWith(errNegotiation(st))
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").
			Str("remote", string(s.remote)).
			Str("kind", track.Kind().String()).
			Msg("remote track")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.mu.Lock()
		fn := s.onRemote
		s.mu.Unlock()
		if fn != nil {
			fn(&remoteTrackStream{track: track})
		}
	})
}

// Answer attaches the local media and completes the pending offer.
func (s *rtcSession) Answer(out audio.Stream) error {
	if err := s.attachOutgoing(out); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	<-gathered
	return s.t.signal(s.remote, signalPayload{Kind: kindAnswer, SDP: s.pc.LocalDescription().SDP})
}

func (s *rtcSession) OnRemoteStream(fn func(audio.Stream)) {
	s.mu.Lock()
	s.onRemote = fn
	s.mu.Unlock()
}

func (s *rtcSession) OnClosed(fn func(error)) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

func (s *rtcSession) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *rtcSession) closeWith(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	onClosed := s.onClosed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(s.remote)).Msg("pc close")
	}
	s.t.dropSession(s)
	if onClosed != nil && cause != nil {
		onClosed(cause)
	}
	log.Info().Str("module", "rtc").Str("remote", string(s.remote)).Msg("session closed")
}

// attachOutgoing adds a local track and pumps frames from out onto it as
// linear-PCM RTP until the session ends or the stream is exhausted.
func (s *rtcSession) attachOutgoing(out audio.Stream) error {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  "audio/L16",
		ClockRate: audio.SampleRate,
		Channels:  audio.Channels,
	}, "audio", "voxmorph")
	if err != nil {
		return err
	}
	if _, err := s.pc.AddTrack(track); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.sendLoop(ctx, out, track)
	return nil
}

func (s *rtcSession) sendLoop(ctx context.Context, out audio.Stream, track *webrtc.TrackLocalStaticRTP) {
	var seq uint16
	var ts uint32
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := out.ReadFrame()
		if err != nil {
			if err != io.EOF {
				log.Error().Err(err).Str("module", "rtc").Msg("send loop read error")
			}
			return
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
			},
			Payload: encodeL16(frame),
		}
		if err := track.WriteRTP(pkt); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("send loop write error")
			return
		}
		seq++
		ts += uint32(len(frame))
	}
}

// remoteTrackStream adapts a remote RTP track to audio.Stream.
type remoteTrackStream struct {
	track *webrtc.TrackRemote

	mu     sync.Mutex
	closed bool
}

func (r *remoteTrackStream) ReadFrame() (audio.Frame, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, io.EOF
	}
	r.mu.Unlock()

	pkt, _, err := r.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return decodeL16(pkt.Payload), nil
}

func (r *remoteTrackStream) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// encodeL16 packs samples as 16-bit big-endian PCM per RFC 3551.
func encodeL16(frame audio.Frame) []byte {
	buf := make([]byte, len(frame)*2)
	for i, s := range frame {
		f := math.Round(float64(s) * math.MaxInt16)
		if f > math.MaxInt16 {
			f = math.MaxInt16
		} else if f < math.MinInt16 {
			f = math.MinInt16
		}
		binary.BigEndian.PutUint16(buf[i*2:], uint16(int16(f)))
	}
	return buf
}

func decodeL16(payload []byte) audio.Frame {
	frame := make(audio.Frame, len(payload)/2)
	for i := range frame {
		v := int16(binary.BigEndian.Uint16(payload[i*2:]))
		frame[i] = float32(v) / math.MaxInt16
	}
	return frame
}

type errNegotiation webrtc.PeerConnectionState

func (e errNegotiation) Error() string {
	return "peer connection " + webrtc.PeerConnectionState(e).String()
}
