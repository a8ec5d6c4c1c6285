package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

var (
	// ErrNoInputDevice means no microphone is attached. Fatal to
	// initialization; surfaced to the user, never retried automatically.
	ErrNoInputDevice = errors.New("no audio input device available")
	// ErrPermissionDenied means the user declined microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// StreamAcquisitionError reports a device that exists but could not be
// opened, after the one automatic constraint fallback already failed.
type StreamAcquisitionError struct {
	DeviceID string
	Err      error
}

func (e *StreamAcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire stream from device %q: %v", e.DeviceID, e.Err)
}

func (e *StreamAcquisitionError) Unwrap() error { return e.Err }

// Device describes one audio input.
type Device struct {
	ID    string
	Label string
}

// Constraints mirrors the capture options the reference client requests.
// The zero value means "minimal constraints": any device, any settings.
type Constraints struct {
	DeviceID         string
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints is what acquisition tries first before falling back.
func DefaultConstraints(deviceID string) Constraints {
	return Constraints{
		DeviceID:         deviceID,
		SampleRate:       SampleRate,
		Channels:         Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Capture is the external audio-capture capability. Implementations own the
// OS device handles; the pipeline only consumes streams.
type Capture interface {
	EnumerateInputDevices() ([]Device, error)
	AcquireStream(c Constraints) (Stream, error)
}

// SyntheticCapture is a capture backend that synthesizes a sine tone. It
// stands in for a microphone in tests and in the demo client.
type SyntheticCapture struct {
	Devices []Device
	// Freq of the generated tone in Hz. Zero produces silence.
	Freq float64
}

func NewSyntheticCapture() *SyntheticCapture {
	return &SyntheticCapture{
		Devices: []Device{{ID: "synthetic-0", Label: "Synthetic Input"}},
		Freq:    440,
	}
}

func (s *SyntheticCapture) EnumerateInputDevices() ([]Device, error) {
	return s.Devices, nil
}

func (s *SyntheticCapture) AcquireStream(c Constraints) (Stream, error) {
	if len(s.Devices) == 0 {
		return nil, ErrNoInputDevice
	}
	if c.DeviceID != "" {
		found := false
		for _, d := range s.Devices {
			if d.ID == c.DeviceID {
				found = true
				break
			}
		}
		if !found {
			return nil, &StreamAcquisitionError{DeviceID: c.DeviceID, Err: errors.New("unknown device")}
		}
	}
	rate := c.SampleRate
	if rate == 0 {
		rate = SampleRate
	}
	return &toneStream{freq: s.Freq, rate: rate}, nil
}

type toneStream struct {
	mu     sync.Mutex
	freq   float64
	rate   int
	phase  float64
	closed bool
}

func (t *toneStream) ReadFrame() (Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, io.EOF
	}
	frame := make(Frame, FrameSize)
	if t.freq == 0 {
		return frame, nil
	}
	step := 2 * math.Pi * t.freq / float64(t.rate)
	for i := range frame {
		frame[i] = float32(0.5 * math.Sin(t.phase))
		t.phase += step
	}
	return frame, nil
}

func (t *toneStream) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
