package audio

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxmorph/voxmorph/internal/domain"
)

// PipelineState is the pipeline lifecycle: Uninitialized → Ready → Disposed.
type PipelineState int

const (
	StateUninitialized PipelineState = iota
	StateReady
	StateDisposed
)

func (s PipelineState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return "uninitialized"
	}
}

var (
	ErrPipelineDisposed = errors.New("audio pipeline disposed")
	ErrNoSourceStream   = errors.New("no source stream")
)

// Pipeline owns the capture device handle and the effect chain. Exactly one
// pipeline instance holds these at a time; replacing or tearing it down goes
// through Dispose.
type Pipeline struct {
	capture Capture
	nodes   NodeFactory

	mu       sync.Mutex
	state    PipelineState
	deviceID string
	raw      Stream
	chain    *Chain
	effect   domain.Effect
}

func NewPipeline(capture Capture, nodes NodeFactory) *Pipeline {
	return &Pipeline{capture: capture, nodes: nodes, effect: domain.EffectNormal}
}

// Initialize claims the processing context. Idempotent while Ready; fails
// with ErrNoInputDevice when no microphone exists.
func (p *Pipeline) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initializeLocked()
}

func (p *Pipeline) initializeLocked() error {
	switch p.state {
	case StateReady:
		return nil
	case StateDisposed:
		return ErrPipelineDisposed
	}

	devices, err := p.capture.EnumerateInputDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return ErrNoInputDevice
	}
	p.deviceID = devices[0].ID
	p.state = StateReady
	log.Info().Str("module", "audio").
		Str("device", p.deviceID).
		Int("sample_rate", SampleRate).
		Int("channels", Channels).
		Msg("pipeline initialized")
	return nil
}

// AcquireInput opens the microphone stream, initializing lazily. A failure
// with full constraints falls back once to minimal constraints before
// surfacing a StreamAcquisitionError.
func (p *Pipeline) AcquireInput() (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.initializeLocked(); err != nil {
		return nil, err
	}
	if p.raw != nil {
		return p.raw, nil
	}

	raw, err := p.capture.AcquireStream(DefaultConstraints(p.deviceID))
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		log.Warn().Err(err).Str("module", "audio").Msg("full constraints failed, retrying minimal")
		raw, err = p.capture.AcquireStream(Constraints{})
		if err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				return nil, err
			}
			return nil, &StreamAcquisitionError{DeviceID: p.deviceID, Err: err}
		}
	}
	p.raw = raw
	return raw, nil
}

// SetupChain builds the signal graph over raw and returns the processed
// stream tapped at its output. An existing chain is disposed first so
// audio-graph resources never leak across stream switches; overlapping
// builds resolve to the last installed chain, the loser disposed. If the
// pipeline was disposed while the build was in flight, the fresh chain is
// torn down immediately and ErrPipelineDisposed returned.
func (p *Pipeline) SetupChain(raw Stream) (Stream, error) {
	if raw == nil {
		return nil, ErrNoSourceStream
	}

	p.mu.Lock()
	if err := p.initializeLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	old := p.chain
	p.chain = nil
	effect := p.effect
	p.mu.Unlock()

	if old != nil {
		old.Dispose()
	}

	chain := newChain(p.nodes, raw)
	chain.Apply(effect.Settings())

	p.mu.Lock()
	if p.state == StateDisposed {
		p.mu.Unlock()
		chain.Dispose()
		return nil, ErrPipelineDisposed
	}
	prev := p.chain
	p.chain = chain
	p.mu.Unlock()

	if prev != nil {
		prev.Dispose()
	}

	log.Info().Str("module", "audio").Str("effect", effect.String()).Msg("chain built")
	return chain, nil
}

// ApplyEffect selects a preset and pushes its parameters into the live
// chain in place. Unknown names were already folded to normal by
// domain.ParseEffect; there is no rebuild and no dropout.
func (p *Pipeline) ApplyEffect(e domain.Effect) {
	p.mu.Lock()
	p.effect = e
	chain := p.chain
	p.mu.Unlock()

	if chain != nil {
		chain.Apply(e.Settings())
	}
	log.Info().Str("module", "audio").Str("effect", e.String()).Msg("effect applied")
}

// Effect returns the currently selected preset.
func (p *Pipeline) Effect() domain.Effect {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effect
}

// State reports the lifecycle state.
func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// HandleDeviceChange re-enumerates inputs and restarts the raw stream on the
// new default device if one was active.
func (p *Pipeline) HandleDeviceChange() error {
	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return nil
	}
	raw := p.raw
	p.raw = nil
	p.mu.Unlock()

	if raw == nil {
		return nil
	}
	_ = raw.Close()

	p.mu.Lock()
	devices, err := p.capture.EnumerateInputDevices()
	if err == nil && len(devices) > 0 {
		p.deviceID = devices[0].ID
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return ErrNoInputDevice
	}
	_, err = p.AcquireInput()
	return err
}

// Dispose releases the chain, the raw stream, and the processing context.
// Subsequent calls no-op; a SetupChain racing with Dispose resolves to a
// disposed chain either way.
func (p *Pipeline) Dispose() {
	p.mu.Lock()
	if p.state == StateDisposed {
		p.mu.Unlock()
		return
	}
	p.state = StateDisposed
	chain := p.chain
	raw := p.raw
	p.chain = nil
	p.raw = nil
	p.mu.Unlock()

	if chain != nil {
		chain.Dispose()
	}
	if raw != nil {
		_ = raw.Close()
	}
	log.Info().Str("module", "audio").Msg("pipeline disposed")
}
