package audio

import (
	"io"
	"sync"

	"github.com/voxmorph/voxmorph/internal/domain"
)

// Node is one stage of the effect chain. Dispose must be idempotent.
type Node interface {
	Process(Frame) Frame
	Dispose()
}

type EqualizerNode interface {
	Node
	SetBands(domain.EQBands)
}

type PitchShiftNode interface {
	Node
	// SetRatio sets the playback ratio: 0.8 lowers, 1.2 raises.
	SetRatio(float64)
}

type CompressorNode interface {
	Node
	// SetGain sets the preset's linear gain, applied ahead of compression.
	SetGain(float64)
}

type LimiterNode interface {
	Node
	// SetCeiling sets the output ceiling in dB (negative).
	SetCeiling(float64)
}

// NodeFactory is the external effect-chain primitive capability. The chain
// never constructs nodes itself.
type NodeFactory interface {
	NewEqualizer() EqualizerNode
	NewPitchShift() PitchShiftNode
	NewCompressor() CompressorNode
	NewLimiter() LimiterNode
}

// Chain is the ordered signal graph equalizer → pitch shift → compressor →
// limiter, tapped as a Stream at its output. It owns its nodes exclusively:
// disposal walks the arena exactly once, guarded by a disposed flag.
type Chain struct {
	mu     sync.Mutex
	source Stream

	eq    EqualizerNode
	pitch PitchShiftNode
	comp  CompressorNode
	lim   LimiterNode
	arena []Node

	disposed bool
}

func newChain(f NodeFactory, source Stream) *Chain {
	c := &Chain{
		source: source,
		eq:     f.NewEqualizer(),
		pitch:  f.NewPitchShift(),
		comp:   f.NewCompressor(),
		lim:    f.NewLimiter(),
	}
	c.arena = []Node{c.eq, c.pitch, c.comp, c.lim}
	return c
}

// Apply pushes preset parameters into the live nodes. No graph rebuild, so
// switching effects mid-call does not interrupt the stream.
func (c *Chain) Apply(s domain.EffectSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.eq.SetBands(s.EQ)
	c.pitch.SetRatio(s.PitchRatio)
	c.comp.SetGain(s.Gain)
	c.lim.SetCeiling(-1)
}

// ReadFrame pulls one frame from the source through every node in order.
func (c *Chain) ReadFrame() (Frame, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, io.EOF
	}
	source := c.source
	nodes := c.arena
	c.mu.Unlock()

	frame, err := source.ReadFrame()
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		frame = n.Process(frame)
	}
	return frame, nil
}

func (c *Chain) Close() error {
	c.Dispose()
	return nil
}

// Dispose releases every node once and detaches the source. The source
// stream itself belongs to the pipeline and stays open. Safe to call
// repeatedly; a disposed chain reads as EOF.
func (c *Chain) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	arena := c.arena
	c.source = nil
	c.mu.Unlock()

	for _, n := range arena {
		n.Dispose()
	}
}
