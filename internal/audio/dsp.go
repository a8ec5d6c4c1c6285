package audio

import (
	"math"
	"sync"

	"github.com/voxmorph/voxmorph/internal/domain"
)

// Built-in DSP nodes. These keep the chain executable without an external
// DSP backend; parameters are clamped on set and processing is stateless
// across frames, so a given preset always produces the same output for the
// same input.

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// DSPFactory builds the built-in nodes.
type DSPFactory struct{}

func (DSPFactory) NewEqualizer() EqualizerNode   { return &equalizer{} }
func (DSPFactory) NewPitchShift() PitchShiftNode { return &pitchShifter{ratio: 1} }
func (DSPFactory) NewCompressor() CompressorNode { return &compressor{gain: 1} }
func (DSPFactory) NewLimiter() LimiterNode       { return &limiter{ceilingDB: -1} }

type nodeState struct {
	mu       sync.Mutex
	disposed bool
}

func (n *nodeState) Dispose() {
	n.mu.Lock()
	n.disposed = true
	n.mu.Unlock()
}

// equalizer approximates a three-band shelf with first-order low/high-pass
// splits recomputed per frame, so band gains take effect without carrying
// state between frames.
type equalizer struct {
	nodeState
	bands domain.EQBands
}

func (e *equalizer) SetBands(b domain.EQBands) {
	e.mu.Lock()
	e.bands.Low = clamp(b.Low, -24, 24)
	e.bands.Mid = clamp(b.Mid, -24, 24)
	e.bands.High = clamp(b.High, -24, 24)
	e.mu.Unlock()
}

func (e *equalizer) Bands() domain.EQBands {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bands
}

func (e *equalizer) Process(in Frame) Frame {
	e.mu.Lock()
	b := e.bands
	disposed := e.disposed
	e.mu.Unlock()
	if disposed || (b.Low == 0 && b.Mid == 0 && b.High == 0) {
		return in
	}

	lowG := float32(dbToLinear(b.Low))
	midG := float32(dbToLinear(b.Mid))
	highG := float32(dbToLinear(b.High))

	// Split with one-pole filters at 400 Hz and 2.5 kHz, matching the
	// reference chain's crossover points.
	const aLow = float32(2 * math.Pi * 400 / SampleRate)
	const aHigh = float32(2 * math.Pi * 2500 / SampleRate)

	out := make(Frame, len(in))
	var low, band float32
	for i, s := range in {
		low += aLow * (s - low)
		band += aHigh * (s - band)
		mid := band - low
		high := s - band
		out[i] = low*lowG + mid*midG + high*highG
	}
	return out
}

// pitchShifter resamples each frame by the playback ratio with linear
// interpolation, then stretches the result back to the frame length. Crude
// next to a phase vocoder but deterministic and dependency-free.
type pitchShifter struct {
	nodeState
	ratio float64
}

func (p *pitchShifter) SetRatio(r float64) {
	p.mu.Lock()
	p.ratio = clamp(r, 0.25, 4)
	p.mu.Unlock()
}

func (p *pitchShifter) Ratio() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ratio
}

func (p *pitchShifter) Process(in Frame) Frame {
	p.mu.Lock()
	ratio := p.ratio
	disposed := p.disposed
	p.mu.Unlock()
	if disposed || ratio == 1 || len(in) == 0 {
		return in
	}

	out := make(Frame, len(in))
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}

// compressor applies the preset gain, then squashes everything above the
// fixed -24 dB threshold at 12:1, the reference chain's settings.
type compressor struct {
	nodeState
	gain float64
}

const (
	compThresholdDB = -24
	compRatio       = 12
)

func (c *compressor) SetGain(g float64) {
	c.mu.Lock()
	c.gain = clamp(g, 0, 4)
	c.mu.Unlock()
}

func (c *compressor) Gain() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain
}

func (c *compressor) Process(in Frame) Frame {
	c.mu.Lock()
	gain := float32(c.gain)
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return in
	}

	thr := float32(dbToLinear(compThresholdDB))
	out := make(Frame, len(in))
	for i, s := range in {
		v := s * gain
		switch {
		case v > thr:
			v = thr + (v-thr)/compRatio
		case v < -thr:
			v = -thr + (v+thr)/compRatio
		}
		out[i] = v
	}
	return out
}

// limiter hard-clips at the ceiling.
type limiter struct {
	nodeState
	ceilingDB float64
}

func (l *limiter) SetCeiling(db float64) {
	l.mu.Lock()
	l.ceilingDB = clamp(db, -24, 0)
	l.mu.Unlock()
}

func (l *limiter) Process(in Frame) Frame {
	l.mu.Lock()
	ceiling := float32(dbToLinear(l.ceilingDB))
	disposed := l.disposed
	l.mu.Unlock()
	if disposed {
		return in
	}

	out := make(Frame, len(in))
	for i, s := range in {
		if s > ceiling {
			s = ceiling
		} else if s < -ceiling {
			s = -ceiling
		}
		out[i] = s
	}
	return out
}
