// Package audio turns a raw microphone stream into a processed stream by
// pulling frames through an effect chain, and owns the lifecycle of both.
package audio

// Defaults for the processing context. One channel at 44.1 kHz by design.
const (
	SampleRate = 44100
	Channels   = 1
	FrameSize  = 4096
)

// Frame is one buffer of mono PCM samples in [-1, 1].
type Frame []float32

// Stream is a pull-based audio source. ReadFrame blocks until a frame is
// available and returns io.EOF when the source is exhausted or closed.
type Stream interface {
	ReadFrame() (Frame, error)
	Close() error
}
