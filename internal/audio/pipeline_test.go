package audio

import (
	"errors"
	"sync"
	"testing"

	"github.com/voxmorph/voxmorph/internal/domain"
)

// fakeCapture scripts device enumeration and stream acquisition.
type fakeCapture struct {
	devices []Device

	acquired []Constraints
	fail     map[int]error // by acquisition attempt index
}

func (f *fakeCapture) EnumerateInputDevices() ([]Device, error) {
	return f.devices, nil
}

func (f *fakeCapture) AcquireStream(c Constraints) (Stream, error) {
	idx := len(f.acquired)
	f.acquired = append(f.acquired, c)
	if err, ok := f.fail[idx]; ok {
		return nil, err
	}
	return &constStream{frame: testFrame()}, nil
}

func TestInitializeNoDevice(t *testing.T) {
	p := NewPipeline(&fakeCapture{}, DSPFactory{})
	if err := p.Initialize(); err != ErrNoInputDevice {
		t.Errorf("Initialize err = %v, want ErrNoInputDevice", err)
	}
	if p.State() != StateUninitialized {
		t.Errorf("State = %v, want uninitialized", p.State())
	}
}

func TestInitializeIdempotent(t *testing.T) {
	p := NewPipeline(&fakeCapture{devices: []Device{{ID: "mic-0"}}}, DSPFactory{})
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := p.Initialize(); err != nil {
		t.Errorf("second Initialize failed: %v", err)
	}
	if p.State() != StateReady {
		t.Errorf("State = %v, want ready", p.State())
	}
}

func TestAcquireInputConstraintFallback(t *testing.T) {
	cap := &fakeCapture{
		devices: []Device{{ID: "mic-0"}},
		fail:    map[int]error{0: errors.New("constraints not satisfiable")},
	}
	p := NewPipeline(cap, DSPFactory{})

	raw, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("AcquireInput failed: %v", err)
	}
	if raw == nil {
		t.Fatal("AcquireInput returned nil stream")
	}

	if len(cap.acquired) != 2 {
		t.Fatalf("acquisition attempts = %d, want 2", len(cap.acquired))
	}
	if cap.acquired[0].DeviceID != "mic-0" || !cap.acquired[0].EchoCancellation {
		t.Errorf("first attempt should use full constraints, got %+v", cap.acquired[0])
	}
	if cap.acquired[1] != (Constraints{}) {
		t.Errorf("fallback should use minimal constraints, got %+v", cap.acquired[1])
	}
}

func TestAcquireInputPermissionDenied(t *testing.T) {
	cap := &fakeCapture{
		devices: []Device{{ID: "mic-0"}},
		fail:    map[int]error{0: ErrPermissionDenied},
	}
	p := NewPipeline(cap, DSPFactory{})

	_, err := p.AcquireInput()
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
	if len(cap.acquired) != 1 {
		t.Errorf("permission denial must not trigger fallback, attempts = %d", len(cap.acquired))
	}
}

func TestAcquireInputBothAttemptsFail(t *testing.T) {
	cap := &fakeCapture{
		devices: []Device{{ID: "mic-0"}},
		fail: map[int]error{
			0: errors.New("busy"),
			1: errors.New("still busy"),
		},
	}
	p := NewPipeline(cap, DSPFactory{})

	_, err := p.AcquireInput()
	var acq *StreamAcquisitionError
	if !errors.As(err, &acq) {
		t.Fatalf("err = %v, want StreamAcquisitionError", err)
	}
	if acq.DeviceID != "mic-0" {
		t.Errorf("DeviceID = %q, want mic-0", acq.DeviceID)
	}
}

func TestAcquireInputCachesStream(t *testing.T) {
	cap := &fakeCapture{devices: []Device{{ID: "mic-0"}}}
	p := NewPipeline(cap, DSPFactory{})

	first, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("AcquireInput failed: %v", err)
	}
	second, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("second AcquireInput failed: %v", err)
	}
	if first != second {
		t.Error("AcquireInput should return the cached stream")
	}
	if len(cap.acquired) != 1 {
		t.Errorf("acquisition attempts = %d, want 1", len(cap.acquired))
	}
}

func TestSetupChainAfterDispose(t *testing.T) {
	p := NewPipeline(&fakeCapture{devices: []Device{{ID: "mic-0"}}}, DSPFactory{})
	raw, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("AcquireInput failed: %v", err)
	}
	p.Dispose()

	if _, err := p.SetupChain(raw); err != ErrPipelineDisposed {
		t.Errorf("SetupChain err = %v, want ErrPipelineDisposed", err)
	}
}

func TestDisposeIdempotent(t *testing.T) {
	p := NewPipeline(&fakeCapture{devices: []Device{{ID: "mic-0"}}}, DSPFactory{})
	raw, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("AcquireInput failed: %v", err)
	}
	if _, err := p.SetupChain(raw); err != nil {
		t.Fatalf("SetupChain failed: %v", err)
	}

	p.Dispose()
	p.Dispose()
	if p.State() != StateDisposed {
		t.Errorf("State = %v, want disposed", p.State())
	}
	if err := p.Initialize(); err != ErrPipelineDisposed {
		t.Errorf("Initialize after dispose err = %v, want ErrPipelineDisposed", err)
	}
}

func TestApplyEffectBeforeChainIsRemembered(t *testing.T) {
	p := NewPipeline(&fakeCapture{devices: []Device{{ID: "mic-0"}}}, DSPFactory{})
	p.ApplyEffect(domain.EffectChild)

	raw, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("AcquireInput failed: %v", err)
	}
	out, err := p.SetupChain(raw)
	if err != nil {
		t.Fatalf("SetupChain failed: %v", err)
	}

	chain := out.(*Chain)
	if r := chain.pitch.(*pitchShifter).Ratio(); r != 1.5 {
		t.Errorf("pitch ratio = %v, want 1.5 (child preset)", r)
	}
	if p.Effect() != domain.EffectChild {
		t.Errorf("Effect = %v, want child", p.Effect())
	}
}

func TestSetupChainNilSource(t *testing.T) {
	p := NewPipeline(&fakeCapture{devices: []Device{{ID: "mic-0"}}}, DSPFactory{})
	if _, err := p.SetupChain(nil); err != ErrNoSourceStream {
		t.Errorf("SetupChain(nil) err = %v, want ErrNoSourceStream", err)
	}
}

// countedNode tracks disposals under a lock so concurrent builds can be
// audited for leaks.
type countedNode struct {
	mu       sync.Mutex
	disposed int
}

func (n *countedNode) Process(f Frame) Frame { return f }

func (n *countedNode) Dispose() {
	n.mu.Lock()
	n.disposed++
	n.mu.Unlock()
}

func (n *countedNode) disposals() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disposed
}

type countedEq struct{ countedNode }

func (*countedEq) SetBands(domain.EQBands) {}

type countedPitch struct{ countedNode }

func (*countedPitch) SetRatio(float64) {}

type countedComp struct{ countedNode }

func (*countedComp) SetGain(float64) {}

type countedLim struct{ countedNode }

func (*countedLim) SetCeiling(float64) {}

type countingFactory struct {
	mu    sync.Mutex
	nodes []*countedNode
}

func (f *countingFactory) track(n *countedNode) {
	f.mu.Lock()
	f.nodes = append(f.nodes, n)
	f.mu.Unlock()
}

func (f *countingFactory) NewEqualizer() EqualizerNode {
	n := &countedEq{}
	f.track(&n.countedNode)
	return n
}

func (f *countingFactory) NewPitchShift() PitchShiftNode {
	n := &countedPitch{}
	f.track(&n.countedNode)
	return n
}

func (f *countingFactory) NewCompressor() CompressorNode {
	n := &countedComp{}
	f.track(&n.countedNode)
	return n
}

func (f *countingFactory) NewLimiter() LimiterNode {
	n := &countedLim{}
	f.track(&n.countedNode)
	return n
}

func TestConcurrentSetupChainLeaksNoNodes(t *testing.T) {
	factory := &countingFactory{}
	p := NewPipeline(&fakeCapture{devices: []Device{{ID: "mic-0"}}}, factory)

	raw, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("AcquireInput failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.SetupChain(raw); err != nil {
				t.Errorf("SetupChain failed: %v", err)
			}
		}()
	}
	wg.Wait()
	p.Dispose()

	for i, n := range factory.nodes {
		if got := n.disposals(); got != 1 {
			t.Errorf("node %d disposed %d times, want 1", i, got)
		}
	}
}

func TestHandleDeviceChangeRestartsStream(t *testing.T) {
	cap := &fakeCapture{devices: []Device{{ID: "mic-0"}}}
	p := NewPipeline(cap, DSPFactory{})

	first, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("AcquireInput failed: %v", err)
	}

	cap.devices = []Device{{ID: "mic-1"}}
	if err := p.HandleDeviceChange(); err != nil {
		t.Fatalf("HandleDeviceChange failed: %v", err)
	}

	second, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("AcquireInput after device change failed: %v", err)
	}
	if first == second {
		t.Error("device change should produce a fresh stream")
	}
	if got := cap.acquired[len(cap.acquired)-1].DeviceID; got != "mic-1" {
		t.Errorf("reacquired DeviceID = %q, want mic-1", got)
	}

	// No active stream means nothing to restart.
	idle := NewPipeline(&fakeCapture{devices: []Device{{ID: "mic-0"}}}, DSPFactory{})
	if err := idle.HandleDeviceChange(); err != nil {
		t.Errorf("HandleDeviceChange on idle pipeline err = %v", err)
	}
}

func TestSetupChainReplacesOldChain(t *testing.T) {
	p := NewPipeline(&fakeCapture{devices: []Device{{ID: "mic-0"}}}, DSPFactory{})
	raw, err := p.AcquireInput()
	if err != nil {
		t.Fatalf("AcquireInput failed: %v", err)
	}

	first, err := p.SetupChain(raw)
	if err != nil {
		t.Fatalf("first SetupChain failed: %v", err)
	}
	if _, err := p.SetupChain(raw); err != nil {
		t.Fatalf("second SetupChain failed: %v", err)
	}

	// The replaced chain reads as EOF; the raw source stays usable.
	if _, err := first.ReadFrame(); err == nil {
		t.Error("replaced chain should be disposed")
	}
	if _, err := raw.ReadFrame(); err != nil {
		t.Errorf("raw stream should survive chain replacement: %v", err)
	}
}
