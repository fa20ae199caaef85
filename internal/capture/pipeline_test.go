package capture_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AppleLamps/iphone-grok/internal/capture"
	"github.com/AppleLamps/iphone-grok/pkg/codec"
	"github.com/AppleLamps/iphone-grok/pkg/device/mock"
)

// frameCollector gathers emitted frames behind a channel-based wait.
type frameCollector struct {
	mu     sync.Mutex
	frames [][]byte
	ch     chan []byte
}

func newFrameCollector() *frameCollector {
	return &frameCollector{ch: make(chan []byte, 64)}
}

func (c *frameCollector) onFrame(pcm []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, pcm)
	c.mu.Unlock()
	c.ch <- pcm
}

func (c *frameCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *frameCollector) waitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	for {
		c.mu.Lock()
		got := len(c.frames)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout: got %d of %d frames", got, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, n)
	copy(out, c.frames[:n])
	return out
}

// seqSamples returns n int16 samples counting up from start.
func seqSamples(start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(start + i)
	}
	return out
}

func TestAcquire_OpensDeviceWithProcessingFlags(t *testing.T) {
	t.Parallel()

	dev := mock.NewCapture()
	p := capture.New(dev)
	if err := p.Acquire(48000, 100); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Stop()

	cfg := dev.Config()
	if cfg.SampleRate != 48000 {
		t.Errorf("SampleRate = %d; want 48000", cfg.SampleRate)
	}
	if !cfg.EchoCancellation || !cfg.NoiseSuppression || !cfg.AutoGainControl {
		t.Errorf("processing flags = %+v; want all true", cfg)
	}
}

func TestAcquire_DeviceFailure(t *testing.T) {
	t.Parallel()

	dev := mock.NewCapture()
	dev.OpenErr = errors.New("permission denied")

	p := capture.New(dev)
	err := p.Acquire(48000, 100)

	var cerr *capture.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Acquire error = %v; want *capture.Error", err)
	}
	if cerr.Cause == "" {
		t.Error("capture.Error.Cause should carry a human-readable message")
	}
}

func TestStart_ChunksAcrossDeviceFrameBoundaries(t *testing.T) {
	t.Parallel()

	dev := mock.NewCapture()
	p := capture.New(dev)
	// 1000 Hz * 10 ms = 10 samples per chunk.
	if err := p.Acquire(1000, 10); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Stop()

	col := newFrameCollector()
	if err := p.Start(col.onFrame, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Deliver 25 samples in uneven device frames: 10+10 emitted as two
	// chunks, 5 carried; then 7 more completes a third chunk with 2 left.
	dev.Push(seqSamples(0, 7))
	dev.Push(seqSamples(7, 13))
	dev.Push(seqSamples(20, 5))
	dev.Push(seqSamples(25, 7))

	frames := col.waitFrames(t, 3)
	next := 0
	for i, pcm := range frames {
		samples, err := codec.PCMToInt16(pcm)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(samples) != 10 {
			t.Fatalf("frame %d has %d samples; want 10", i, len(samples))
		}
		for _, s := range samples {
			if int(s) != next {
				t.Fatalf("frame %d: sample = %d; want %d (dropped or duplicated sample)", i, s, next)
			}
			next++
		}
	}
}

func TestGate_SuppressesDeliveryNotCapture(t *testing.T) {
	t.Parallel()

	dev := mock.NewCapture()
	p := capture.New(dev)
	if err := p.Acquire(1000, 10); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Stop()

	var open bool
	var mu sync.Mutex
	p.SetGate(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return open
	})

	col := newFrameCollector()
	if err := p.Start(col.onFrame, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Gate closed: the chunk is consumed but never delivered.
	dev.Push(seqSamples(0, 10))
	time.Sleep(50 * time.Millisecond)
	if got := col.len(); got != 0 {
		t.Fatalf("got %d frames while gated; want 0", got)
	}

	// Gate open: delivery resumes with new audio only.
	mu.Lock()
	open = true
	mu.Unlock()
	dev.Push(seqSamples(100, 10))

	frames := col.waitFrames(t, 1)
	samples, _ := codec.PCMToInt16(frames[0])
	if samples[0] != 100 {
		t.Errorf("first delivered sample = %d; want 100 (gated audio must not be replayed)", samples[0])
	}
}

func TestStart_BeforeAcquireFails(t *testing.T) {
	t.Parallel()

	p := capture.New(mock.NewCapture())
	var cerr *capture.Error
	if err := p.Start(func([]byte) {}, nil); !errors.As(err, &cerr) {
		t.Fatalf("Start before Acquire = %v; want *capture.Error", err)
	}
}

func TestStart_Twice_Fails(t *testing.T) {
	t.Parallel()

	p := capture.New(mock.NewCapture())
	if err := p.Acquire(1000, 10); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Stop()

	if err := p.Start(func([]byte) {}, nil); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := p.Start(func([]byte) {}, nil); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestAcquire_AfterStopRefused(t *testing.T) {
	t.Parallel()

	dev := mock.NewCapture()
	p := capture.New(dev)

	// Stop can win a race against call setup; a later Acquire must not
	// reopen the device with nothing left to close it.
	p.Stop()

	var cerr *capture.Error
	if err := p.Acquire(24000, 100); !errors.As(err, &cerr) {
		t.Fatalf("Acquire after Stop = %v; want *capture.Error", err)
	}
	if dev.Opened() {
		t.Error("device opened by a stopped pipeline")
	}

	p.Stop()
	if dev.Opened() {
		t.Error("microphone left open after final Stop")
	}
}

func TestReadFailure_ReportedToOwner(t *testing.T) {
	t.Parallel()

	dev := mock.NewCapture()
	p := capture.New(dev)
	if err := p.Acquire(1000, 10); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Stop()

	errs := make(chan error, 1)
	if err := p.Start(func([]byte) {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.Fail(errors.New("stream overflowed"))

	select {
	case err := <-errs:
		var cerr *capture.Error
		if !errors.As(err, &cerr) {
			t.Fatalf("reported error = %v; want *capture.Error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the read failure to be reported")
	}
}

func TestStop_DoesNotReportError(t *testing.T) {
	t.Parallel()

	dev := mock.NewCapture()
	p := capture.New(dev)
	if err := p.Acquire(1000, 10); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	errs := make(chan error, 1)
	if err := p.Start(func([]byte) {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.Stop()

	select {
	case err := <-errs:
		t.Fatalf("Stop reported %v as a capture failure", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStop_Idempotent_AndSafeWithoutStart(t *testing.T) {
	t.Parallel()

	dev := mock.NewCapture()
	p := capture.New(dev)

	// Stop before anything else must not panic.
	p.Stop()
	p.Stop()

	if !dev.Closed() {
		t.Error("Stop should close the device even without Acquire/Start")
	}
}

func TestStop_ReleasesDeviceAndEndsLoop(t *testing.T) {
	t.Parallel()

	dev := mock.NewCapture()
	p := capture.New(dev)
	if err := p.Acquire(1000, 10); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.Start(func([]byte) {}, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.Stop()
	if !dev.Closed() {
		t.Error("device should be closed after Stop")
	}
	p.Stop() // idempotent
}
