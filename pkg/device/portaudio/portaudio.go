// Package portaudio provides [device.Capture] and [device.Output]
// implementations backed by the system's default audio devices via PortAudio.
package portaudio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/AppleLamps/iphone-grok/pkg/codec"
	"github.com/AppleLamps/iphone-grok/pkg/device"
)

// Compile-time interface assertions.
var (
	_ device.Capture = (*Capture)(nil)
	_ device.Output  = (*Output)(nil)
)

// initMu serialises PortAudio global init/terminate across devices. PortAudio
// keeps its own reference count, but Initialize and Terminate are not safe to
// interleave from multiple goroutines.
var initMu sync.Mutex

func initialize() error {
	initMu.Lock()
	defer initMu.Unlock()
	return portaudio.Initialize()
}

func terminate() {
	initMu.Lock()
	defer initMu.Unlock()
	if err := portaudio.Terminate(); err != nil {
		slog.Warn("portaudio terminate", "err", err)
	}
}

// Capture reads mono int16 frames from the default input device.
type Capture struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
	open   bool
}

// NewCapture creates an unopened capture device.
func NewCapture() *Capture {
	return &Capture{}
}

// Open acquires the default input device. PortAudio has no echo-cancellation,
// noise-suppression, or AGC controls, so those flags are logged and ignored.
func (c *Capture) Open(cfg device.CaptureConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return fmt.Errorf("portaudio: capture already open")
	}

	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		slog.Debug("portaudio: audio processing flags not supported by backend; ignoring",
			"echo_cancellation", cfg.EchoCancellation,
			"noise_suppression", cfg.NoiseSuppression,
			"auto_gain_control", cfg.AutoGainControl,
		)
	}

	if err := initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	c.buffer = make([]int16, cfg.FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), cfg.FrameSize, c.buffer)
	if err != nil {
		terminate()
		return fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		terminate()
		return fmt.Errorf("portaudio: start input stream: %w", err)
	}

	c.stream = stream
	c.open = true
	slog.Debug("portaudio capture opened", "rate", cfg.SampleRate, "frame_size", cfg.FrameSize)
	return nil
}

// ReadFrame blocks until one frame is captured and returns a copy.
func (c *Capture) ReadFrame() ([]int16, error) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return nil, fmt.Errorf("portaudio: capture not open")
	}
	if err := stream.Read(); err != nil {
		return nil, fmt.Errorf("portaudio: read frame: %w", err)
	}

	frame := make([]int16, len(c.buffer))
	copy(frame, c.buffer)
	return frame, nil
}

// Close stops and releases the input stream. Idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil
	}
	c.open = false

	_ = c.stream.Stop()
	_ = c.stream.Close()
	c.stream = nil
	terminate()
	return nil
}

// Output writes mono PCM16 bytes to the default output device.
type Output struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
	open   bool
}

// outputFrameSize is the per-write buffer size in samples. Small enough to
// keep Write latency low, large enough to avoid underruns.
const outputFrameSize = 512

// NewOutput creates an unopened output device.
func NewOutput() *Output {
	return &Output{}
}

// Open acquires the default output device at sampleRate.
func (o *Output) Open(sampleRate int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.open {
		return fmt.Errorf("portaudio: output already open")
	}

	if err := initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	o.buffer = make([]int16, outputFrameSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), outputFrameSize, o.buffer)
	if err != nil {
		terminate()
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		terminate()
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}

	o.stream = stream
	o.open = true
	return nil
}

// Write plays pcm, blocking until the backend has consumed it. The final
// partial buffer is zero-padded.
func (o *Output) Write(pcm []byte) error {
	samples, err := codec.PCMToInt16(pcm)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.open {
		return fmt.Errorf("portaudio: output not open")
	}

	for off := 0; off < len(samples); off += outputFrameSize {
		end := min(off+outputFrameSize, len(samples))
		n := copy(o.buffer, samples[off:end])
		for i := n; i < outputFrameSize; i++ {
			o.buffer[i] = 0
		}
		if err := o.stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close stops and releases the output stream. Idempotent.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.open {
		return nil
	}
	o.open = false

	_ = o.stream.Stop()
	_ = o.stream.Close()
	o.stream = nil
	terminate()
	return nil
}
