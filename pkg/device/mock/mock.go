// Package mock provides in-memory [device.Capture] and [device.Output]
// implementations for tests. The capture side replays frames pushed by the
// test; the output side records every write.
package mock

import (
	"errors"
	"sync"

	"github.com/AppleLamps/iphone-grok/pkg/device"
)

// Compile-time interface assertions.
var (
	_ device.Capture = (*Capture)(nil)
	_ device.Output  = (*Output)(nil)
)

// ErrClosed is returned by ReadFrame and Write after Close.
var ErrClosed = errors.New("mock device: closed")

// Capture is a scripted [device.Capture]. Frames pushed via [Capture.Push]
// are returned by ReadFrame in order; ReadFrame blocks until a frame is
// available or the device is closed.
type Capture struct {
	// OpenErr, when non-nil, is returned by Open to simulate an unavailable
	// or denied microphone.
	OpenErr error

	mu      sync.Mutex
	cfg     device.CaptureConfig
	opened  bool
	closed  bool
	readErr error
	frames  chan []int16
}

// NewCapture creates a mock capture device with room for buffered frames.
func NewCapture() *Capture {
	return &Capture{frames: make(chan []int16, 64)}
}

// Open records cfg and marks the device as acquired.
func (c *Capture) Open(cfg device.CaptureConfig) error {
	if c.OpenErr != nil {
		return c.OpenErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.opened = true
	return nil
}

// Push queues a frame for a future ReadFrame call.
func (c *Capture) Push(frame []int16) {
	c.frames <- frame
}

// Fail makes every subsequent ReadFrame return err, simulating a device
// failure mid-capture. A blocked ReadFrame is woken up.
func (c *Capture) Fail(err error) {
	c.mu.Lock()
	c.readErr = err
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.frames <- nil:
	default:
	}
}

// ReadFrame returns the next pushed frame, blocking until one arrives or the
// device is closed or failed.
func (c *Capture) ReadFrame() ([]int16, error) {
	frame, ok := <-c.frames
	c.mu.Lock()
	readErr := c.readErr
	c.mu.Unlock()
	if readErr != nil {
		return nil, readErr
	}
	if !ok {
		return nil, ErrClosed
	}
	return frame, nil
}

// Close marks the device released and unblocks pending ReadFrame calls.
// Idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.frames)
	return nil
}

// Opened reports whether Open succeeded.
func (c *Capture) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Closed reports whether Close was called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Config returns the configuration passed to Open.
func (c *Capture) Config() device.CaptureConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Output is a recording [device.Output]. Every Write is appended to an
// in-memory log the test can inspect via [Output.Writes].
type Output struct {
	mu         sync.Mutex
	sampleRate int
	writes     [][]byte
	closed     bool
}

// NewOutput creates a mock output device.
func NewOutput() *Output {
	return &Output{}
}

// Open records the sample rate.
func (o *Output) Open(sampleRate int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sampleRate = sampleRate
	return nil
}

// Write records a copy of pcm.
func (o *Output) Write(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	o.writes = append(o.writes, cp)
	return nil
}

// Close marks the device released. Idempotent.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Writes returns a snapshot of all recorded writes in order.
func (o *Output) Writes() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.writes))
	copy(out, o.writes)
	return out
}

// Closed reports whether Close was called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
