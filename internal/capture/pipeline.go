// Package capture turns a live microphone signal into a steady stream of
// fixed-duration PCM16 frames.
//
// The pipeline accumulates whatever the device delivers and emits exactly
// samplesPerChunk samples per frame, carrying any remainder into the next
// emission — no sample is dropped or duplicated across chunk boundaries.
// While the session is muted (or the handshake has not completed) capture
// continues but frame delivery is suppressed, keeping device state stable.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AppleLamps/iphone-grok/pkg/codec"
	"github.com/AppleLamps/iphone-grok/pkg/device"
)

// deviceFrameMs is the duration of a single device read. Smaller reads bound
// capture latency; chunking to the negotiated cadence happens in the
// accumulator.
const deviceFrameMs = 10

// Error reports a microphone acquisition or capture failure. It is fatal to
// the call attempt.
type Error struct {
	// Cause is a human-readable description surfaced to the user.
	Cause string

	// Err is the underlying device error.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture: %s: %v", e.Cause, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FrameFunc receives one fixed-duration frame of little-endian mono PCM16.
type FrameFunc func(pcm []byte)

// ErrorFunc receives the fatal [*Error] that ended frame delivery. It is not
// invoked when delivery ends because of [Pipeline.Stop].
type ErrorFunc func(err error)

// Pipeline owns a [device.Capture] for the lifetime of one call attempt.
//
// The zero lifecycle is Acquire → Start → Stop. Stop is idempotent and safe
// to call at any point, including before Acquire succeeded.
type Pipeline struct {
	dev device.Capture

	mu              sync.Mutex
	gate            func() bool
	samplesPerChunk int
	acquired        bool
	started         bool
	stopped         bool

	wg sync.WaitGroup
}

// New creates a pipeline around dev. The device is not touched until
// [Pipeline.Acquire].
func New(dev device.Capture) *Pipeline {
	return &Pipeline{dev: dev}
}

// SetGate installs the delivery gate. Frames are handed to the sink only
// while gate returns true; the gate is consulted per frame so the caller's
// current mute state always wins. A nil gate delivers everything.
func (p *Pipeline) SetGate(gate func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = gate
}

// Acquire opens the microphone at sampleRate, requesting echo cancellation,
// noise suppression, and automatic gain control, and fixes the chunk cadence
// to chunkMs. Returns a [*Error] when the device is unavailable.
func (p *Pipeline) Acquire(sampleRate, chunkMs int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		// Stop won a race against setup; refusing here keeps the device
		// closed instead of opening it with nothing left to close it.
		return &Error{Cause: "capture already stopped", Err: errors.New("acquire after stop")}
	}
	if p.acquired {
		return &Error{Cause: "microphone already acquired", Err: errors.New("duplicate acquire")}
	}
	if sampleRate <= 0 || chunkMs <= 0 {
		return &Error{Cause: "invalid capture parameters", Err: fmt.Errorf("sampleRate=%d chunkMs=%d", sampleRate, chunkMs)}
	}

	p.samplesPerChunk = (sampleRate*chunkMs + 500) / 1000

	frameSize := sampleRate * deviceFrameMs / 1000
	if frameSize < 1 {
		frameSize = 1
	}

	err := p.dev.Open(device.CaptureConfig{
		SampleRate:       sampleRate,
		FrameSize:        frameSize,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		return &Error{Cause: "microphone unavailable", Err: err}
	}

	p.acquired = true
	return nil
}

// Start begins reading from the device and delivering accumulated frames to
// onFrame. A mid-capture device failure is reported through onErr (nil to
// ignore) so the owner can end the call instead of running on with a dead
// microphone. Start may be called at most once per pipeline and only after a
// successful Acquire.
func (p *Pipeline) Start(onFrame FrameFunc, onErr ErrorFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.acquired {
		return &Error{Cause: "microphone not acquired", Err: errors.New("start before acquire")}
	}
	if p.started {
		return &Error{Cause: "capture already running", Err: errors.New("duplicate start")}
	}
	if p.stopped {
		return &Error{Cause: "capture already stopped", Err: errors.New("start after stop")}
	}
	p.started = true

	p.wg.Add(1)
	go p.loop(onFrame, onErr, p.samplesPerChunk)
	return nil
}

// Stop releases the microphone and waits for the read loop to exit.
// Idempotent; safe to call even when Acquire or Start never ran.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	// Closing the device unblocks a pending ReadFrame in the loop.
	if err := p.dev.Close(); err != nil {
		slog.Warn("capture device close", "err", err)
	}
	p.wg.Wait()
}

// loop reads device frames, accumulates samples, and emits one chunk per
// samplesPerChunk accumulated, retaining the remainder.
func (p *Pipeline) loop(onFrame FrameFunc, onErr ErrorFunc, samplesPerChunk int) {
	defer p.wg.Done()

	buf := make([]int16, 0, samplesPerChunk*2)
	for {
		frame, err := p.dev.ReadFrame()
		if err != nil {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if !stopped {
				slog.Warn("capture read failed; stopping frame delivery", "err", err)
				if onErr != nil {
					// On its own goroutine: the handler will typically call
					// Stop, which waits for this loop to exit.
					go onErr(&Error{Cause: "microphone read failed", Err: err})
				}
			}
			return
		}

		buf = append(buf, frame...)
		for len(buf) >= samplesPerChunk {
			chunk := buf[:samplesPerChunk]

			p.mu.Lock()
			gate := p.gate
			p.mu.Unlock()

			if gate == nil || gate() {
				onFrame(codec.Int16ToPCM(chunk))
			}

			// Carry the remainder into a fresh backing array so emitted
			// chunks are never aliased by later appends.
			rest := make([]int16, len(buf)-samplesPerChunk, samplesPerChunk*2)
			copy(rest, buf[samplesPerChunk:])
			buf = rest
		}
	}
}
