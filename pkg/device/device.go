// Package device defines the audio hardware abstractions used by the call
// pipelines.
//
// The two primary abstractions are:
//
//   - [Capture] — an exclusive handle on a microphone that delivers raw
//     int16 PCM frames on demand.
//   - [Output] — an exclusive handle on a speaker that accepts raw PCM16
//     bytes for immediate playback.
//
// Concrete implementations live in adapter subpackages (device/portaudio for
// real hardware, device/mock for tests). The interfaces are intentionally
// narrow so the pipelines stay decoupled from the audio backend.
//
// This package lives under pkg/ because external code (alternative audio
// backends) is expected to implement [Capture] and [Output].
package device

// CaptureConfig describes how a capture device should be opened.
type CaptureConfig struct {
	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// FrameSize is the number of samples delivered per ReadFrame call.
	FrameSize int

	// EchoCancellation requests acoustic echo cancellation from the backend.
	// Backends without the capability ignore the flag.
	EchoCancellation bool

	// NoiseSuppression requests noise suppression from the backend.
	NoiseSuppression bool

	// AutoGainControl requests automatic gain control from the backend.
	AutoGainControl bool
}

// Capture is an exclusive handle on a microphone.
//
// A Capture is owned by exactly one capture pipeline for the lifetime of one
// call; it is never shared. Open must be called before ReadFrame. Close is
// idempotent and safe to call even when Open never succeeded.
type Capture interface {
	// Open acquires the device with the given configuration. Returns an error
	// when the device is unavailable or access is denied.
	Open(cfg CaptureConfig) error

	// ReadFrame blocks until one frame of cfg.FrameSize mono int16 samples is
	// available and returns a copy of it. Returns an error once the device is
	// closed or fails.
	ReadFrame() ([]int16, error)

	// Close releases the device. Idempotent.
	Close() error
}

// Output is an exclusive handle on a speaker.
//
// Write delivers little-endian mono PCM16 bytes for immediate playback and
// may block while the backend's buffer is full. Close is idempotent.
type Output interface {
	// Open acquires the device at the given sample rate.
	Open(sampleRate int) error

	// Write plays pcm (little-endian mono PCM16). May block.
	Write(pcm []byte) error

	// Close releases the device. Idempotent.
	Close() error
}
