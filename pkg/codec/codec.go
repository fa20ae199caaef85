// Package codec converts between the audio representations used on either
// side of the realtime wire: normalised floating-point samples in [-1, 1] on
// the device side, little-endian signed 16-bit PCM in the middle, and base64
// text on the transport side.
//
// All functions are pure and allocation is proportional to the input. A
// malformed payload is reported as a [*Error]; callers are expected to drop
// the offending frame or chunk and carry on — a single bad payload never
// affects session state.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrOddLength reports PCM16 data whose byte count is not a multiple of the
// 2-byte sample size.
var ErrOddLength = errors.New("odd byte count in PCM16 data")

// Error wraps any malformed-input failure produced by this package.
type Error struct {
	// Op names the operation that failed ("decode", "decode-float").
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// EncodeFloat converts normalised float samples to PCM16 and base64-encodes
// the result for transport. Each sample is clamped to [-1, 1] first; negative
// values scale by 32768 and non-negative values by 32767 so that both ends of
// the int16 range are reachable without overflow.
func EncodeFloat(samples []float32) string {
	return Encode(FloatToPCM(samples))
}

// DecodeFloat base64-decodes text, interprets the bytes as little-endian
// PCM16 and normalises each sample by 1/32768.
func DecodeFloat(text string) ([]float32, error) {
	pcm, err := Decode(text)
	if err != nil {
		return nil, err
	}
	return PCMToFloat(pcm)
}

// Encode base64-encodes raw PCM16 bytes for transport.
func Encode(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// Decode base64-decodes a transport payload into raw PCM16 bytes. It rejects
// invalid base64 and odd byte counts.
func Decode(text string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}
	if len(pcm)%2 != 0 {
		return nil, &Error{Op: "decode", Err: ErrOddLength}
	}
	return pcm, nil
}

// FloatToPCM converts normalised float samples to little-endian PCM16 bytes.
// Samples outside [-1, 1] are clamped.
func FloatToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}

		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCMToFloat converts little-endian PCM16 bytes to normalised float samples.
func PCMToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &Error{Op: "decode-float", Err: ErrOddLength}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// Int16ToPCM serialises int16 samples as little-endian bytes. Capture devices
// deliver int16 frames directly; this avoids a detour through floats.
func Int16ToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCMToInt16 parses little-endian PCM16 bytes into int16 samples.
func PCMToInt16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, &Error{Op: "decode", Err: ErrOddLength}
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out, nil
}

// Duration returns the playback duration of byteLen bytes of mono PCM16 at
// sampleRate. Returns zero for a non-positive rate.
func Duration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteLen / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
