// Package playback schedules decoded audio chunks for gapless sequential
// playback.
//
// Chunks arrive from the network at irregular, often bursty intervals while
// the speaker consumes them in real time. The scheduler's monotonic
// "next play" cursor is the sole ordering mechanism: each chunk starts at
// max(now, cursor) and advances the cursor by its own duration, so output is
// contiguous and in arrival order no matter how the input arrives. Nothing is
// dropped to catch up — a burst simply extends the cursor into the future.
package playback

import (
	"sync"
	"time"

	"github.com/AppleLamps/iphone-grok/pkg/codec"
)

// Chunk is one scheduled unit of playback handed to the output callback.
type Chunk struct {
	// PCM is the little-endian mono PCM16 payload.
	PCM []byte

	// Start is the scheduled playback start time.
	Start time.Time

	// Duration is the chunk's playback duration at the scheduler's sample
	// rate.
	Duration time.Duration
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock overrides the time source. Used in tests to make scheduling
// decisions deterministic.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithWaiter overrides how the scheduler waits for a chunk's start time. The
// waiter must return early when cancel is closed. Tests pass a no-op waiter
// so the suite does not sleep.
func WithWaiter(wait func(until time.Time, cancel <-chan struct{})) Option {
	return func(s *Scheduler) { s.wait = wait }
}

// Scheduler plays arriving chunks back-to-back with no gap or overlap, in
// arrival order. All exported methods are safe for concurrent use.
type Scheduler struct {
	output     func(Chunk) // receives each chunk at its scheduled start
	sampleRate int

	mu       sync.Mutex
	queue    [][]byte
	nextPlay time.Time
	draining bool
	speaker  bool
	closed   bool

	notify chan struct{}
	done   chan struct{}

	now  func() time.Time
	wait func(until time.Time, cancel <-chan struct{})
}

// New creates a scheduler that delivers chunks to output at their scheduled
// start times. The speaker starts enabled. output is called sequentially from
// the drain goroutine; a blocking output (a device write) naturally paces
// consumption.
//
// Call [Scheduler.Close] to stop the background goroutine.
func New(output func(Chunk), sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		output:     output,
		sampleRate: sampleRate,
		speaker:    true,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.wait == nil {
		s.wait = defaultWait
	}
	go s.drain()
	return s
}

// Enqueue appends pcm to the playback queue. Chunks enqueued while the
// speaker is disabled are discarded and never replayed.
func (s *Scheduler) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.speaker {
		return
	}

	s.queue = append(s.queue, pcm)
	s.draining = true

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// SetSpeaker enables or disables output. Disabling clears the pending queue
// immediately; a chunk already handed to the output callback is not recalled.
// Re-enabling does not replay discarded audio.
func (s *Scheduler) SetSpeaker(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.speaker = on
	if !on {
		s.queue = nil
		s.draining = false
	}
}

// Reset clears the queue and the play cursor for a fresh call.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = nil
	s.draining = false
	s.nextPlay = time.Time{}
}

// Close stops the drain goroutine and discards any queued chunks.
// Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	return nil
}

// drain is the background goroutine that pops chunks in FIFO order and
// delivers each at its computed start time.
func (s *Scheduler) drain() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			pcm, ok := s.dequeue()
			if !ok {
				break
			}

			dur := codec.Duration(len(pcm), s.sampleRate)

			s.mu.Lock()
			start := s.now()
			if s.nextPlay.After(start) {
				start = s.nextPlay
			}
			s.nextPlay = start.Add(dur)
			s.mu.Unlock()

			s.wait(start, s.done)

			select {
			case <-s.done:
				return
			default:
			}

			s.output(Chunk{PCM: pcm, Start: start, Duration: dur})
		}
	}
}

// dequeue pops the oldest queued chunk. When the queue is empty it clears
// the draining flag and reports ok=false.
func (s *Scheduler) dequeue() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		s.draining = false
		return nil, false
	}
	pcm := s.queue[0]
	s.queue = s.queue[1:]
	return pcm, true
}

// defaultWait sleeps until the wall clock reaches until, or returns early
// when cancel is closed.
func defaultWait(until time.Time, cancel <-chan struct{}) {
	d := time.Until(until)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-cancel:
	}
}
