// Package call orchestrates the lifecycle of one voice call.
//
// A [Session] owns the state machine Idle → Connecting → Active → Ended (with
// Failed for unrecoverable setup errors) and wires the capture pipeline, the
// playback scheduler, the transcript buffer, and the protocol connection
// together. The session itself never touches audio hardware or sockets
// directly; it coordinates the packages that do.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AppleLamps/iphone-grok/internal/capture"
	"github.com/AppleLamps/iphone-grok/internal/config"
	"github.com/AppleLamps/iphone-grok/internal/observe"
	"github.com/AppleLamps/iphone-grok/internal/playback"
	"github.com/AppleLamps/iphone-grok/internal/token"
	"github.com/AppleLamps/iphone-grok/internal/transcript"
	"github.com/AppleLamps/iphone-grok/pkg/codec"
	"github.com/AppleLamps/iphone-grok/pkg/device"
	"github.com/AppleLamps/iphone-grok/pkg/realtime"
)

// DefaultCooldown is how long an ended call is shown before the session
// returns to Idle.
const DefaultCooldown = 1500 * time.Millisecond

// State is the call lifecycle state.
type State int

const (
	// StateIdle means no call is in progress and a new one may start.
	StateIdle State = iota

	// StateConnecting covers device acquisition, credential fetch, dial,
	// and handshake.
	StateConnecting

	// StateActive means the handshake completed and audio flows both ways.
	StateActive

	// StateEnded is the brief post-call state before returning to Idle.
	StateEnded

	// StateFailed means call setup failed. A new call may start from here.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conn is the protocol connection surface the session drives. Satisfied by
// [*realtime.Client]; tests substitute fakes.
type Conn interface {
	AppendAudio(audioB64 string) error
	CommitInput() error
	CreateUserMessage(text string) error
	CreateResponse() error
	Events() <-chan realtime.Event
	Close() error
}

// DialFunc establishes a protocol connection. The default wraps
// [realtime.Dial].
type DialFunc func(ctx context.Context, cfg realtime.Config, params realtime.SessionParams) (Conn, error)

// GrantFetcher obtains call credentials. Satisfied by [*token.Client].
type GrantFetcher interface {
	Fetch(ctx context.Context) (*token.Grant, error)
}

// Option configures a [Session] during construction.
type Option func(*Session)

// WithDialer overrides how the protocol connection is established.
func WithDialer(dial DialFunc) Option {
	return func(s *Session) { s.dial = dial }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithCooldown overrides how long an ended call lingers before Idle.
func WithCooldown(d time.Duration) Option {
	return func(s *Session) { s.cooldown = d }
}

// WithAfterFunc overrides the timer used for the post-call cooldown. Tests
// pass a synchronous implementation.
func WithAfterFunc(after func(d time.Duration, f func()) *time.Timer) Option {
	return func(s *Session) { s.after = after }
}

// WithStateListener registers a callback invoked on every state change. The
// callback runs on the session's goroutines and must not call back into the
// session.
func WithStateListener(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithTranscriptListener registers a callback invoked with each completed
// transcript line: the user's transcription as it arrives, and the
// assistant's utterance once its response finishes. Same calling rules as
// [WithStateListener].
func WithTranscriptListener(fn func(transcript.Role, string)) Option {
	return func(s *Session) { s.onLine = fn }
}

// WithErrorListener registers a callback invoked with non-fatal protocol
// errors reported by the remote and with the cause of an abnormal call end.
// Same calling rules as [WithStateListener].
func WithErrorListener(fn func(error)) Option {
	return func(s *Session) { s.onErr = fn }
}

// Session is the call orchestrator. All exported methods are safe for
// concurrent use.
type Session struct {
	cfg     *config.Config
	grants  GrantFetcher
	mic     func() device.Capture
	sched   *playback.Scheduler
	buf     *transcript.Buffer
	dial    DialFunc
	metrics *observe.Metrics

	now      func() time.Time
	after    func(d time.Duration, f func()) *time.Timer
	cooldown time.Duration
	onState  func(State)
	onLine   func(transcript.Role, string)
	onErr    func(error)

	mu         sync.Mutex
	state      State
	muted      bool
	speakerOn  bool
	configured bool
	conn       Conn
	pipeline   *capture.Pipeline
	dialedAt   time.Time
	activeAt   time.Time
	lastErr    error

	wg sync.WaitGroup
}

// New creates an idle session. mic is invoked once per call attempt to obtain
// a fresh capture device; sched receives every decoded audio chunk.
func New(cfg *config.Config, grants GrantFetcher, mic func() device.Capture, sched *playback.Scheduler, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg,
		grants:    grants,
		mic:       mic,
		sched:     sched,
		buf:       transcript.New(transcript.WithMergeWindow(cfg.MergeWindow())),
		now:       time.Now,
		after:     time.AfterFunc,
		cooldown:  DefaultCooldown,
		speakerOn: true,
	}
	for _, o := range opts {
		o(s)
	}
	if s.dial == nil {
		s.dial = func(ctx context.Context, cfg realtime.Config, params realtime.SessionParams) (Conn, error) {
			return realtime.Dial(ctx, cfg, params)
		}
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error that ended or failed the most recent call, or
// nil.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Transcript returns the live transcript buffer.
func (s *Session) Transcript() *transcript.Buffer { return s.buf }

// Muted reports whether the microphone is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetMuted toggles the microphone. Capture keeps running while muted; frames
// are simply not delivered upstream.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// SpeakerOn reports whether playback is enabled.
func (s *Session) SpeakerOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerOn
}

// SetSpeaker toggles playback. Disabling clears all pending audio; it is
// never replayed.
func (s *Session) SetSpeaker(on bool) {
	s.mu.Lock()
	s.speakerOn = on
	s.mu.Unlock()
	s.sched.SetSpeaker(on)
}

// StartCall runs one call attempt: acquire the microphone, fetch a
// credential, dial, and hand off to the event loop. It returns once the
// connection is established (state Connecting); the transition to Active
// happens when the remote confirms the session. Only callable from Idle,
// Ended, or Failed.
func (s *Session) StartCall(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateEnded, StateFailed:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("call: cannot start from state %s", st)
	}
	s.state = StateConnecting
	s.configured = false
	s.muted = false
	s.speakerOn = true
	s.lastErr = nil
	pipeline := capture.New(s.mic())
	s.pipeline = pipeline
	s.mu.Unlock()
	s.notify(StateConnecting)

	s.sched.Reset()
	s.sched.SetSpeaker(true)
	s.buf.Reset()

	if err := pipeline.Acquire(s.cfg.Call.SampleRate, s.cfg.Call.ChunkMs); err != nil {
		s.fail("microphone", err)
		return err
	}

	grant, err := s.grants.Fetch(ctx)
	if err != nil {
		s.fail("credential", err)
		return err
	}

	voice := grant.VoiceID
	if voice == "" {
		voice = s.cfg.Call.Voice
	}
	tmpl := grant.InstructionsTemplate
	if tmpl == "" {
		tmpl = s.cfg.Call.Instructions
	}
	at := grant.ServerTime
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	s.dialedAt = s.now()
	s.mu.Unlock()

	conn, err := s.dial(ctx, realtime.Config{
		BaseURL:    s.cfg.API.BaseURL,
		Model:      s.cfg.API.Model,
		Credential: grant.Credential,
	}, realtime.SessionParams{
		Instructions:       composeInstructions(tmpl, at),
		Voice:              voice,
		SampleRate:         s.cfg.Call.SampleRate,
		VADSilenceMs:       s.cfg.VAD.SilenceMs,
		TranscriptionModel: s.cfg.API.TranscriptionModel,
	})
	if err != nil {
		s.fail("transport", err)
		return fmt.Errorf("call: dial: %w", err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// StopCall raced the dial; the attempt is already over.
		s.mu.Unlock()
		_ = conn.Close()
		pipeline.Stop()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	pipeline.SetGate(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.configured && !s.muted && s.conn == conn
	})

	s.metrics.ActiveCalls.Add(ctx, 1)
	s.wg.Add(1)
	go s.eventLoop(conn, pipeline)
	return nil
}

// StopCall ends the current call. userInitiated distinguishes a deliberate
// hang-up (shown as Ended, then Idle after the cooldown) from a silent
// remote termination (straight to Idle). Safe from any state, including
// mid-handshake; repeated calls are no-ops.
func (s *Session) StopCall(userInitiated bool) {
	s.finish(nil, userInitiated, nil)
}

// Wait blocks until the event loop of the most recent call has exited.
// Intended for orderly shutdown.
func (s *Session) Wait() {
	s.wg.Wait()
}

// composeInstructions prepends the current date and time so the remote can
// answer time-sensitive questions.
func composeInstructions(tmpl string, at time.Time) string {
	preamble := fmt.Sprintf("The current date and time is %s.", at.Format("Monday, January 2, 2006 at 3:04 PM MST"))
	if tmpl == "" {
		return preamble
	}
	return preamble + "\n\n" + tmpl
}

// eventLoop dispatches inbound protocol events until the connection
// terminates.
func (s *Session) eventLoop(conn Conn, pipeline *capture.Pipeline) {
	defer s.wg.Done()

	for evt := range conn.Events() {
		switch evt.Type {
		case realtime.EventSessionUpdated:
			s.handleConfigured(conn, pipeline)

		case realtime.EventAudioDelta:
			pcm, err := codec.Decode(evt.Delta)
			if err != nil {
				// Drop the chunk; playback continuity comes from the
				// scheduler's cursor.
				slog.Warn("undecodable audio chunk dropped", "err", err)
				s.metrics.RecordProtocolError(context.Background(), "codec")
				continue
			}
			s.sched.Enqueue(pcm)

		case realtime.EventResponseCreated:
			s.buf.BeginAssistantTurn()

		case realtime.EventTranscriptDelta:
			s.buf.AppendAssistantDelta(evt.Delta)

		case realtime.EventInputTranscription:
			s.buf.AppendUserCompletion(evt.Transcript)
			s.emitLine(transcript.RoleUser, evt.Transcript)

		case realtime.EventResponseDone:
			if u, ok := s.buf.Last(); ok && u.Role == transcript.RoleAssistant {
				s.emitLine(transcript.RoleAssistant, u.Text)
			}

		case realtime.EventSpeechStarted, realtime.EventSpeechStopped:
			slog.Debug("voice activity", "event", evt.Type)

		case realtime.EventError:
			slog.Warn("protocol error", "err", evt.Err)
			s.metrics.RecordProtocolError(context.Background(), "server")
			s.emitErr(evt.Err)

		case realtime.EventClosed:
			s.finish(conn, false, evt.Err)
			return
		}
	}
	// Stream ended without a terminal event; treat as a silent close.
	s.finish(conn, false, nil)
}

// handleConfigured reacts to the first session.updated: the call becomes
// active, buffered input is committed, the scripted greeting is sent, and
// capture starts. Duplicate confirmations are ignored.
func (s *Session) handleConfigured(conn Conn, pipeline *capture.Pipeline) {
	s.mu.Lock()
	if s.configured || s.conn != conn || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.configured = true
	s.state = StateActive
	s.activeAt = s.now()
	handshake := s.activeAt.Sub(s.dialedAt)
	s.mu.Unlock()
	s.notify(StateActive)

	s.metrics.HandshakeDuration.Record(context.Background(), handshake.Seconds())

	if err := conn.CommitInput(); err != nil {
		slog.Warn("commit input", "err", err)
	}
	if greeting := s.cfg.Call.Greeting; greeting != "" {
		if err := conn.CreateUserMessage(greeting); err != nil {
			slog.Warn("send greeting", "err", err)
		}
		if err := conn.CreateResponse(); err != nil {
			slog.Warn("request response", "err", err)
		}
	}

	if err := pipeline.Start(s.frameSink(conn), func(err error) {
		// The microphone died mid-call; a one-sided call is over.
		s.finish(conn, false, err)
	}); err != nil {
		slog.Error("start capture", "err", err)
		s.finish(conn, false, err)
	}
}

// frameSink returns the capture callback streaming encoded frames upstream.
func (s *Session) frameSink(conn Conn) capture.FrameFunc {
	return func(pcm []byte) {
		if err := conn.AppendAudio(codec.Encode(pcm)); err != nil {
			slog.Debug("append audio", "err", err)
			return
		}
		s.metrics.FramesSent.Add(context.Background(), 1)
	}
}

// fail tears the attempt down silently and parks the session in Failed.
func (s *Session) fail(stage string, err error) {
	slog.Error("call setup failed", "stage", stage, "err", err)
	s.metrics.RecordProtocolError(context.Background(), stage)

	s.mu.Lock()
	if s.state != StateConnecting {
		// StopCall already ended the attempt.
		s.mu.Unlock()
		return
	}
	pipeline := s.pipeline
	conn := s.conn
	s.pipeline = nil
	s.conn = nil
	s.lastErr = err
	s.state = StateFailed
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	s.sched.Reset()
	s.notify(StateFailed)
}

// finish runs the fixed teardown sequence: transport, capture, playback.
// Each step's failure is logged and swallowed so later steps always run.
// When conn is non-nil the teardown only applies to that connection's
// attempt, which makes late events from a previous call harmless.
func (s *Session) finish(conn Conn, userInitiated bool, cause error) {
	s.mu.Lock()
	if s.state != StateConnecting && s.state != StateActive {
		s.mu.Unlock()
		return
	}
	if conn != nil && s.conn != nil && s.conn != conn {
		s.mu.Unlock()
		return
	}
	current := s.conn
	pipeline := s.pipeline
	wasActive := s.state == StateActive
	activeAt := s.activeAt
	s.conn = nil
	s.pipeline = nil
	s.lastErr = cause

	next := StateIdle
	if userInitiated {
		next = StateEnded
	} else if cause != nil && !wasActive {
		// The handshake never completed; surface the failure.
		next = StateFailed
	}
	s.state = next
	s.mu.Unlock()

	if current != nil {
		if err := current.Close(); err != nil {
			slog.Warn("transport close", "err", err)
		}
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	s.sched.Reset()

	if current != nil {
		s.metrics.ActiveCalls.Add(context.Background(), -1)
	}
	if wasActive {
		s.metrics.CallDuration.Record(context.Background(), s.now().Sub(activeAt).Seconds())
	}
	if cause != nil {
		slog.Warn("call terminated", "err", cause, "was_active", wasActive)
		s.emitErr(cause)
	}

	s.notify(next)
	if next == StateEnded {
		s.after(s.cooldown, func() {
			s.mu.Lock()
			if s.state != StateEnded {
				s.mu.Unlock()
				return
			}
			s.state = StateIdle
			s.mu.Unlock()
			s.notify(StateIdle)
		})
	}
}

func (s *Session) notify(st State) {
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Session) emitLine(role transcript.Role, text string) {
	if s.onLine != nil && text != "" {
		s.onLine(role, text)
	}
}

func (s *Session) emitErr(err error) {
	if s.onErr != nil && err != nil {
		s.onErr(err)
	}
}
