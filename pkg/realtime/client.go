// Package realtime implements the bidirectional voice protocol spoken over a
// persistent WebSocket connection.
//
// The client authenticates with an ephemeral credential, answers the remote's
// conversation.created with a session.update carrying the negotiated
// parameters, and then exchanges JSON events: base64-encoded PCM16 audio
// upstream, typed [Event] values downstream. Unknown event types are ignored
// so protocol additions never break an existing client.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// DefaultBaseURL is the production realtime endpoint.
	DefaultBaseURL = "wss://api.x.ai/v1/realtime"

	// DefaultModel is the conversational model requested when none is
	// configured.
	DefaultModel = "grok-4-realtime"
)

// Config carries the connection parameters for [Dial].
type Config struct {
	// BaseURL is the WebSocket endpoint. Defaults to [DefaultBaseURL].
	BaseURL string

	// Model selects the conversational model. Defaults to [DefaultModel].
	Model string

	// Credential is the ephemeral bearer token minted for this call.
	Credential string
}

// SessionParams are the negotiated session parameters sent in the
// session.update answer to conversation.created.
type SessionParams struct {
	// Instructions is the fully composed system prompt.
	Instructions string

	// Voice selects the synthesised voice.
	Voice string

	// SampleRate is the PCM16 sample rate for both directions, in Hz.
	SampleRate int

	// VADSilenceMs is the server-side voice-activity silence threshold that
	// ends a user turn, in milliseconds.
	VADSilenceMs int

	// TranscriptionModel transcribes the user's input audio.
	TranscriptionModel string
}

// Client is a live protocol connection. Outbound methods are safe for
// concurrent use; inbound events arrive on [Client.Events] in wire order.
type Client struct {
	conn   *websocket.Conn
	params SessionParams

	events chan Event

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial connects to the realtime endpoint and starts the read loop. The
// credential travels as a Bearer header on the WebSocket handshake; the
// session parameters are held until the remote opens the conversation.
func Dial(ctx context.Context, cfg Config, params SessionParams) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	wsURL := fmt.Sprintf("%s?model=%s", baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.Credential},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	clientCtx, clientCancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		params: params,
		events: make(chan Event, 64),
		ctx:    clientCtx,
		cancel: clientCancel,
	}

	go c.receiveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions            string             `json:"instructions,omitempty"`
	Voice                   string             `json:"voice,omitempty"`
	Tools                   []sessionTool      `json:"tools,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	SampleRate              int                `json:"sample_rate,omitempty"`
	TurnDetection           *turnDetection     `json:"turn_detection,omitempty"`
	InputAudioTranscription *transcriptionConf `json:"input_audio_transcription,omitempty"`
}

type sessionTool struct {
	Type string `json:"type"`
}

type turnDetection struct {
	Type              string `json:"type"`
	SilenceDurationMs int    `json:"silence_duration_ms,omitempty"`
}

type transcriptionConf struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"` // base64-encoded PCM16
}

type commitMessage struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

type createItemMessage struct {
	EventID string           `json:"event_id"`
	Type    string           `json:"type"`
	Item    conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type createResponseMessage struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.output_audio.delta / response.output_audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Inbound dispatch ──────────────────────────────────────────────────────────

// receiveLoop reads wire messages and dispatches them as typed events. It owns
// the events channel: a terminal [EventClosed] is emitted and the channel is
// closed when the loop exits.
func (c *Client) receiveLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			deliberate := c.closed
			c.mu.Unlock()

			closedEvt := Event{Type: EventClosed}
			if !deliberate && c.ctx.Err() == nil {
				closedEvt.Err = err
			}
			c.emitFinal(closedEvt)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		c.handleServerEvent(&evt)
	}
}

func (c *Client) handleServerEvent(evt *serverEvent) {
	switch EventType(evt.Type) {
	case EventConversationCreated:
		// Negotiation: the remote's opening message is answered with the
		// prepared session parameters before the event is surfaced.
		if err := c.sendSessionUpdate(); err != nil {
			c.emit(Event{Type: EventError, Err: fmt.Errorf("realtime: session update: %w", err)})
			return
		}
		c.emit(Event{Type: EventConversationCreated})

	case EventSessionUpdated, EventSpeechStarted, EventSpeechStopped,
		EventResponseCreated, EventResponseDone:
		c.emit(Event{Type: EventType(evt.Type)})

	case EventAudioDelta:
		if evt.Delta == "" {
			return
		}
		c.emit(Event{Type: EventAudioDelta, Delta: evt.Delta})

	case EventTranscriptDelta:
		if evt.Delta == "" {
			return
		}
		c.emit(Event{Type: EventTranscriptDelta, Delta: evt.Delta})

	case EventInputTranscription:
		if evt.Transcript == "" {
			return
		}
		c.emit(Event{Type: EventInputTranscription, Transcript: evt.Transcript})

	case EventError:
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.emit(Event{Type: EventError, Err: fmt.Errorf("realtime: %s", msg)})
	}
}

func (c *Client) emit(evt Event) {
	select {
	case c.events <- evt:
	case <-c.ctx.Done():
	}
}

// emitFinal delivers the terminal event without blocking forever on a reader
// that already went away, then closes the channel.
func (c *Client) emitFinal(evt Event) {
	c.closeOnce.Do(func() {
		select {
		case c.events <- evt:
		default:
		}
		close(c.events)
	})
}

// sendSessionUpdate answers conversation.created with the session parameters:
// PCM16 in both directions, server-side voice-activity turn detection, input
// transcription, and the built-in search tools.
func (c *Client) sendSessionUpdate() error {
	params := sessionParams{
		Instructions: c.params.Instructions,
		Voice:        c.params.Voice,
		Tools: []sessionTool{
			{Type: "web_search"},
			{Type: "x_search"},
		},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		SampleRate:        c.params.SampleRate,
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			SilenceDurationMs: c.params.VADSilenceMs,
		},
	}
	if c.params.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionConf{Model: c.params.TranscriptionModel}
	}
	return c.writeJSON(sessionUpdateMessage{
		EventID: uuid.NewString(),
		Type:    "session.update",
		Session: params,
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// ── Outbound operations ───────────────────────────────────────────────────────

// AppendAudio streams one base64-encoded PCM16 chunk of microphone audio.
func (c *Client) AppendAudio(audioB64 string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("realtime: connection closed")
	}
	c.mu.Unlock()

	return c.writeJSON(appendAudioMessage{
		EventID: uuid.NewString(),
		Type:    "input_audio_buffer.append",
		Audio:   audioB64,
	})
}

// CommitInput commits the pending input audio buffer.
func (c *Client) CommitInput() error {
	return c.writeJSON(commitMessage{
		EventID: uuid.NewString(),
		Type:    "input_audio_buffer.commit",
	})
}

// CreateUserMessage inserts a text message from the user into the
// conversation. Used for the scripted greeting that opens a call.
func (c *Client) CreateUserMessage(text string) error {
	return c.writeJSON(createItemMessage{
		EventID: uuid.NewString(),
		Type:    "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// CreateResponse asks the remote to produce its next spoken response.
func (c *Client) CreateResponse() error {
	return c.writeJSON(createResponseMessage{
		EventID: uuid.NewString(),
		Type:    "response.create",
	})
}

// Events returns the inbound event stream. The channel is closed after a
// terminal [EventClosed] event.
func (c *Client) Events() <-chan Event { return c.events }

// Close terminates the connection. Idempotent. The read loop emits a final
// [EventClosed] with a nil Err.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.conn.Close(websocket.StatusNormalClosure, "call ended")
	c.cancel()
	return nil
}
