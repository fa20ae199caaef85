package realtime

// EventType tags an inbound protocol event. The values mirror the wire-level
// type strings; [EventClosed] is synthesised locally when the connection
// terminates.
type EventType string

const (
	// EventConversationCreated is the remote's first message after connect.
	// The client answers it with session.update automatically.
	EventConversationCreated EventType = "conversation.created"

	// EventSessionUpdated confirms the negotiated session parameters. It is
	// the single authoritative trigger for flipping a call to active.
	EventSessionUpdated EventType = "session.updated"

	// EventSpeechStarted and EventSpeechStopped report remote voice-activity
	// detection over the user's input audio.
	EventSpeechStarted EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped EventType = "input_audio_buffer.speech_stopped"

	// EventAudioDelta carries one base64-encoded PCM16 chunk of synthesised
	// speech in Delta.
	EventAudioDelta EventType = "response.output_audio.delta"

	// EventTranscriptDelta carries one assistant transcript fragment in
	// Delta.
	EventTranscriptDelta EventType = "response.output_audio_transcript.delta"

	// EventInputTranscription carries a completed user transcript fragment
	// in Transcript.
	EventInputTranscription EventType = "conversation.item.input_audio_transcription.completed"

	// EventResponseCreated and EventResponseDone bracket one response cycle.
	EventResponseCreated EventType = "response.created"
	EventResponseDone    EventType = "response.done"

	// EventError is a remote-reported protocol error. Non-fatal: the
	// connection stays up.
	EventError EventType = "error"

	// EventClosed is synthesised when the connection terminates for any
	// reason. It is always the final event on the channel. Err is nil for a
	// locally initiated close.
	EventClosed EventType = "connection.closed"
)

// Event is one typed inbound protocol event. Exactly the fields relevant to
// Type are populated; unknown wire messages are dropped before they become
// events.
type Event struct {
	Type EventType

	// Delta holds the payload of audio and transcript delta events: base64
	// PCM16 for [EventAudioDelta], plain text for [EventTranscriptDelta].
	Delta string

	// Transcript holds the completed user transcript for
	// [EventInputTranscription].
	Transcript string

	// Err holds the cause for [EventError] and abnormal [EventClosed].
	Err error
}
