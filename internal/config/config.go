// Package config provides the configuration schema and loader for the voice
// call client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Call       CallConfig       `yaml:"call"`
	Transcript TranscriptConfig `yaml:"transcript"`
	VAD        VADConfig        `yaml:"vad"`
}

// ServerConfig holds settings for the local credential service and
// observability endpoints.
type ServerConfig struct {
	// ListenAddr is the TCP address the credential service listens on.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint
	// listens on. Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// APIConfig holds upstream realtime API settings.
type APIConfig struct {
	// Key is the long-lived upstream API key. Usually left empty here and
	// supplied via the XAI_API_KEY environment variable instead.
	Key string `yaml:"key"`

	// BaseURL overrides the realtime WebSocket endpoint. Leave empty for the
	// production endpoint.
	BaseURL string `yaml:"base_url"`

	// MintURL overrides the credential minting endpoint.
	MintURL string `yaml:"mint_url"`

	// Model selects the conversational model.
	Model string `yaml:"model"`

	// TranscriptionModel transcribes the user's input audio.
	TranscriptionModel string `yaml:"transcription_model"`
}

// CallConfig holds per-call audio and persona settings.
type CallConfig struct {
	// Voice selects the synthesised voice.
	Voice string `yaml:"voice"`

	// SampleRate is the PCM16 sample rate in Hz for both directions.
	SampleRate int `yaml:"sample_rate"`

	// ChunkMs is the microphone chunk cadence in milliseconds.
	ChunkMs int `yaml:"chunk_ms"`

	// Greeting is the scripted user message that opens every call.
	Greeting string `yaml:"greeting"`

	// Instructions is the base system prompt. The session prepends the
	// current date and time when composing the full instructions.
	Instructions string `yaml:"instructions"`
}

// TranscriptConfig tunes the transcript view.
type TranscriptConfig struct {
	// MergeWindowMs is the window within which consecutive user transcript
	// fragments are merged into one utterance.
	MergeWindowMs int `yaml:"merge_window_ms"`
}

// VADConfig tunes server-side voice-activity detection.
type VADConfig struct {
	// SilenceMs is the trailing silence that ends a user turn.
	SilenceMs int `yaml:"silence_ms"`
}

// Default returns a Config populated with working defaults. [Load] starts
// from this and lets the file override.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8726",
			LogLevel:   LogInfo,
		},
		API: APIConfig{
			Model:              "grok-4-realtime",
			TranscriptionModel: "whisper-1",
		},
		Call: CallConfig{
			Voice:      "ara",
			SampleRate: 24000,
			ChunkMs:    100,
			Greeting:   "Hi!",
		},
		Transcript: TranscriptConfig{MergeWindowMs: 1500},
		VAD:        VADConfig{SilenceMs: 500},
	}
}

// MergeWindow returns the transcript merge window as a duration.
func (c *Config) MergeWindow() time.Duration {
	return time.Duration(c.Transcript.MergeWindowMs) * time.Millisecond
}
