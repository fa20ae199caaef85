package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.API.Model == "" {
		errs = append(errs, errors.New("api.model is required"))
	}

	if cfg.Call.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("call.sample_rate %d must be positive", cfg.Call.SampleRate))
	}
	if cfg.Call.ChunkMs <= 0 {
		errs = append(errs, fmt.Errorf("call.chunk_ms %d must be positive", cfg.Call.ChunkMs))
	}
	if cfg.Call.Voice == "" {
		errs = append(errs, errors.New("call.voice is required"))
	}

	if cfg.Transcript.MergeWindowMs < 0 {
		errs = append(errs, fmt.Errorf("transcript.merge_window_ms %d must not be negative", cfg.Transcript.MergeWindowMs))
	}
	if cfg.VAD.SilenceMs < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_ms %d must not be negative", cfg.VAD.SilenceMs))
	}

	return errors.Join(errs...)
}
