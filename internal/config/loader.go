package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, expands ${ENV_VAR}
// references, and returns a validated [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references,
// applies defaults, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportDevice
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = 0.5
	}
	if cfg.VAD.SilenceThresholdMs == 0 {
		cfg.VAD.SilenceThresholdMs = 700
	}
	if cfg.STT.Engine == "" {
		cfg.STT.Engine = STTSherpa
	}
	if cfg.STT.Language == "" {
		cfg.STT.Language = "en"
	}
	if cfg.TTS.Backend == "" {
		cfg.TTS.Backend = TTSSubprocess
	}
	if cfg.Endpointing.MaxSilenceBeforeTimeoutMs == 0 {
		cfg.Endpointing.MaxSilenceBeforeTimeoutMs = 1000
	}
	if cfg.Endpointing.MinWordCountForFastPath == 0 {
		cfg.Endpointing.MinWordCountForFastPath = 4
	}
	if cfg.Narration.SummaryIntervalMs == 0 {
		cfg.Narration.SummaryIntervalMs = 8000
	}
	if cfg.Session.MaxConcurrentSessions == 0 {
		cfg.Session.MaxConcurrentSessions = 1
	}
	if cfg.Session.InterruptionThresholdMs == 0 {
		cfg.Session.InterruptionThresholdMs = defaultInterruptionMs(cfg.Transport.Kind)
	}
}

// defaultInterruptionMs returns the per-transport barge-in threshold: remote
// wires carry more latency and echo, so they get a longer window.
func defaultInterruptionMs(kind TransportKind) int {
	switch kind {
	case TransportWS:
		return 1500
	default:
		return 800
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Transport.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("transport.kind %q is invalid; valid values: helper, pulse, device, ws", cfg.Transport.Kind))
	}
	if !cfg.STT.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("stt.engine %q is invalid; valid values: sherpa, whispercpp", cfg.STT.Engine))
	}
	if !cfg.TTS.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("tts.backend %q is invalid; valid values: subprocess, http", cfg.TTS.Backend))
	}

	switch cfg.Transport.Kind {
	case TransportHelper:
		if cfg.Transport.HelperBinary == "" {
			errs = append(errs, errors.New("transport.helper_binary is required for the helper transport"))
		}
	case TransportPulse:
		if cfg.Transport.PulseSource == "" || cfg.Transport.PulseSink == "" {
			errs = append(errs, errors.New("transport.pulse_source and transport.pulse_sink are required for the pulse transport"))
		}
	}

	if cfg.STT.ModelPath == "" {
		errs = append(errs, errors.New("stt.model_path is required"))
	}

	switch cfg.TTS.Backend {
	case TTSSubprocess:
		if len(cfg.TTS.Command) == 0 {
			errs = append(errs, errors.New("tts.command is required for the subprocess backend"))
		}
	case TTSHTTP:
		if cfg.TTS.URL == "" {
			errs = append(errs, errors.New("tts.url is required for the http backend"))
		}
	}

	if cfg.Endpointing.EnableSemanticFallback && cfg.Endpointing.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("endpointing.openai_api_key is required when enable_semantic_fallback is true"))
	}

	if cfg.Session.MaxConcurrentSessions < 0 {
		errs = append(errs, errors.New("session.max_concurrent_sessions must not be negative"))
	}

	return errors.Join(errs...)
}
