// Package config provides the configuration schema and loader for the
// voiceloop voice assistant.
package config

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]; ${ENV_VAR} references in the
// file are expanded before decoding.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transport   TransportConfig   `yaml:"transport"`
	VAD         VADConfig         `yaml:"vad"`
	STT         STTConfig         `yaml:"stt"`
	TTS         TTSConfig         `yaml:"tts"`
	Endpointing EndpointingConfig `yaml:"endpointing"`
	Narration   NarrationConfig   `yaml:"narration"`
	Claude      ClaudeConfig      `yaml:"claude_session"`
	Session     SessionConfig     `yaml:"session"`

	// ModelCacheDir is a read/write directory for downloaded model
	// artifacts, warmed once and read-only afterwards.
	ModelCacheDir string `yaml:"model_cache_dir"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP/WebSocket server listens on
	// (e.g. ":8090"). Only used with the ws transport.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn",
	// "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated slog level name.
type LogLevel string

// Valid log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether the level is one of the accepted names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TransportKind selects the audio surface the session runs on.
type TransportKind string

// Valid transport kinds.
const (
	// TransportHelper wraps the native echo-cancelling audio helper binary.
	TransportHelper TransportKind = "helper"

	// TransportPulse drives parec/pacat against PulseAudio echo-cancel
	// devices.
	TransportPulse TransportKind = "pulse"

	// TransportDevice opens a plain full-duplex device (no echo
	// cancellation).
	TransportDevice TransportKind = "device"

	// TransportWS serves browser and telephony WebSocket connections.
	TransportWS TransportKind = "ws"
)

// IsValid reports whether the kind is one of the accepted names.
func (k TransportKind) IsValid() bool {
	switch k {
	case TransportHelper, TransportPulse, TransportDevice, TransportWS:
		return true
	}
	return false
}

// TransportConfig selects and parameterises the audio transport.
type TransportConfig struct {
	// Kind selects the transport variant. Default "device".
	Kind TransportKind `yaml:"kind"`

	// HelperBinary is the native audio helper executable (helper kind).
	HelperBinary string `yaml:"helper_binary"`

	// PulseSource and PulseSink are the echo-cancel virtual device names
	// (pulse kind).
	PulseSource string `yaml:"pulse_source"`
	PulseSink   string `yaml:"pulse_sink"`

	// DeviceTokens is the set of accepted browser device tokens (ws kind).
	// Loopback connections bypass the check.
	DeviceTokens []string `yaml:"device_tokens"`

	// ChimePath optionally points at a WAV file decoded as the ready
	// chime. Empty selects the built-in generated chime.
	ChimePath string `yaml:"chime_path"`

	// GreetingPath optionally points at a WAV file played once at startup.
	GreetingPath string `yaml:"greeting_path"`
}

// VADConfig parameterises voice activity detection.
type VADConfig struct {
	// ModelPath is the Silero ONNX model file. Empty falls back to the
	// energy detector.
	ModelPath string `yaml:"model_path"`

	// Threshold is the speech probability threshold. Zero selects 0.5.
	Threshold float64 `yaml:"threshold"`

	// SilenceThresholdMs is the redemption window: how long the
	// probability must stay below threshold before a segment ends.
	// Zero selects 700 ms.
	SilenceThresholdMs int `yaml:"silence_threshold_ms"`
}

// STTEngine selects the offline recogniser backend.
type STTEngine string

// Valid STT engines.
const (
	STTSherpa     STTEngine = "sherpa"
	STTWhisperCPP STTEngine = "whispercpp"
)

// IsValid reports whether the engine is one of the accepted names.
func (e STTEngine) IsValid() bool {
	return e == STTSherpa || e == STTWhisperCPP
}

// STTConfig parameterises speech-to-text.
type STTConfig struct {
	// Engine selects the recogniser backend. Default "sherpa".
	Engine STTEngine `yaml:"engine"`

	// ModelPath is the model location: a directory containing
	// encoder.onnx, decoder.onnx and tokens.txt for sherpa, or a single
	// ggml file for whispercpp.
	ModelPath string `yaml:"model_path"`

	// Language is the BCP-47 language hint for whispercpp. Default "en".
	Language string `yaml:"language"`
}

// TTSBackend selects the synthesis backend.
type TTSBackend string

// Valid TTS backends.
const (
	TTSSubprocess TTSBackend = "subprocess"
	TTSHTTP       TTSBackend = "http"
)

// IsValid reports whether the backend is one of the accepted names.
func (b TTSBackend) IsValid() bool {
	return b == TTSSubprocess || b == TTSHTTP
}

// TTSConfig parameterises text-to-speech.
type TTSConfig struct {
	// Backend selects the synthesiser. Default "subprocess".
	Backend TTSBackend `yaml:"backend"`

	// Command is the synthesis helper executable plus arguments
	// (subprocess backend). Model and Voice are appended as
	// --model/--voice flags when set.
	Command []string `yaml:"command"`

	// URL is the streaming synthesis endpoint (http backend).
	URL string `yaml:"url"`

	// Model and Voice identify the synthesiser configuration.
	Model string `yaml:"model"`
	Voice string `yaml:"voice"`
}

// EndpointingConfig parameterises turn-completion detection.
type EndpointingConfig struct {
	// SilenceThresholdMs mirrors vad.silence_threshold_ms for the
	// endpointing decision; zero inherits the VAD value.
	SilenceThresholdMs int `yaml:"silence_threshold_ms"`

	// MaxSilenceBeforeTimeoutMs caps the semantic classifier round-trip.
	// Zero selects 1000.
	MaxSilenceBeforeTimeoutMs int `yaml:"max_silence_before_timeout_ms"`

	// MinWordCountForFastPath is the word count at or above which a turn
	// is complete without consulting the classifier. Zero selects 4.
	MinWordCountForFastPath int `yaml:"min_word_count_for_fast_path"`

	// EnableSemanticFallback consults a small remote classifier for short
	// transcripts. Disabled by default.
	EnableSemanticFallback bool `yaml:"enable_semantic_fallback"`

	// OpenAIAPIKey authenticates the classifier. Supports ${ENV} expansion.
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// ClassifierModel overrides the classifier model id.
	ClassifierModel string `yaml:"classifier_model"`
}

// NarrationConfig parameterises tool-call narration.
type NarrationConfig struct {
	// SummaryIntervalMs is the period between "still working" summaries
	// while a tool runs. Zero selects 8000.
	SummaryIntervalMs int `yaml:"summary_interval_ms"`
}

// ClaudeConfig parameterises the agent backend.
type ClaudeConfig struct {
	// Command overrides the backend executable. Default "claude".
	Command string `yaml:"command"`

	// SystemPrompt is injected into the backend session.
	SystemPrompt string `yaml:"system_prompt"`

	// PermissionMode is passed through to the backend.
	PermissionMode string `yaml:"permission_mode"`

	// AllowedTools restricts the backend's tool set.
	AllowedTools []string `yaml:"allowed_tools"`
}

// SessionConfig parameterises the session controller.
type SessionConfig struct {
	// StopPhrase ends the session when heard (case-insensitive substring).
	StopPhrase string `yaml:"stop_phrase"`

	// StopPhraseMaxDistance additionally accepts stop phrases within this
	// edit distance of a transcript word window. 0 = exact only.
	StopPhraseMaxDistance int `yaml:"stop_phrase_max_distance"`

	// InterruptionThresholdMs is the sustained-speech window before
	// barge-in. Zero selects a per-transport default: 800 local, 1500
	// browser. Telephony connections always use 2000, whatever is
	// configured here.
	InterruptionThresholdMs int `yaml:"interruption_threshold_ms"`

	// MaxConcurrentSessions caps live sessions across processes via the
	// lock directory. Zero selects 1.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
}
