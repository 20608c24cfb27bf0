package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcode     TranscodeConfig     `yaml:"transcode"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains the ingest/monitoring HTTP server configuration.
type HTTPConfig struct {
	Port         int    `yaml:"port"`
	Address      string `yaml:"address"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// AudioConfig pins the canonical PCM format parameters.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
}

// VADConfig contains voice activity detection configuration.
type VADConfig struct {
	Backend            string  `yaml:"backend"` // "energy", "neural" or "none"
	ModelPath          string  `yaml:"model_path"`
	Threshold          float32 `yaml:"threshold"`
	FrameDuration      int     `yaml:"frame_duration_ms"` // 10, 20 or 30
	OnsetFrames        int     `yaml:"onset_frames"`
	SilenceTimeout     int     `yaml:"silence_timeout_ms"`
	Padding            int     `yaml:"padding_ms"`
	MinSegmentDuration int     `yaml:"min_segment_duration_ms"`
}

// TranscodeConfig contains ffmpeg transcoder configuration.
type TranscodeConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	TempDir    string `yaml:"temp_dir"`
	Timeout    int    `yaml:"timeout"` // seconds
}

// TranscriptionConfig contains speech-to-text API configuration. The API
// key comes from the STT_API_KEY environment variable, not the YAML file.
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"-"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds, per attempt
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// SessionConfig contains session lifecycle configuration.
type SessionConfig struct {
	Deadline  int `yaml:"deadline"` // seconds from receipt to terminal state
	MaxActive int `yaml:"max_active"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file, then pulls the API key from
// the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.Transcription.APIKey = os.Getenv("STT_API_KEY")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs validation of the complete configuration.
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}
	if err := c.Transcode.Validate(); err != nil {
		return fmt.Errorf("transcode config: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates HTTP configuration.
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}
	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if h.MaxBodyBytes < 1024 {
		return fmt.Errorf("max_body_bytes must be at least 1024, got %d", h.MaxBodyBytes)
	}
	return nil
}

// Validate validates audio configuration. The pipeline is hard-wired to the
// canonical transcoder output format.
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}
	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}
	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}
	return nil
}

// Validate validates VAD configuration.
func (v *VADConfig) Validate() error {
	switch v.Backend {
	case "energy", "neural", "none":
	default:
		return fmt.Errorf("backend must be one of [energy, neural, none], got %q", v.Backend)
	}

	if v.Backend == "neural" && v.ModelPath == "" {
		return fmt.Errorf("model_path cannot be empty for the neural backend")
	}
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	switch v.FrameDuration {
	case 10, 20, 30:
	default:
		return fmt.Errorf("frame_duration_ms must be 10, 20 or 30, got %d", v.FrameDuration)
	}

	if v.OnsetFrames < 1 {
		return fmt.Errorf("onset_frames must be at least 1, got %d", v.OnsetFrames)
	}
	if v.SilenceTimeout < v.FrameDuration {
		return fmt.Errorf("silence_timeout_ms must be at least one frame, got %d", v.SilenceTimeout)
	}
	if v.Padding < 0 {
		return fmt.Errorf("padding_ms cannot be negative, got %d", v.Padding)
	}
	if v.MinSegmentDuration < 0 {
		return fmt.Errorf("min_segment_duration_ms cannot be negative, got %d", v.MinSegmentDuration)
	}
	return nil
}

// Validate validates transcode configuration.
func (t *TranscodeConfig) Validate() error {
	if t.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}
	if t.TempDir == "" {
		return fmt.Errorf("temp_dir cannot be empty")
	}
	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}
	return nil
}

// Validate validates transcription configuration.
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if t.APIKey == "" {
		return fmt.Errorf("STT_API_KEY environment variable is not set")
	}
	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}
	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}
	return nil
}

// Validate validates session configuration.
func (s *SessionConfig) Validate() error {
	if s.Deadline < 1 {
		return fmt.Errorf("deadline must be at least 1 second, got %d", s.Deadline)
	}
	if s.MaxActive < 1 {
		return fmt.Errorf("max_active must be at least 1, got %d", s.MaxActive)
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got %q", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got %q", l.Format)
	}

	return nil
}

// GetTimeoutDuration returns the per-decode budget as a time.Duration.
func (t *TranscodeConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the per-attempt timeout as a time.Duration.
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetDeadlineDuration returns the per-session deadline as a time.Duration.
func (s *SessionConfig) GetDeadlineDuration() time.Duration {
	return time.Duration(s.Deadline) * time.Second
}

// GetFrameDuration returns the VAD frame size as a time.Duration.
func (v *VADConfig) GetFrameDuration() time.Duration {
	return time.Duration(v.FrameDuration) * time.Millisecond
}

// GetSilenceTimeout returns the silence timeout as a time.Duration.
func (v *VADConfig) GetSilenceTimeout() time.Duration {
	return time.Duration(v.SilenceTimeout) * time.Millisecond
}

// GetPadding returns the segment padding as a time.Duration.
func (v *VADConfig) GetPadding() time.Duration {
	return time.Duration(v.Padding) * time.Millisecond
}

// GetMinSegmentDuration returns the minimum segment duration as a
// time.Duration.
func (v *VADConfig) GetMinSegmentDuration() time.Duration {
	return time.Duration(v.MinSegmentDuration) * time.Millisecond
}
