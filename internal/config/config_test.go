package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:         8080,
			Address:      "0.0.0.0",
			MaxBodyBytes: 26214400,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			BitDepth:   16,
		},
		VAD: VADConfig{
			Backend:            "energy",
			Threshold:          0.5,
			FrameDuration:      20,
			OnsetFrames:        3,
			SilenceTimeout:     300,
			Padding:            100,
			MinSegmentDuration: 200,
		},
		Transcode: TranscodeConfig{
			FFmpegPath: "ffmpeg",
			TempDir:    "/tmp/voice-bot",
			Timeout:    30,
		},
		Transcription: TranscriptionConfig{
			Endpoint:      "https://api.example.com/transcribe",
			APIKey:        "test-key",
			Model:         "whisper-large-v3-turbo",
			Language:      "ru",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Session: SessionConfig{
			Deadline:  120,
			MaxActive: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid http port",
			mutate:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "empty address",
			mutate:      func(c *Config) { c.HTTP.Address = "" },
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
		{
			name:        "wrong sample rate",
			mutate:      func(c *Config) { c.Audio.SampleRate = 8000 },
			expectError: true,
			errorMsg:    "sample_rate must be 16000 Hz",
		},
		{
			name:        "stereo audio",
			mutate:      func(c *Config) { c.Audio.Channels = 2 },
			expectError: true,
			errorMsg:    "channels must be 1",
		},
		{
			name:        "unknown vad backend",
			mutate:      func(c *Config) { c.VAD.Backend = "magic" },
			expectError: true,
			errorMsg:    "backend must be one of",
		},
		{
			name: "neural backend without model path",
			mutate: func(c *Config) {
				c.VAD.Backend = "neural"
				c.VAD.ModelPath = ""
			},
			expectError: true,
			errorMsg:    "model_path cannot be empty",
		},
		{
			name:        "invalid vad threshold",
			mutate:      func(c *Config) { c.VAD.Threshold = 1.5 },
			expectError: true,
			errorMsg:    "threshold must be between 0 and 1",
		},
		{
			name:        "invalid frame duration",
			mutate:      func(c *Config) { c.VAD.FrameDuration = 25 },
			expectError: true,
			errorMsg:    "frame_duration_ms must be 10, 20 or 30",
		},
		{
			name:        "silence timeout below one frame",
			mutate:      func(c *Config) { c.VAD.SilenceTimeout = 10 },
			expectError: true,
			errorMsg:    "silence_timeout_ms",
		},
		{
			name:        "empty ffmpeg path",
			mutate:      func(c *Config) { c.Transcode.FFmpegPath = "" },
			expectError: true,
			errorMsg:    "ffmpeg_path cannot be empty",
		},
		{
			name:        "missing API key",
			mutate:      func(c *Config) { c.Transcription.APIKey = "" },
			expectError: true,
			errorMsg:    "STT_API_KEY",
		},
		{
			name:        "zero session deadline",
			mutate:      func(c *Config) { c.Session.Deadline = 0 },
			expectError: true,
			errorMsg:    "deadline must be at least 1 second",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
		{
			name:        "invalid log format",
			mutate:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
			errorMsg:    "format must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	t.Setenv("STT_API_KEY", "test-key")
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
http:
  address: "0.0.0.0"
  port: 8080
  max_body_bytes: 26214400
audio:
  sample_rate: 16000
  channels: 1
  bit_depth: 16
vad:
  backend: "energy"
  threshold: 0.5
  frame_duration_ms: 20
  onset_frames: 3
  silence_timeout_ms: 300
  padding_ms: 100
  min_segment_duration_ms: 200
transcode:
  ffmpeg_path: "ffmpeg"
  temp_dir: "/tmp/voice-bot"
  timeout: 30
transcription:
  endpoint: "https://api.example.com/transcribe"
  model: "whisper-large-v3-turbo"
  language: "ru"
  timeout: 30
  max_retries: 3
  max_concurrent: 4
session:
  deadline: 120
  max_active: 64
logging:
  level: "info"
  format: "json"
  output: "stdout"
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
http:
  port: [not a number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
http:
  port: 8080
`,
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0o644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				} else if config.Transcription.APIKey != "test-key" {
					t.Errorf("Expected API key from environment, got %q", config.Transcription.APIKey)
				}
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	vad := VADConfig{
		FrameDuration:      20,
		SilenceTimeout:     300,
		Padding:            100,
		MinSegmentDuration: 200,
	}

	if vad.GetFrameDuration() != 20*time.Millisecond {
		t.Errorf("Expected 20ms, got %v", vad.GetFrameDuration())
	}
	if vad.GetSilenceTimeout() != 300*time.Millisecond {
		t.Errorf("Expected 300ms, got %v", vad.GetSilenceTimeout())
	}
	if vad.GetPadding() != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", vad.GetPadding())
	}
	if vad.GetMinSegmentDuration() != 200*time.Millisecond {
		t.Errorf("Expected 200ms, got %v", vad.GetMinSegmentDuration())
	}

	transcode := TranscodeConfig{Timeout: 30}
	if transcode.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30s, got %v", transcode.GetTimeoutDuration())
	}

	session := SessionConfig{Deadline: 120}
	if session.GetDeadlineDuration() != 2*time.Minute {
		t.Errorf("Expected 2m, got %v", session.GetDeadlineDuration())
	}
}
