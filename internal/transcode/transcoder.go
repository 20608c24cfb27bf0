package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inikonoff/voice-bot/internal/audio"
)

// Sentinel errors for the two transcoder failure classes. Neither is
// retried: repeating a bad decode only burns worker capacity.
var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrTimeout           = errors.New("transcode timed out")
)

// Config contains transcoder settings.
type Config struct {
	FFmpegPath string        // ffmpeg binary, defaults to "ffmpeg" on PATH
	TempDir    string        // scratch area for input/output file pairs
	Timeout    time.Duration // wall-clock budget per decode
}

// Transcoder converts arbitrary inbound audio into canonical 16 kHz mono
// s16le PCM by shelling out to ffmpeg with a bounded execution time.
type Transcoder struct {
	config Config
	logger *slog.Logger

	// runCmd executes the decode command; replaced in tests.
	runCmd func(ctx context.Context, name string, args ...string) error
}

// New creates a transcoder. The temp directory is created if missing.
func New(config Config, logger *slog.Logger) (*Transcoder, error) {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.TempDir == "" {
		config.TempDir = os.TempDir()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if err := os.MkdirAll(config.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir %s: %w", config.TempDir, err)
	}

	t := &Transcoder{
		config: config,
		logger: logger,
	}
	t.runCmd = t.execFFmpeg

	return t, nil
}

// Transcode decodes raw audio bytes into a canonical PCM buffer. The source
// hint ("ogg", "mp3", ...) names the container when the transport knows it;
// ffmpeg probes the content either way. Both scratch files are removed on
// every exit path.
func (t *Transcoder) Transcode(ctx context.Context, raw []byte, sourceHint string) (*audio.PCMBuffer, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUnsupportedFormat)
	}

	// Collision-free names: the temp area is shared by all concurrent
	// sessions.
	id := uuid.NewString()
	inPath := filepath.Join(t.config.TempDir, "voice_"+id+"."+extensionFor(sourceHint))
	outPath := filepath.Join(t.config.TempDir, "voice_"+id+".s16le")
	defer func() {
		os.Remove(inPath)
		os.Remove(outPath)
	}()

	if err := os.WriteFile(inPath, raw, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write transcode input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	start := time.Now()
	err := t.runCmd(ctx, t.config.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-y", "-i", inPath,
		"-ac", fmt.Sprintf("%d", audio.CanonicalChannels),
		"-ar", fmt.Sprintf("%d", audio.CanonicalSampleRate),
		"-f", "s16le",
		outPath,
	)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, t.config.Timeout)
		}
		t.logger.Warn("ffmpeg decode failed",
			slog.String("hint", sourceHint),
			slog.Int("input_bytes", len(raw)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, truncate(err.Error(), 200))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcode output: %w", err)
	}

	pcm, err := audio.FromBytes(data, audio.CanonicalSampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, err)
	}

	t.logger.Debug("transcode complete",
		slog.String("hint", sourceHint),
		slog.Int("input_bytes", len(raw)),
		slog.Int("samples", len(pcm.Samples)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return pcm, nil
}

// execFFmpeg runs the decode subprocess, folding stderr into the error.
func (t *Transcoder) execFFmpeg(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %s", err, msg)
		}
		return err
	}
	return nil
}

// SweepStale removes scratch files older than maxAge left behind by crashed
// sessions. Called periodically from the main loop.
func (t *Transcoder) SweepStale(maxAge time.Duration) int {
	entries, err := os.ReadDir(t.config.TempDir)
	if err != nil {
		return 0
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "voice_") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(t.config.TempDir, entry.Name())) == nil {
			removed++
		}
	}

	if removed > 0 {
		t.logger.Debug("removed stale transcode files", slog.Int("count", removed))
	}
	return removed
}

// extensionFor maps a transport format hint onto a file extension ffmpeg can
// use as a probing aid. Unknown hints fall back to a neutral extension.
func extensionFor(hint string) string {
	switch strings.ToLower(strings.TrimPrefix(hint, ".")) {
	case "ogg", "oga", "opus":
		return "ogg"
	case "mp3":
		return "mp3"
	case "m4a", "aac":
		return "m4a"
	case "wav":
		return "wav"
	case "flac":
		return "flac"
	case "webm":
		return "webm"
	default:
		return "bin"
	}
}

// truncate bounds error text carried upward; full output stays in the log.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
