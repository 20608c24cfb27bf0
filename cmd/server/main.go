package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/inikonoff/voice-bot/internal/config"
	"github.com/inikonoff/voice-bot/internal/metrics"
	"github.com/inikonoff/voice-bot/internal/server"
	"github.com/inikonoff/voice-bot/internal/session"
	"github.com/inikonoff/voice-bot/internal/transcode"
	"github.com/inikonoff/voice-bot/internal/transcription"
	"github.com/inikonoff/voice-bot/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-bot"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Secrets come from the environment; .env is a local convenience.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.String("vad_backend", cfg.VAD.Backend),
		slog.Int("vad_frame_ms", cfg.VAD.FrameDuration),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.Int("session_deadline_s", cfg.Session.Deadline),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()

	classifier, degraded, err := vad.NewClassifier(vad.ClassifierConfig{
		Backend:    vad.Backend(cfg.VAD.Backend),
		ModelPath:  cfg.VAD.ModelPath,
		Threshold:  cfg.VAD.Threshold,
		SampleRate: cfg.Audio.SampleRate,
	})
	if err != nil {
		logger.Error("Failed to create VAD classifier", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if degraded {
		logger.Warn("Preferred VAD backend unavailable, using energy fallback",
			slog.String("backend", cfg.VAD.Backend),
			slog.String("model_path", cfg.VAD.ModelPath),
		)
	}

	segmenter, err := vad.NewSegmenter(vad.Config{
		SampleRate:         cfg.Audio.SampleRate,
		FrameDuration:      cfg.VAD.GetFrameDuration(),
		OnsetFrames:        cfg.VAD.OnsetFrames,
		SilenceTimeout:     cfg.VAD.GetSilenceTimeout(),
		Padding:            cfg.VAD.GetPadding(),
		MinSegmentDuration: cfg.VAD.GetMinSegmentDuration(),
	}, classifier)
	if err != nil {
		logger.Error("Failed to create segmenter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	transcoder, err := transcode.New(transcode.Config{
		FFmpegPath: cfg.Transcode.FFmpegPath,
		TempDir:    cfg.Transcode.TempDir,
		Timeout:    cfg.Transcode.GetTimeoutDuration(),
	}, logger)
	if err != nil {
		logger.Error("Failed to create transcoder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	transcriber, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	}, logger)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := session.NewRegistry(logger, cfg.Session.GetDeadlineDuration(), cfg.Session.MaxActive)

	pipeline, err := session.NewPipeline(session.Config{
		Deadline:   cfg.Session.GetDeadlineDuration(),
		MaxActive:  cfg.Session.MaxActive,
		SampleRate: cfg.Audio.SampleRate,
	}, transcoder, segmenter, transcriber, registry, degraded, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, pipeline, registry, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Sweep scratch files left behind by sessions that died mid-decode.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				transcoder.SweepStale(time.Hour)
			}
		}
	}()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	sweepCancel()
	registry.Stop()

	stats := transcriber.GetStats()
	logger.Info("Final transcription statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("successful", stats.SuccessRequests),
		slog.Float64("success_rate", stats.SuccessRate),
	)

	logger.Info("Service stopped")
}

// initLogger creates the structured logger from configuration.
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
