package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inikonoff/voice-bot/internal/config"
	"github.com/inikonoff/voice-bot/internal/metrics"
	"github.com/inikonoff/voice-bot/internal/session"
)

// HTTPServer is the transport-facing surface: voice-message ingest for the
// chat-bot collaborator plus health and monitoring endpoints.
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	pipeline  *session.Pipeline
	registry  *session.Registry
	metrics   *metrics.Metrics
	startTime time.Time
}

// voiceResponse is the JSON body returned to the transport collaborator.
type voiceResponse struct {
	Status      string `json:"status"` // "ok", "no_speech" or "failed"
	Text        string `json:"text,omitempty"`
	Reason      string `json:"reason,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	DegradedVAD bool   `json:"degraded_vad,omitempty"`
}

// NewHTTPServer creates the HTTP server with all routes configured.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	pipeline *session.Pipeline, registry *session.Registry, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		pipeline:  pipeline,
		registry:  registry,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/voice", h.withMetrics("/v1/voice", h.handleVoice))
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{chat_id}", h.handleSessionDetail))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.Handle("/metrics", promhttp.Handler())

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // ingest responses wait for the pipeline
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// withMetrics wraps an HTTP handler with metrics collection.
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start begins serving in the background.
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")
	return h.server.Shutdown(ctx)
}

// handleVoice implements POST /v1/voice: raw audio bytes in the body,
// chat_id and an optional format hint as query parameters. The response is
// exactly one of a transcript, a no-speech signal, or a failure reason.
func (h *HTTPServer) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	formatHint := r.URL.Query().Get("format")

	body := http.MaxBytesReader(w, r.Body, h.config.HTTP.MaxBodyBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "failed to read audio body", http.StatusRequestEntityTooLarge)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "empty audio body", http.StatusBadRequest)
		return
	}

	result, err := h.pipeline.Process(r.Context(), chatID, raw, formatHint)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrChatBusy):
			http.Error(w, "a voice message for this chat is already being processed", http.StatusConflict)
		case errors.Is(err, session.ErrRegistryFull):
			http.Error(w, "too many messages in flight, try again later", http.StatusServiceUnavailable)
		default:
			h.logger.Error("ingest failed", slog.String("chat_id", chatID), slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	resp := voiceResponse{
		SessionID:   result.SessionID,
		DegradedVAD: result.DegradedVAD,
	}
	switch {
	case result.Failed():
		resp.Status = "failed"
		resp.Reason = result.FailureReason
	case result.NoSpeech:
		resp.Status = "no_speech"
	default:
		resp.Status = "ok"
		resp.Text = result.Text
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleHealth implements the liveness probe: healthy iff the server is up
// and no session is stuck past twice its deadline.
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wedged := h.registry.Wedged()
	status := "healthy"
	code := http.StatusOK
	if wedged {
		status = "wedged"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          status,
		"timestamp":       time.Now().UTC(),
		"uptime":          time.Since(h.startTime).String(),
		"active_sessions": h.registry.Count(),
	})
}

// handleSessions implements GET /sessions.
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.registry.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements GET /sessions/{chat_id}.
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if chatID == "" {
		http.Error(w, "chat_id required", http.StatusBadRequest)
		return
	}

	s, exists := h.registry.Get(chatID)
	if !exists {
		http.Error(w, "no active session for chat", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Info())
}

// handleConfig implements GET /config with the API key omitted.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitized := map[string]interface{}{
		"http": map[string]interface{}{
			"address":        h.config.HTTP.Address,
			"port":           h.config.HTTP.Port,
			"max_body_bytes": h.config.HTTP.MaxBodyBytes,
		},
		"audio": map[string]interface{}{
			"sample_rate": h.config.Audio.SampleRate,
			"channels":    h.config.Audio.Channels,
			"bit_depth":   h.config.Audio.BitDepth,
		},
		"vad": map[string]interface{}{
			"backend":                 h.config.VAD.Backend,
			"model_path":              h.config.VAD.ModelPath,
			"threshold":               h.config.VAD.Threshold,
			"frame_duration_ms":       h.config.VAD.FrameDuration,
			"onset_frames":            h.config.VAD.OnsetFrames,
			"silence_timeout_ms":      h.config.VAD.SilenceTimeout,
			"padding_ms":              h.config.VAD.Padding,
			"min_segment_duration_ms": h.config.VAD.MinSegmentDuration,
		},
		"transcode": map[string]interface{}{
			"ffmpeg_path": h.config.Transcode.FFmpegPath,
			"temp_dir":    h.config.Transcode.TempDir,
			"timeout":     h.config.Transcode.Timeout,
		},
		"transcription": map[string]interface{}{
			"endpoint":       h.config.Transcription.Endpoint,
			"model":          h.config.Transcription.Model,
			"language":       h.config.Transcription.Language,
			"timeout":        h.config.Transcription.Timeout,
			"max_retries":    h.config.Transcription.MaxRetries,
			"max_concurrent": h.config.Transcription.MaxConcurrent,
			// API key intentionally omitted
		},
		"session": map[string]interface{}{
			"deadline":   h.config.Session.Deadline,
			"max_active": h.config.Session.MaxActive,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitized)
}
