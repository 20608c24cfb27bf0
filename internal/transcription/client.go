package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inikonoff/voice-bot/internal/audio"
	"github.com/inikonoff/voice-bot/internal/vad"
)

// Sentinel errors for the adapter's two failure classes.
var (
	// ErrUnavailable means the retry budget was exhausted on transient
	// failures (network errors, 5xx, 429).
	ErrUnavailable = errors.New("transcription service unavailable")
	// ErrRejected means the backend explicitly refused the input (4xx).
	// Never retried.
	ErrRejected = errors.New("transcription rejected")
)

// Config contains transcription client settings.
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Language      string
	Timeout       time.Duration // per attempt
	MaxRetries    int           // additional attempts after the first
	MaxConcurrent int
}

// Client sends speech segments to an external speech-to-text service. It is
// stateless beyond counters; every call is safe to retry.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	semaphore  chan struct{}

	// backoffBase scales retry delays; shrunk in tests.
	backoffBase time.Duration

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	mu              sync.RWMutex
}

// Stats is a snapshot of client counters for monitoring endpoints.
type Stats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

// apiResponse is the JSON body returned by the speech-to-text endpoint.
type apiResponse struct {
	Text string `json:"text"`
}

// NewClient creates a transcription client.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:      logger,
		semaphore:   make(chan struct{}, config.MaxConcurrent),
		backoffBase: time.Second,
	}, nil
}

// Transcribe sends the session's speech segments and returns recognized
// text. Segment audio is concatenated into a single WAV upload; segment
// boundaries already trimmed the silence, so one request covers the message.
func (c *Client) Transcribe(ctx context.Context, segments []vad.Segment, sampleRate int) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: no segments to transcribe", ErrRejected)
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	c.addRequest()

	wavData, err := encodeSegments(segments, sampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to encode segment audio: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.addRetry()
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.addFailure()
				return "", ctx.Err()
			}
		}

		text, err := c.doRequest(ctx, wavData)
		if err == nil {
			c.addSuccess()
			return text, nil
		}
		lastErr = err

		if errors.Is(err, ErrRejected) {
			c.addFailure()
			return "", err
		}

		c.logger.Warn("transcription attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("budget", c.config.MaxRetries+1),
			slog.String("error", err.Error()),
		)
	}

	c.addFailure()
	return "", fmt.Errorf("%w after %d attempts: %s", ErrUnavailable, c.config.MaxRetries+1, lastErr)
}

// doRequest performs one HTTP attempt against the speech-to-text endpoint.
func (c *Client) doRequest(ctx context.Context, wavData []byte) (string, error) {
	body, contentType, err := c.buildMultipart(wavData)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, truncate(respBody, 200))
	default:
		// 4xx: the backend refused this input, retrying cannot help.
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, truncate(respBody, 200))
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return strings.TrimSpace(parsed.Text), nil
}

// buildMultipart assembles the multipart/form-data upload: the WAV file plus
// model and language hints.
func (c *Client) buildMultipart(wavData []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"response_format": "json",
	}
	if c.config.Model != "" {
		fields["model"] = c.config.Model
	}
	if c.config.Language != "" {
		fields["language"] = c.config.Language
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// encodeSegments concatenates segment samples and wraps them in one WAV.
func encodeSegments(segments []vad.Segment, sampleRate int) ([]byte, error) {
	total := 0
	for _, seg := range segments {
		total += len(seg.Samples)
	}

	samples := make([]int16, 0, total)
	for _, seg := range segments {
		samples = append(samples, seg.Samples...)
	}

	return audio.EncodeWAV(samples, sampleRate)
}

// backoff computes the exponential delay before a retry attempt, with
// jitter, capped at ten times the base delay.
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1)) * float64(c.backoffBase))
	if max := 10 * c.backoffBase; d > max {
		d = max
	}
	return d + time.Duration(rand.Int63n(int64(c.backoffBase)/2+1))
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GetStats returns a counters snapshot.
func (c *Client) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rate := float64(0)
	if c.totalRequests > 0 {
		rate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return Stats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     rate,
		TotalRetries:    c.totalRetries,
	}
}

func (c *Client) addRequest() { c.mu.Lock(); c.totalRequests++; c.mu.Unlock() }
func (c *Client) addSuccess() { c.mu.Lock(); c.successRequests++; c.mu.Unlock() }
func (c *Client) addFailure() { c.mu.Lock(); c.failedRequests++; c.mu.Unlock() }
func (c *Client) addRetry()   { c.mu.Lock(); c.totalRetries++; c.mu.Unlock() }
