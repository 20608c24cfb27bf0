package transcription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inikonoff/voice-bot/internal/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSegments() []vad.Segment {
	samples := make([]int16, 3200) // 200 ms at 16 kHz
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	return []vad.Segment{
		{StartMS: 400, EndMS: 500, Samples: samples[:1600], Confidence: 0.9},
		{StartMS: 800, EndMS: 900, Samples: samples[1600:], Confidence: 0.8},
	}
}

func newTestClient(t *testing.T, endpoint string, maxRetries int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoint:      endpoint,
		APIKey:        "test-key",
		Model:         "whisper-large-v3-turbo",
		Language:      "ru",
		Timeout:       5 * time.Second,
		MaxRetries:    maxRetries,
		MaxConcurrent: 2,
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	c.backoffBase = time.Millisecond
	return c
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "k"}, testLogger()); err == nil {
		t.Error("Expected error for empty endpoint")
	}
	if _, err := NewClient(Config{Endpoint: "http://x"}, testLogger()); err == nil {
		t.Error("Expected error for empty API key")
	}
}

func TestTranscribeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("Failed to parse multipart body: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-large-v3-turbo" {
			t.Errorf("Expected model field, got %q", got)
		}
		if got := r.FormValue("language"); got != "ru" {
			t.Errorf("Expected language field, got %q", got)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("Expected audio file part: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "  привет мир  "}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2)

	text, err := c.Transcribe(context.Background(), testSegments(), 16000)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "привет мир" {
		t.Errorf("Expected trimmed transcript, got %q", text)
	}

	stats := c.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestTranscribeRetriesTransientFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"text": "third time lucky"}`))
	}))
	defer server.Close()

	// Budget of three attempts: two transient failures then success.
	c := newTestClient(t, server.URL, 2)

	text, err := c.Transcribe(context.Background(), testSegments(), 16000)
	if err != nil {
		t.Fatalf("Expected success within the retry budget, got %v", err)
	}
	if text != "third time lucky" {
		t.Errorf("Unexpected transcript: %q", text)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}

	if stats := c.GetStats(); stats.TotalRetries != 2 {
		t.Errorf("Expected 2 recorded retries, got %d", stats.TotalRetries)
	}
}

func TestTranscribeExhaustsBudget(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2)

	_, err := c.Transcribe(context.Background(), testSegments(), 16000)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestTranscribeSingleAttemptBudget(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 0)

	_, err := c.Transcribe(context.Background(), testSegments(), 16000)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("Expected exactly 1 attempt, got %d", n)
	}
}

func TestTranscribeRejectedNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "audio too long", http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)

	_, err := c.Transcribe(context.Background(), testSegments(), 16000)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("Expected rejection to short-circuit retries, got %d attempts", n)
	}
}

func TestTranscribeEmptySegments(t *testing.T) {
	c := newTestClient(t, "http://localhost:1", 0)

	_, err := c.Transcribe(context.Background(), nil, 16000)
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Expected ErrRejected for empty segments, got %v", err)
	}
}

func TestTranscribeContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 5)
	c.backoffBase = time.Second // force the retry loop to wait

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Transcribe(ctx, testSegments(), 16000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context deadline error, got %v", err)
	}
}
