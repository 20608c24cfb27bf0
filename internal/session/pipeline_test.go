package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inikonoff/voice-bot/internal/audio"
	"github.com/inikonoff/voice-bot/internal/transcode"
	"github.com/inikonoff/voice-bot/internal/transcription"
	"github.com/inikonoff/voice-bot/internal/vad"
)

type stubTranscoder struct {
	err   error
	calls int
}

func (s *stubTranscoder) Transcode(ctx context.Context, raw []byte, sourceHint string) (*audio.PCMBuffer, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return audio.NewPCMBuffer(make([]int16, 16000), 16000), nil
}

type stubSegmenter struct {
	segments []vad.Segment
	calls    int
}

func (s *stubSegmenter) Segment(pcm *audio.PCMBuffer) []vad.Segment {
	s.calls++
	return s.segments
}

type stubTranscriber struct {
	text       string
	err        error
	blockOnCtx bool
	calls      int
}

func (s *stubTranscriber) Transcribe(ctx context.Context, segments []vad.Segment, sampleRate int) (string, error) {
	s.calls++
	if s.blockOnCtx {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.text, s.err
}

func speechSegments() []vad.Segment {
	return []vad.Segment{{StartMS: 400, EndMS: 2600, Confidence: 0.9}}
}

func newTestPipeline(t *testing.T, tc Transcoder, sg Segmenter, tr Transcriber, degraded bool) (*Pipeline, *Registry) {
	t.Helper()

	r := NewRegistry(testLogger(), time.Minute, 10)
	t.Cleanup(r.Stop)

	p, err := NewPipeline(Config{Deadline: time.Minute, SampleRate: 16000},
		tc, sg, tr, r, degraded, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	return p, r
}

func TestProcessSuccess(t *testing.T) {
	tc := &stubTranscoder{}
	sg := &stubSegmenter{segments: speechSegments()}
	tr := &stubTranscriber{text: "hello there"}
	p, r := newTestPipeline(t, tc, sg, tr, false)

	result, err := p.Process(context.Background(), "chat-1", []byte("audio"), "ogg")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Text != "hello there" {
		t.Errorf("Expected transcript, got %q", result.Text)
	}
	if result.NoSpeech || result.Failed() {
		t.Errorf("Expected clean success, got %+v", result)
	}
	if result.SessionID == "" {
		t.Error("Expected session ID in result")
	}
	if r.Count() != 0 {
		t.Errorf("Expected session retired after completion, got count %d", r.Count())
	}
	if tc.calls != 1 || sg.calls != 1 || tr.calls != 1 {
		t.Errorf("Expected each stage to run once: transcode=%d segment=%d transcribe=%d",
			tc.calls, sg.calls, tr.calls)
	}
}

func TestProcessNoSpeech(t *testing.T) {
	tc := &stubTranscoder{}
	sg := &stubSegmenter{} // no segments found
	tr := &stubTranscriber{text: "should not run"}
	p, r := newTestPipeline(t, tc, sg, tr, false)

	result, err := p.Process(context.Background(), "chat-1", []byte("audio"), "ogg")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !result.NoSpeech {
		t.Error("Expected no-speech outcome")
	}
	if result.Failed() {
		t.Error("No speech is not a failure")
	}
	if result.Text != "" {
		t.Errorf("Expected empty transcript, got %q", result.Text)
	}
	if tr.calls != 0 {
		t.Error("Expected transcription to be skipped for a silent message")
	}
	if r.Count() != 0 {
		t.Errorf("Expected session retired, got count %d", r.Count())
	}
}

func TestProcessUnsupportedFormat(t *testing.T) {
	tc := &stubTranscoder{err: transcode.ErrUnsupportedFormat}
	sg := &stubSegmenter{segments: speechSegments()}
	tr := &stubTranscriber{text: "x"}
	p, r := newTestPipeline(t, tc, sg, tr, false)

	result, err := p.Process(context.Background(), "chat-1", []byte("not audio"), "zip")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.FailureReason != ReasonUnsupportedFormat {
		t.Errorf("Expected unsupported_format, got %q", result.FailureReason)
	}
	if sg.calls != 0 || tr.calls != 0 {
		t.Error("Expected downstream stages to be skipped after transcode failure")
	}
	if r.Count() != 0 {
		t.Errorf("Expected failed session retired, got count %d", r.Count())
	}
}

func TestProcessFailureReasons(t *testing.T) {
	tests := []struct {
		name          string
		transcodeErr  error
		transcribeErr error
		wantReason    string
	}{
		{
			name:         "transcode timeout",
			transcodeErr: transcode.ErrTimeout,
			wantReason:   ReasonTranscodeTimeout,
		},
		{
			name:          "transcription unavailable",
			transcribeErr: transcription.ErrUnavailable,
			wantReason:    ReasonTranscriptionUnavailable,
		},
		{
			name:          "transcription rejected",
			transcribeErr: transcription.ErrRejected,
			wantReason:    ReasonTranscriptionRejected,
		},
		{
			name:          "unclassified error",
			transcribeErr: errors.New("boom"),
			wantReason:    ReasonInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := &stubTranscoder{err: tt.transcodeErr}
			sg := &stubSegmenter{segments: speechSegments()}
			tr := &stubTranscriber{err: tt.transcribeErr}
			p, _ := newTestPipeline(t, tc, sg, tr, false)

			result, err := p.Process(context.Background(), "chat-1", []byte("audio"), "ogg")
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if result.FailureReason != tt.wantReason {
				t.Errorf("Expected reason %q, got %q", tt.wantReason, result.FailureReason)
			}
		})
	}
}

func TestProcessDeadline(t *testing.T) {
	tc := &stubTranscoder{}
	sg := &stubSegmenter{segments: speechSegments()}
	tr := &stubTranscriber{blockOnCtx: true}

	r := NewRegistry(testLogger(), 30*time.Millisecond, 10)
	t.Cleanup(r.Stop)

	p, err := NewPipeline(Config{Deadline: 30 * time.Millisecond, SampleRate: 16000},
		tc, sg, tr, r, false, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	result, err := p.Process(context.Background(), "chat-1", []byte("audio"), "ogg")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.FailureReason != ReasonDeadline {
		t.Errorf("Expected deadline failure, got %q", result.FailureReason)
	}
	if r.Count() != 0 {
		t.Errorf("Expected session retired after deadline, got count %d", r.Count())
	}
}

func TestProcessChatBusy(t *testing.T) {
	tc := &stubTranscoder{}
	sg := &stubSegmenter{segments: speechSegments()}
	tr := &stubTranscriber{text: "x"}
	p, r := newTestPipeline(t, tc, sg, tr, false)

	// Occupy the chat before Process runs.
	if err := r.Add(New("chat-1", time.Minute)); err != nil {
		t.Fatalf("Failed to pre-register session: %v", err)
	}

	_, err := p.Process(context.Background(), "chat-1", []byte("audio"), "ogg")
	if !errors.Is(err, ErrChatBusy) {
		t.Errorf("Expected ErrChatBusy, got %v", err)
	}
	if tc.calls != 0 {
		t.Error("Expected no stage to run for a rejected message")
	}
	if r.Count() != 1 {
		t.Errorf("Expected the original session to survive, got count %d", r.Count())
	}
}

func TestProcessRegistryFull(t *testing.T) {
	tc := &stubTranscoder{}
	sg := &stubSegmenter{segments: speechSegments()}
	tr := &stubTranscriber{text: "x"}

	r := NewRegistry(testLogger(), time.Minute, 1)
	t.Cleanup(r.Stop)

	p, err := NewPipeline(Config{Deadline: time.Minute, SampleRate: 16000},
		tc, sg, tr, r, false, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	if err := r.Add(New("other-chat", time.Minute)); err != nil {
		t.Fatalf("Failed to pre-register session: %v", err)
	}

	_, err = p.Process(context.Background(), "chat-1", []byte("audio"), "ogg")
	if !errors.Is(err, ErrRegistryFull) {
		t.Errorf("Expected ErrRegistryFull, got %v", err)
	}
}

func TestProcessDegradedVADPropagates(t *testing.T) {
	tc := &stubTranscoder{}
	sg := &stubSegmenter{segments: speechSegments()}
	tr := &stubTranscriber{text: "hi"}
	p, _ := newTestPipeline(t, tc, sg, tr, true)

	result, err := p.Process(context.Background(), "chat-1", []byte("audio"), "ogg")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !result.DegradedVAD {
		t.Error("Expected degraded VAD flag in the result")
	}
}

func TestNewPipelineValidation(t *testing.T) {
	r := NewRegistry(testLogger(), time.Minute, 10)
	t.Cleanup(r.Stop)

	tc := &stubTranscoder{}
	sg := &stubSegmenter{}
	tr := &stubTranscriber{}

	if _, err := NewPipeline(Config{}, nil, sg, tr, r, false, testLogger(), nil); err == nil {
		t.Error("Expected error for nil transcoder")
	}
	if _, err := NewPipeline(Config{}, tc, sg, tr, nil, false, testLogger(), nil); err == nil {
		t.Error("Expected error for nil registry")
	}
}
