package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inikonoff/voice-bot/internal/audio"
	"github.com/inikonoff/voice-bot/internal/metrics"
	"github.com/inikonoff/voice-bot/internal/transcode"
	"github.com/inikonoff/voice-bot/internal/transcription"
	"github.com/inikonoff/voice-bot/internal/vad"
)

// Transcoder converts raw inbound audio into canonical PCM.
type Transcoder interface {
	Transcode(ctx context.Context, raw []byte, sourceHint string) (*audio.PCMBuffer, error)
}

// Segmenter extracts speech segments from a PCM buffer.
type Segmenter interface {
	Segment(pcm *audio.PCMBuffer) []vad.Segment
}

// Transcriber converts speech segments into text.
type Transcriber interface {
	Transcribe(ctx context.Context, segments []vad.Segment, sampleRate int) (string, error)
}

// Result is what the transport collaborator renders to the user: exactly one
// of transcript text, a no-speech signal, or a failure reason class.
type Result struct {
	SessionID     string `json:"session_id"`
	Text          string `json:"text,omitempty"`
	NoSpeech      bool   `json:"no_speech,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	DegradedVAD   bool   `json:"degraded_vad,omitempty"`
}

// Failed reports whether the session ended in the Failed state.
func (r Result) Failed() bool { return r.FailureReason != "" }

// Config contains pipeline-level settings.
type Config struct {
	Deadline   time.Duration // wall clock from Received to a terminal state
	MaxActive  int           // concurrent session cap, 0 = unlimited
	SampleRate int
}

// Pipeline drives each voice message through the session state machine:
// Received -> Transcoding -> Segmenting -> Transcribing -> Replying -> Done,
// with NoSpeech and Failed terminals. One pipeline serves the whole process;
// sessions progress concurrently as independent goroutines.
type Pipeline struct {
	config      Config
	transcoder  Transcoder
	segmenter   Segmenter
	transcriber Transcriber
	registry    *Registry
	degradedVAD bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewPipeline assembles the pipeline. degradedVAD records that the preferred
// classifier backend failed to initialize at startup and every session runs
// on the fallback. metrics may be nil in tests.
func NewPipeline(config Config, transcoder Transcoder, segmenter Segmenter,
	transcriber Transcriber, registry *Registry, degradedVAD bool,
	logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {

	if transcoder == nil || segmenter == nil || transcriber == nil {
		return nil, fmt.Errorf("transcoder, segmenter and transcriber are all required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.Deadline <= 0 {
		config.Deadline = 2 * time.Minute
	}
	if config.SampleRate <= 0 {
		config.SampleRate = audio.CanonicalSampleRate
	}

	return &Pipeline{
		config:      config,
		transcoder:  transcoder,
		segmenter:   segmenter,
		transcriber: transcriber,
		registry:    registry,
		degradedVAD: degradedVAD,
		logger:      logger,
		metrics:     m,
	}, nil
}

// Process runs one voice message to a terminal state and returns the result
// for the transport to render. The error return is reserved for admission
// failures (ErrChatBusy, ErrRegistryFull); pipeline-stage failures come back
// inside the Result as a reason class.
func (p *Pipeline) Process(ctx context.Context, chatID string, raw []byte, sourceHint string) (Result, error) {
	s := New(chatID, p.config.Deadline)
	if p.degradedVAD {
		s.setDegradedVAD()
	}

	if err := p.registry.Add(s); err != nil {
		return Result{}, err
	}
	if p.metrics != nil {
		p.metrics.RecordSessionCreated(p.registry.Count())
	}

	ctx, cancel := context.WithDeadline(ctx, s.Deadline)
	defer cancel()

	result := p.run(ctx, s, raw, sourceHint)

	// Terminal state reached: retire the session exactly once.
	p.registry.Remove(s)
	if p.metrics != nil {
		p.metrics.RecordSessionFinished(s.State().String(), time.Since(s.CreatedAt).Seconds(), p.registry.Count())
	}

	p.logger.Info("session finished",
		slog.String("session_id", s.ID),
		slog.String("chat_id", chatID),
		slog.String("state", s.State().String()),
		slog.String("failure_reason", s.FailureReason()),
		slog.Bool("degraded_vad", p.degradedVAD),
		slog.Duration("elapsed", time.Since(s.CreatedAt)),
	)

	return result, nil
}

// run executes the stage sequence. Stage errors are mapped to failure
// reason classes here and never propagate raw.
func (p *Pipeline) run(ctx context.Context, s *Session, raw []byte, sourceHint string) Result {
	// RECEIVED -> TRANSCODING
	if err := s.advance(StateTranscoding); err != nil {
		return p.failed(s, ReasonInternal, err)
	}

	pcm, err := p.transcoder.Transcode(ctx, raw, sourceHint)
	if err != nil {
		return p.failed(s, transcodeReason(ctx, err), err)
	}
	// The PCM buffer lives only as long as segmentation needs it.
	defer pcm.Release()

	// TRANSCODING -> SEGMENTING
	if err := s.advance(StateSegmenting); err != nil {
		return p.failed(s, ReasonInternal, err)
	}

	segments := p.segmenter.Segment(pcm)
	s.setSegments(segments)
	if p.metrics != nil {
		p.metrics.RecordSegmentation(len(segments))
	}

	if len(segments) == 0 {
		// No qualifying speech: a terminal outcome distinct from failure.
		if err := s.advance(StateNoSpeech); err != nil {
			return p.failed(s, ReasonInternal, err)
		}
		return Result{SessionID: s.ID, NoSpeech: true, DegradedVAD: p.degradedVAD}
	}

	// SEGMENTING -> TRANSCRIBING
	if err := s.advance(StateTranscribing); err != nil {
		return p.failed(s, ReasonInternal, err)
	}

	text, err := p.transcriber.Transcribe(ctx, segments, pcm.SampleRate)
	if err != nil {
		return p.failed(s, transcribeReason(ctx, err), err)
	}
	s.setTranscript(text)

	// TRANSCRIBING -> REPLYING -> DONE. Handing the result back to the
	// transport caller is the completion signal; delivery is out of scope.
	if err := s.advance(StateReplying); err != nil {
		return p.failed(s, ReasonInternal, err)
	}
	if err := s.advance(StateDone); err != nil {
		return p.failed(s, ReasonInternal, err)
	}

	return Result{SessionID: s.ID, Text: text, DegradedVAD: p.degradedVAD}
}

// failed records the failure on the session and builds the outward result.
func (p *Pipeline) failed(s *Session, reason string, err error) Result {
	s.fail(reason)
	p.logger.Warn("session failed",
		slog.String("session_id", s.ID),
		slog.String("chat_id", s.ChatID),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	return Result{SessionID: s.ID, FailureReason: reason, DegradedVAD: p.degradedVAD}
}

// transcodeReason maps a transcoder error onto a failure class. A blown
// session deadline wins over the stage's own classification.
func transcodeReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return ReasonDeadline
	case errors.Is(err, transcode.ErrTimeout):
		return ReasonTranscodeTimeout
	case errors.Is(err, transcode.ErrUnsupportedFormat):
		return ReasonUnsupportedFormat
	default:
		return ReasonInternal
	}
}

func transcribeReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return ReasonDeadline
	case errors.Is(err, transcription.ErrRejected):
		return ReasonTranscriptionRejected
	case errors.Is(err, transcription.ErrUnavailable):
		return ReasonTranscriptionUnavailable
	default:
		return ReasonInternal
	}
}
