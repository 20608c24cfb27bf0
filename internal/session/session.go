package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inikonoff/voice-bot/internal/vad"
)

// State is the position of a session in its processing lifecycle.
// Transitions are monotonic; terminal states are never exited.
type State int

const (
	StateReceived State = iota
	StateTranscoding
	StateSegmenting
	StateTranscribing
	StateReplying
	StateDone
	StateNoSpeech
	StateFailed
)

// String returns the lowercase state name used in logs and APIs.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateTranscoding:
		return "transcoding"
	case StateSegmenting:
		return "segmenting"
	case StateTranscribing:
		return "transcribing"
	case StateReplying:
		return "replying"
	case StateDone:
		return "done"
	case StateNoSpeech:
		return "no_speech"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateDone || s == StateNoSpeech || s == StateFailed
}

// Failure reason classes surfaced to the transport collaborator. Raw
// internal errors never cross that boundary.
const (
	ReasonUnsupportedFormat        = "unsupported_format"
	ReasonTranscodeTimeout         = "transcode_timeout"
	ReasonTranscriptionUnavailable = "transcription_unavailable"
	ReasonTranscriptionRejected    = "transcription_rejected"
	ReasonDeadline                 = "deadline"
	ReasonInternal                 = "internal"
)

// Session is one inbound voice message under processing. It is mutated only
// by the pipeline that owns it; everything else reads snapshots.
type Session struct {
	ID        string
	ChatID    string
	CreatedAt time.Time
	Deadline  time.Time

	state         State
	degradedVAD   bool
	segments      []vad.Segment
	transcript    string
	failureReason string

	mu sync.RWMutex
}

// New creates a session in the Received state with the given processing
// deadline.
func New(chatID string, deadline time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		CreatedAt: now,
		Deadline:  now.Add(deadline),
		state:     StateReceived,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// advance moves the session forward along the state machine. Moving
// backwards or out of a terminal state is a programming error.
func (s *Session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return fmt.Errorf("cannot leave terminal state %s", s.state)
	}
	if to != StateFailed && to <= s.state {
		return fmt.Errorf("cannot transition %s -> %s", s.state, to)
	}

	s.state = to
	return nil
}

// fail moves the session to Failed with the given reason class. Failed is
// reachable from any non-terminal state.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	s.state = StateFailed
	s.failureReason = reason
}

// setDegradedVAD records that the preferred classifier backend was not
// available and the lightweight fallback was used.
func (s *Session) setDegradedVAD() {
	s.mu.Lock()
	s.degradedVAD = true
	s.mu.Unlock()
}

func (s *Session) setSegments(segments []vad.Segment) {
	s.mu.Lock()
	s.segments = segments
	s.mu.Unlock()
}

func (s *Session) setTranscript(text string) {
	s.mu.Lock()
	s.transcript = text
	s.mu.Unlock()
}

// FailureReason returns the recorded failure class, empty unless Failed.
func (s *Session) FailureReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failureReason
}

// Info captures a read-only monitoring snapshot.
type Info struct {
	ID            string    `json:"id"`
	ChatID        string    `json:"chat_id"`
	CreatedAt     time.Time `json:"created_at"`
	Deadline      time.Time `json:"deadline"`
	State         string    `json:"state"`
	DegradedVAD   bool      `json:"degraded_vad"`
	SegmentCount  int       `json:"segment_count"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Age           string    `json:"age"`
}

// Info returns the session snapshot.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		ID:            s.ID,
		ChatID:        s.ChatID,
		CreatedAt:     s.CreatedAt,
		Deadline:      s.Deadline,
		State:         s.state.String(),
		DegradedVAD:   s.degradedVAD,
		SegmentCount:  len(s.segments),
		FailureReason: s.failureReason,
		Age:           time.Since(s.CreatedAt).String(),
	}
}
