package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrChatBusy means the chat already has a live session; the transport
	// should tell the user to wait for the previous message to finish.
	ErrChatBusy = errors.New("chat already has an active session")
	// ErrRegistryFull means the configured concurrent-session cap is reached.
	ErrRegistryFull = errors.New("too many active sessions")
)

// Registry is the process-wide map of live sessions, keyed by chat. It is
// the single shared mutable resource of the pipeline; sessions themselves
// never touch each other's state.
type Registry struct {
	byChat    map[string]*Session
	maxActive int
	deadline  time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a registry and starts its background reaper. deadline
// is the per-session processing deadline; a session older than twice that
// marks the registry as wedged.
func NewRegistry(logger *slog.Logger, deadline time.Duration, maxActive int) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		byChat:    make(map[string]*Session),
		maxActive: maxActive,
		deadline:  deadline,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go r.reapLoop(ctx)
	return r
}

// Add registers a session. At most one live session per chat, bounded by
// the global cap.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byChat[s.ChatID]; exists {
		return ErrChatBusy
	}
	if r.maxActive > 0 && len(r.byChat) >= r.maxActive {
		return ErrRegistryFull
	}

	r.byChat[s.ChatID] = s
	return nil
}

// Remove retires a session. Returns false when the session was already
// removed or replaced, so removal side effects run exactly once.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.byChat[s.ChatID]
	if !exists || current.ID != s.ID {
		return false
	}

	delete(r.byChat, s.ChatID)
	return true
}

// Get returns the live session for a chat, if any.
func (r *Registry) Get(chatID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byChat[chatID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChat)
}

// Snapshot returns monitoring info for all live sessions.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.byChat))
	for _, s := range r.byChat {
		infos = append(infos, s.Info())
	}
	return infos
}

// Wedged reports whether any session has lived past twice its deadline.
// The deadline handling in the pipeline should make this impossible; if it
// happens the health probe must go red.
func (r *Registry) Wedged() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := 2 * r.deadline
	for _, s := range r.byChat {
		if time.Since(s.CreatedAt) > limit {
			return true
		}
	}
	return false
}

// Stop terminates the reaper. Live sessions finish on their own deadlines.
func (r *Registry) Stop() {
	r.cancel()
	<-r.done
}

// reapLoop periodically force-removes sessions that outlived twice their
// deadline, so a leaked session cannot block its chat forever.
func (r *Registry) reapLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapExpired()
		}
	}
}

func (r *Registry) reapExpired() {
	limit := 2 * r.deadline

	r.mu.Lock()
	defer r.mu.Unlock()

	for chatID, s := range r.byChat {
		if time.Since(s.CreatedAt) <= limit {
			continue
		}
		r.logger.Error("reaping stuck session",
			slog.String("session_id", s.ID),
			slog.String("chat_id", chatID),
			slog.String("state", s.State().String()),
			slog.Duration("age", time.Since(s.CreatedAt)),
		)
		s.fail(ReasonDeadline)
		delete(r.byChat, chatID)
	}
}
