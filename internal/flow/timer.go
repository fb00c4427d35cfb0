package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionTimer tracks one inactivity timer per conversation using Go's
// standard time package. Resetting replaces the previous timer for the same
// conversation.
type SessionTimer struct {
	timers map[uuid.UUID]*time.Timer
	mu     sync.Mutex
}

// NewSessionTimer creates a new SessionTimer.
func NewSessionTimer() *SessionTimer {
	slog.Debug("Creating SessionTimer")
	return &SessionTimer{
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// Reset schedules fn to run after delay for the given conversation,
// cancelling any timer already pending for it.
func (t *SessionTimer) Reset(conversationID uuid.UUID, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, exists := t.timers[conversationID]; exists {
		prev.Stop()
	}
	t.timers[conversationID] = time.AfterFunc(delay, func() {
		slog.Debug("SessionTimer firing", "conversationID", conversationID)
		t.mu.Lock()
		delete(t.timers, conversationID)
		t.mu.Unlock()
		fn()
	})
	slog.Debug("SessionTimer reset", "conversationID", conversationID, "delay", delay)
}

// Cancel stops the pending timer for the conversation, if any.
func (t *SessionTimer) Cancel(conversationID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, exists := t.timers[conversationID]; exists {
		timer.Stop()
		delete(t.timers, conversationID)
		slog.Debug("SessionTimer cancelled", "conversationID", conversationID)
	}
}

// Stop cancels all pending timers.
func (t *SessionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	slog.Debug("SessionTimer stopping all timers", "count", len(t.timers))
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
