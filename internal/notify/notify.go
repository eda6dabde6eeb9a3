// Package notify pushes fire-and-forget notifications to UI-facing sinks.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority of a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is a single push to the UI.
type Notification struct {
	Kind          string    `json:"kind"` // "assignment", "learning", ...
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Priority      Priority  `json:"priority"`
	SourceAgentID string    `json:"source_agent_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sink delivers notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendTimeout bounds a single fire-and-forget delivery.
const SendTimeout = 5 * time.Second

// Send delivers n in the background. Failures are logged and never returned.
func Send(sink Sink, n Notification, logger *zap.Logger) {
	if sink == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
		defer cancel()
		if err := sink.Notify(ctx, n); err != nil {
			logger.Warn("notification delivery failed",
				zap.String("title", n.Title),
				zap.String("agent", n.SourceAgentID),
				zap.Error(err))
		}
	}()
}

// Recorder keeps the most recent notifications in memory.
type Recorder struct {
	mu      sync.RWMutex
	limit   int
	history []Notification
}

// NewRecorder creates a Recorder holding at most limit entries.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 100
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, n)
	if len(r.history) > r.limit {
		r.history = r.history[len(r.history)-r.limit:]
	}
	return nil
}

// History returns up to limit recent notifications, oldest first.
func (r *Recorder) History(limit int) []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]Notification, limit)
	copy(out, r.history[len(r.history)-limit:])
	return out
}
