package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventRunning    EventType = "running"
	EventFailed     EventType = "failed"
	EventStopped    EventType = "stopped"
	EventDeleted    EventType = "deleted"
)

// Event is a project lifecycle event exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ProjectID  string    `json:"project_id"`
	StackKind  string    `json:"stack_kind"`
	Status     string    `json:"status"`
	Port       int       `json:"port"`
	PreviewURL string    `json:"preview_url,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NewEvent stamps a fresh id and the current time.
func NewEvent(t EventType, projectID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		ProjectID:  projectID,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
