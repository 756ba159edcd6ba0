package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventTransition EventType = "transition"
	EventAlarm      EventType = "alarm"
)

// Event is one exported lifecycle occurrence: a status transition performed
// by a stage, or a raised TAT alarm. The reporting side of the floor reads
// these out of the configured sink.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	DraftID    string    `json:"draft_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	NextTask   string    `json:"next_task,omitempty"`
	Level      string    `json:"level,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for lifecycle events (analytics/reporting systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans each event out to every sink. Send tries all sinks and joins
// the failures so one slow or broken destination never hides the others.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
