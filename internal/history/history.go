package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType defines the kind of kernel lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
	EventCrash EventType = "crash"
)

// Record is the kernel state captured at the moment of an event.
type Record struct {
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Broadcast sends e to every sink. All sinks are attempted; failures are joined.
func Broadcast(ctx context.Context, sinks []Sink, e Event) error {
	var errs []error
	for i, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("history sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes the sinks that hold resources.
func CloseAll(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Nullable returns nil for an empty string so SQL sinks store NULL.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
