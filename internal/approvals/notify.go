package approvals

import (
	"context"
	"errors"
)

type EventKind string

const (
	EventRequested EventKind = "requested"
	EventDecision  EventKind = "decision"
	EventEscalated EventKind = "escalated"
	EventResolved  EventKind = "resolved"
)

// Event is one approval transition.
type Event struct {
	Kind     EventKind `json:"kind"`
	Request  Request   `json:"request"`
	Decision *Decision `json:"decision,omitempty"`
}

// Notifier tells humans about requests. Delivery is fire-and-forget: a
// failure is logged and never affects the request.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
