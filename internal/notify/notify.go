// Package notify models the outbound notification sink. Delivery is
// best-effort and never part of a transition's consistency guarantee.
package notify

import (
	"context"
	"log"
)

// StatusEvent is the payload carried to subscribed listeners.
type StatusEvent struct {
	RequestID string `json:"request_id"`
	NewStatus string `json:"new_status"`
}

// Publisher delivers status events at-most-once with no acknowledgment.
type Publisher interface {
	Publish(ctx context.Context, evt StatusEvent)
}

// LogPublisher writes events to the process log; the default sink when no
// real-time channel is attached.
type LogPublisher struct {
	Logger *log.Logger
}

func (p LogPublisher) Publish(_ context.Context, evt StatusEvent) {
	logger := p.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify: request %s status %s", evt.RequestID, evt.NewStatus)
}

// Discard drops every event; used by tests that assert on storage only.
type Discard struct{}

func (Discard) Publish(context.Context, StatusEvent) {}
