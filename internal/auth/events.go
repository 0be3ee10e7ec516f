package auth

import (
	"context"
	"time"
)

// Security event names published to the Notifier.
const (
	EventReuseDetected  = "session.reuse_detected"
	EventLockedOut      = "account.locked_out"
	EventUserCreated    = "user.created"
	EventUserDeactivate = "user.deactivated"
	EventPasswordReset  = "user.password_reset"
)

// Event is a non-critical security notification.
type Event struct {
	Name    string         `json:"event"`
	UserID  string         `json:"user_id,omitempty"`
	ActorID string         `json:"actor_id,omitempty"`
	At      time.Time      `json:"at"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Notifier delivers security events. Delivery failures never fail the
// operation that produced the event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }
