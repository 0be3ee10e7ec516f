// Package notify delivers security events produced by the auth service.
// Delivery is best effort: callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"draftline.io/internal/auth"
)

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier returns a notifier writing to l.
func NewLogNotifier(l *slog.Logger) *LogNotifier {
	return &LogNotifier{log: l}
}

// Notify implements auth.Notifier.
func (n *LogNotifier) Notify(ctx context.Context, ev auth.Event) error {
	attrs := []slog.Attr{
		slog.String("type", "security"),
		slog.String("event", ev.Name),
		slog.Time("at", ev.At),
	}
	if ev.UserID != "" {
		attrs = append(attrs, slog.String("user_id", ev.UserID))
	}
	if ev.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", ev.ActorID))
	}
	if len(ev.Fields) > 0 {
		attrs = append(attrs, slog.Any("fields", ev.Fields))
	}
	n.log.LogAttrs(ctx, slog.LevelInfo, "security event", attrs...)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []auth.Notifier

// Notify implements auth.Notifier.
func (m Multi) Notify(ctx context.Context, ev auth.Event) error {
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
