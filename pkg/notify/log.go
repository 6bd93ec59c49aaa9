package notify

import (
	"context"
	"log/slog"

	"github.com/esbmeter/esbmeter/pkg/log"
)

// LogDispatcher writes notifications to the context logger.
type LogDispatcher struct{}

var _ Dispatcher = LogDispatcher{}

func (LogDispatcher) Notify(ctx context.Context, n Notification) error {
	attrs := []any{
		slog.String("id", n.ID),
		slog.String("title", n.Title),
		slog.String("message", n.Message),
	}
	if n.Action != nil {
		attrs = append(attrs, slog.String("actionURI", n.Action.URI))
	}
	log.Ctx(ctx).WarnContext(ctx, "notification", attrs...)
	return nil
}

func (LogDispatcher) Dismiss(ctx context.Context, id string) error {
	log.Ctx(ctx).InfoContext(ctx, "notification dismissed", slog.String("id", id))
	return nil
}
