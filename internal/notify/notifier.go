// Package notify hands notification-dispatch requests to an external
// delivery system. Dispatch is fire-and-forget with at-least-once semantics;
// the engine never blocks on delivery and never fails an operation because a
// notification could not be sent.
package notify

import (
	"context"
	"log/slog"

	"github.com/casaops/sopflow/pkg/schema"
)

// Dispatcher delivers notification requests to the outside world.
// Implementations must be safe for concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, req schema.NotificationRequest) error
}

// LogDispatcher is the default Dispatcher: it records the request and drops
// it. Real delivery (email/SMS/chat) is an external collaborator wired in at
// deployment time.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the notification request.
func (d *LogDispatcher) Dispatch(ctx context.Context, req schema.NotificationRequest) error {
	d.logger.InfoContext(ctx, "notification dispatched",
		slog.String("to_role", req.ToRole),
		slog.String("to_user", req.ToUser),
		slog.String("channel", req.Channel),
		slog.String("template", req.Template),
	)
	return nil
}

var _ Dispatcher = (*LogDispatcher)(nil)
