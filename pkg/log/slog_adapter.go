package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol trace events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("direction", event.Direction.String()),
		slog.String("role", event.Role.String()),
	}

	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_size", event.Frame.Size),
			slog.String("codec", event.Frame.Codec),
		)
	case event.Message != nil:
		attrs = append(attrs,
			slog.String("kind", event.Message.Kind.String()),
			slog.Uint64("mid", event.Message.MID),
		)
		if len(event.Message.Acks) > 0 {
			attrs = append(attrs, slog.Any("acks", event.Message.Acks))
		}
		if event.Message.Pending {
			attrs = append(attrs, slog.Bool("pending", true))
		}
		if event.Message.Status != nil {
			attrs = append(attrs, slog.String("status", event.Message.Status.String()))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Outbox != nil:
		attrs = append(attrs,
			slog.String("action", event.Outbox.Action.String()),
			slog.Uint64("mid", event.Outbox.MID),
			slog.Int("depth", event.Outbox.Depth),
		)
	case event.Error != nil:
		attrs = append(attrs, slog.String("error", event.Error.Message))
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol event", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
