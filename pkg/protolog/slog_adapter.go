package protolog

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger: at ERROR level
// for events carrying an ErrorEvent, at INFO level otherwise. Frame
// events are rendered as their size and truncation flag; the frame
// bytes themselves are not written.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter wraps logger as a protolog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		)
	case event.Performative != nil:
		attrs = append(attrs, slog.String("performative", event.Performative.Kind))
		if event.Performative.DeliveryTag != "" {
			attrs = append(attrs, slog.String("delivery_tag", event.Performative.DeliveryTag))
		}
		if event.Performative.Summary != "" {
			attrs = append(attrs, slog.String("summary", event.Performative.Summary))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Delivery != nil:
		attrs = append(attrs,
			slog.String("delivery_tag", event.Delivery.DeliveryTag),
			slog.String("outcome", event.Delivery.Outcome),
		)
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	level := slog.LevelInfo
	if event.Error != nil {
		level = slog.LevelError
	}
	a.logger.LogAttrs(context.Background(), level, "protocol", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
