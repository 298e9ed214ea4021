package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionUUID().String()),
			zap.String("type", string(evt.Type)),
			zap.String("url", evt.URL),
			zap.Int("depth", evt.Depth),
			zap.Int("links", len(evt.Links)),
			zap.Int("screenshot_bytes", len(evt.Screenshot)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.ScreenshotURI != "" {
			fields = append(fields, zap.String("screenshot_uri", evt.ScreenshotURI))
		}
		switch evt.Type {
		case progress.TypeError:
			fields = append(fields, zap.String("error", evt.Error), zap.Bool("fatal", evt.Fatal))
			s.logger.Warn("progress event", fields...)
		case progress.TypeCompleted:
			fields = append(fields, zap.Int("pages", evt.Pages), zap.String("outcome", string(evt.Outcome)))
			s.logger.Info("progress event", fields...)
		default:
			s.logger.Debug("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
