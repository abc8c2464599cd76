package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/progress"
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
			zap.String("run_id", evt.RunID),
			zap.String("kind", string(evt.Kind)),
			zap.Int("index", evt.Index),
			zap.Int("total", evt.Total),
			zap.String("description", evt.Description),
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		if len(evt.Locators) > 0 {
			fields = append(fields, zap.Strings("locators", evt.Locators))
		}
		if evt.Snapshot != nil {
			fields = append(fields,
				zap.String("state", string(evt.Snapshot.State)),
				zap.Int("downloaded", evt.Snapshot.Downloaded),
				zap.Int("skipped", evt.Snapshot.Skipped),
				zap.Int("failed", evt.Snapshot.Failed),
			)
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error", evt.Error))
			s.logger.Warn("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
