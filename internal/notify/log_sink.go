package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSink emits structured logs for each lifecycle event. It is the default
// sink and the only one wired in development mode.
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
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.logger.Info("task update",
			zap.String("task_id", evt.TaskID.String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("status", evt.Status),
			zap.Int64("item_count", evt.ItemCount),
			zap.Any("detail", evt.Detail),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
