// Package sinks provides Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/events"
)

// LogSink writes events to a zap logger at debug level, with warn level for
// error-ish stages. Intended for development and incident debugging.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{log: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.Host != "" {
			fields = append(fields, zap.String("host", evt.Host))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case events.StagePipelineError, events.StageBreakerTrip, events.StageBudgetWarn:
			s.log.Warn("event", fields...)
		default:
			s.log.Debug("event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
