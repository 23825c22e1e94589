package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/InfinityXOneSystems/safecrawl/internal/progress"
)

// LogSink writes one log line per event. Job milestones log at info, page
// events at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger; nil discards everything.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case progress.StagePageStored, progress.StagePageFailed:
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.Int("status_code", evt.StatusCode),
				zap.Int64("bytes", evt.Bytes),
			)
		case progress.StageJobEnd:
			level = zapcore.InfoLevel
			fields = append(fields, zap.String("status", string(evt.Status)), zap.Duration("dur", evt.Dur))
		default:
			level = zapcore.InfoLevel
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
