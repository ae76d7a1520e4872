package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawlcore/internal/progress"
)

// LogSink writes one log line per activity record.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink; a nil logger discards everything.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every record in batch with its fields inlined.
func (s *LogSink) Consume(_ context.Context, batch []progress.Record) error {
	for _, rec := range batch {
		if ce := s.logger.Check(levelFor(rec.Code), "document activity"); ce != nil {
			ce.Write(zap.Inline(rec))
		}
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}

// levelFor keeps unchanged documents out of info logs on large crawls and
// raises failures to warn.
func levelFor(code progress.Code) zapcore.Level {
	switch code {
	case progress.CodeUnchanged, progress.CodeAbsent:
		return zapcore.DebugLevel
	case progress.CodeTransient, progress.CodeFatal:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
