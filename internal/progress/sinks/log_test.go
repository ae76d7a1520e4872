package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawlcore/internal/progress"
)

func TestLogSinkLevelsByCode(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	run := uuid.New()
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Record{
		{RunID: run, Activity: progress.ActivityFetch, Identifier: "ok", Started: now, Code: progress.CodeOK, Bytes: 42},
		{RunID: run, Activity: progress.ActivitySkip, Identifier: "same", Started: now, Code: progress.CodeUnchanged},
		{RunID: run, Activity: progress.ActivityFetch, Identifier: "bad", Started: now,
			Code: progress.CodeFatal, Detail: "permission denied"},
	}))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)

	ok := entries[0].ContextMap()
	require.Equal(t, "ok", ok["doc_id"])
	require.Equal(t, run.String(), ok["run_id"])
	require.EqualValues(t, 42, ok["bytes"])
	require.Equal(t, "permission denied", entries[2].ContextMap()["detail"])
	require.NotContains(t, entries[1].ContextMap(), "bytes")
}

func TestLogSinkRespectsLoggerLevel(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Record{
		{RunID: uuid.New(), Activity: progress.ActivitySkip, Identifier: "same", Started: time.Now(), Code: progress.CodeUnchanged},
	}))
	require.Zero(t, logs.Len())
}
