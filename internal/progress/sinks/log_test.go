package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart},
		{JobID: "job-1", TS: now, Stage: progress.StagePageStored, URL: "https://example.com/", StatusCode: 200},
		{JobID: "job-1", TS: now, Stage: progress.StageJobEnd, Status: crawler.JobStatusFailed, Note: "boom"},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "job_start", entries[0].ContextMap()["stage"])
	end := entries[1].ContextMap()
	require.Equal(t, "job_end", end["stage"])
	require.Equal(t, "failed", end["status"])
	require.Equal(t, "boom", end["note"])
}
