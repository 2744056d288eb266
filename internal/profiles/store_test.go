package profiles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIngestAggregatesPerModelTask(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Ingest([]BenchmarkResult{
		{
			ModelID: "gpt-mini", TaskType: TaskExtraction,
			Started: base, Finished: base.Add(200 * time.Millisecond),
			InputTokens: 100, OutputTokens: 50,
		},
		{
			ModelID: "gpt-mini", TaskType: TaskExtraction,
			Started: base, Finished: base.Add(400 * time.Millisecond),
			InputTokens: 300, OutputTokens: 150, Error: "timeout",
		},
	})

	snap := s.Snapshot()
	profile, ok := snap["gpt-mini"]
	require.True(t, ok)

	tp, ok := profile.Tasks[TaskExtraction]
	require.True(t, ok)
	require.Equal(t, 2, tp.Samples)
	require.InDelta(t, 300, tp.LatencyMs, 0.001)
	require.InDelta(t, 300, tp.Tokens, 0.001)
	require.InDelta(t, 0.5, tp.ErrorRate, 0.001)
}

func TestSnapshotOfEmptyStoreIsEmpty(t *testing.T) {
	s := NewStore()
	snap := s.Snapshot()
	require.Empty(t, snap)
}

func TestIngestKeepsModelsAndTasksSeparate(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Ingest([]BenchmarkResult{
		{ModelID: "a", TaskType: TaskClassification, Started: base, Finished: base.Add(100 * time.Millisecond)},
		{ModelID: "b", TaskType: TaskClassification, Started: base, Finished: base.Add(500 * time.Millisecond)},
		{ModelID: "a", TaskType: TaskSummarization, Started: base, Finished: base.Add(900 * time.Millisecond)},
	})

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	require.Len(t, snap["a"].Tasks, 2)
	require.Len(t, snap["b"].Tasks, 1)

	require.NotEqual(t, snap["a"].Tasks[TaskClassification].LatencyMs, snap["b"].Tasks[TaskClassification].LatencyMs)
}

func TestIngestCanBeCalledIncrementally(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Ingest([]BenchmarkResult{
		{ModelID: "a", TaskType: TaskRAG, Started: base, Finished: base.Add(100 * time.Millisecond)},
	})
	s.Ingest([]BenchmarkResult{
		{ModelID: "a", TaskType: TaskRAG, Started: base, Finished: base.Add(300 * time.Millisecond)},
	})

	tp := s.Snapshot()["a"].Tasks[TaskRAG]
	require.Equal(t, 2, tp.Samples)
	require.InDelta(t, 200, tp.LatencyMs, 0.001)
}
