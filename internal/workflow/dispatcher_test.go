package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docpipeline/core/internal/batch"
	"github.com/docpipeline/core/internal/circuitbreaker"
	"github.com/docpipeline/core/internal/executor"
	"github.com/docpipeline/core/internal/queue"
)

func TestDispatchRunsDirectlyWhenNoManager(t *testing.T) {
	exec := executor.NewExecutor(func(ctx context.Context, p batch.BatchPlan) error { return nil }, nil)
	d := NewDispatcher(nil, circuitbreaker.New(), exec)

	plan := batch.BatchPlan{ModelID: "m1", Tasks: []queue.LlmTask{{TaskID: "t1", TokenEstimate: 10}}}
	results, err := d.Dispatch(context.Background(), plan)

	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
}

func TestDispatchRunsDirectlyWhenBreakerOpen(t *testing.T) {
	exec := executor.NewExecutor(func(ctx context.Context, p batch.BatchPlan) error { return nil }, nil)
	breaker := circuitbreaker.New(circuitbreaker.WithThreshold(1))
	breaker.RecordFailure() // trips the breaker open with threshold 1

	d := NewDispatcher(nil, breaker, exec)
	plan := batch.BatchPlan{ModelID: "m1", Tasks: []queue.LlmTask{{TaskID: "t1", TokenEstimate: 10}}}
	results, err := d.Dispatch(context.Background(), plan)

	require.NoError(t, err)
	require.Len(t, results, 1)
}
