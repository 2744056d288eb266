package workflow

import (
	"context"

	"github.com/docpipeline/core/internal/batch"
	"github.com/docpipeline/core/internal/executor"
)

// Activities bundles the Temporal activities backing BatchWorkflow. It
// wraps an *executor.Executor so the durable workflow and the direct
// in-process dispatch path (gated by the circuit breaker) share the exact
// same OOM-split/fallback-sink semantics.
type Activities struct {
	Executor *executor.Executor
}

// ExecuteBatch runs one batch plan through the wrapped executor.
func (a *Activities) ExecuteBatch(ctx context.Context, input BatchInput) (BatchOutput, error) {
	results := a.Executor.Run(ctx, []batch.BatchPlan{input.Plan})
	return BatchOutput{Results: results}, nil
}
