// Package workflow durably dispatches batch execution through Temporal,
// falling back to direct in-process execution when Temporal is
// unreachable (gated by internal/circuitbreaker).
package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/docpipeline/core/internal/batch"
	"github.com/docpipeline/core/internal/executor"
)

const (
	activityTimeout = 60 * time.Second
)

// BatchInput is the workflow's input: one batch plan to execute.
type BatchInput struct {
	Plan batch.BatchPlan
}

// BatchOutput is the workflow's result.
type BatchOutput struct {
	Results []executor.BatchResult
	Error   string
}

// BatchWorkflow durably executes a batch plan, delegating the actual
// inference call and OOM-split logic to the ExecuteBatch activity
// (backed by internal/executor.Executor). Unlike the per-request chat
// workflow this is grounded on, there is no model-escalation loop here:
// escalation for a document task is the fallback orchestrator's job,
// driven by internal/fallback.Policy one layer above this workflow.
func BatchWorkflow(ctx workflow.Context, input BatchInput) (BatchOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1, // the executor activity handles its own OOM-split retries
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var output BatchOutput
	err := workflow.ExecuteActivity(ctx, (*Activities).ExecuteBatch, input).Get(ctx, &output)
	if err != nil {
		return BatchOutput{Error: err.Error()}, err
	}
	return output, nil
}
