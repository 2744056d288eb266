package workflow

import (
	"context"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/docpipeline/core/internal/batch"
	"github.com/docpipeline/core/internal/circuitbreaker"
	"github.com/docpipeline/core/internal/executor"
)

// directExecutionWorkers bounds how many plans the non-Temporal fallback
// path may run at once through the shared executor.Pool.
const directExecutionWorkers = 4

// Dispatcher routes batch execution either through Temporal (durable) or
// directly through a bounded pool of in-process executor workers,
// depending on the circuit breaker's current state. This keeps batch
// execution available even when the Temporal cluster is unreachable, at
// the cost of losing durability for the batches executed during the
// outage.
type Dispatcher struct {
	Manager *Manager
	Breaker *circuitbreaker.Breaker
	Pool    *executor.Pool
}

// NewDispatcher creates a Dispatcher. manager may be nil, in which case
// every batch executes directly (useful when Temporal is disabled
// entirely). The direct-execution path always runs through a started
// executor.Pool rather than a bare Executor, so plans that fall back to
// in-process execution still get bounded worker concurrency.
func NewDispatcher(manager *Manager, breaker *circuitbreaker.Breaker, exec *executor.Executor) *Dispatcher {
	pool := executor.NewPool(exec, directExecutionWorkers)
	pool.Start()
	return &Dispatcher{Manager: manager, Breaker: breaker, Pool: pool}
}

// Stop releases the dispatcher's direct-execution worker pool. Safe to
// call during server shutdown even if Temporal was never enabled.
func (d *Dispatcher) Stop() {
	d.Pool.Stop()
}

// Dispatch runs plan either via Temporal or directly, recording the
// outcome against the circuit breaker.
func (d *Dispatcher) Dispatch(ctx context.Context, plan batch.BatchPlan) ([]executor.BatchResult, error) {
	if d.Manager == nil || !d.Breaker.Allow() {
		return d.Pool.Dispatch(ctx, []batch.BatchPlan{plan}), nil
	}

	wo := client.StartWorkflowOptions{
		TaskQueue:                d.Manager.TaskQueue(),
		WorkflowExecutionTimeout: 5 * time.Minute,
	}
	run, err := d.Manager.Client().ExecuteWorkflow(ctx, wo, BatchWorkflow, BatchInput{Plan: plan})
	if err != nil {
		d.Breaker.RecordFailure()
		return d.Pool.Dispatch(ctx, []batch.BatchPlan{plan}), nil
	}

	var output BatchOutput
	if err := run.Get(ctx, &output); err != nil {
		d.Breaker.RecordFailure()
		return d.Pool.Dispatch(ctx, []batch.BatchPlan{plan}), nil
	}

	d.Breaker.RecordSuccess()
	return output.Results, nil
}
