// Package executor runs batch plans against an inference callable,
// splitting batches on out-of-memory failures and invoking the fallback
// sink on other failures.
package executor

import (
	"context"
	"strings"

	"github.com/docpipeline/core/internal/batch"
	"github.com/docpipeline/core/internal/queue"
)

// InferenceFunc runs one batch plan and returns an error describing the
// failure, or nil on success. It is opaque to the executor: the executor
// only inspects the error message to classify OOM failures.
type InferenceFunc func(ctx context.Context, plan batch.BatchPlan) error

// FallbackSink is consulted on a non-OOM batch failure, to re-queue or
// abort the plan's tasks. It is optional; a nil sink means "stop silently".
type FallbackSink func(ctx context.Context, plan batch.BatchPlan, err error)

// BatchResult records the outcome of one executed (sub-)plan.
type BatchResult struct {
	Plan    batch.BatchPlan
	Success bool
	Err     error
}

// Executor runs batch plans with OOM-aware splitting. Retry/reprompt/
// shrink/switch-model decisions for non-OOM failures belong to the
// fallback policy one layer up (internal/fallback); the executor itself
// only distinguishes "split and retry within this pass" (OOM) from
// "surface to the fallback sink" (everything else).
type Executor struct {
	Infer    InferenceFunc
	Fallback FallbackSink
}

// NewExecutor creates an Executor with the given inference callable and
// optional fallback sink.
func NewExecutor(infer InferenceFunc, fallback FallbackSink) *Executor {
	return &Executor{Infer: infer, Fallback: fallback}
}

// Run executes every plan in order, splitting OOM failures into two
// sub-plans executed within the same pass. It returns one BatchResult per
// (sub-)plan that reached a final outcome; a plan that failed with OOM and
// was split has no result of its own, only its sub-plans do.
func (e *Executor) Run(ctx context.Context, plans []batch.BatchPlan) []BatchResult {
	var results []BatchResult
	pending := append([]batch.BatchPlan(nil), plans...)

	for len(pending) > 0 {
		plan := pending[0]
		pending = pending[1:]

		err := e.Infer(ctx, plan)
		if err == nil {
			results = append(results, BatchResult{Plan: plan, Success: true})
			continue
		}

		if isOOM(err) {
			if len(plan.Tasks) <= 1 {
				results = append(results, BatchResult{Plan: plan, Success: false, Err: err})
				continue
			}
			partA, partB := splitPlan(plan)
			pending = append([]batch.BatchPlan{partA, partB}, pending...)
			continue
		}

		results = append(results, BatchResult{Plan: plan, Success: false, Err: err})
		if e.Fallback != nil {
			e.Fallback(ctx, plan, err)
		}
	}

	return results
}

func isOOM(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "OOM")
}

// splitPlan splits plan at the midpoint into two sub-plans.
func splitPlan(plan batch.BatchPlan) (batch.BatchPlan, batch.BatchPlan) {
	mid := len(plan.Tasks) / 2
	partA := batch.BatchPlan{
		ModelID: plan.ModelID,
		Tasks:   plan.Tasks[:mid],
		Reason:  "Fallback split part A",
	}
	partB := batch.BatchPlan{
		ModelID: plan.ModelID,
		Tasks:   plan.Tasks[mid:],
		Reason:  "Fallback split part B",
	}
	partA.TotalTokens = sumTokens(partA.Tasks)
	partB.TotalTokens = sumTokens(partB.Tasks)
	return partA, partB
}

func sumTokens(tasks []queue.LlmTask) int {
	total := 0
	for _, t := range tasks {
		total += t.TokenEstimate
	}
	return total
}
