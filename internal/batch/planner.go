// Package batch assembles feasible inference batches from queue
// snapshots, sized by GPU free memory, batch-size cap, and token cap.
package batch

import (
	"context"
	"sort"

	"github.com/docpipeline/core/internal/gpuprobe"
	"github.com/docpipeline/core/internal/queue"
)

// PlannerCaps bounds one planning call.
type PlannerCaps struct {
	MaxBatchSize      int
	MaxTokensPerBatch int
	MinFreeMemoryMB   int
}

// BatchPlan is one assembled batch, ready for execution.
type BatchPlan struct {
	ModelID     string
	Tasks       []queue.LlmTask
	TotalTokens int
	Reason      string
}

const (
	reasonCapClosed     = "Batch closed due to size or token limit"
	reasonFinalization  = "Batch finalization"
	minBatchSizeFloor   = 1
	minTokenCapFloor    = 512
)

// Plan assembles batches from tasks, consulting sampler for GPU-aware
// adaptive downsizing. GPU sampling is best-effort: an empty Sample result
// skips the downsizing step entirely.
func Plan(ctx context.Context, tasks []queue.LlmTask, caps PlannerCaps, sampler gpuprobe.Sampler) []BatchPlan {
	effectiveCaps := applyAdaptiveDownsizing(ctx, caps, sampler)

	groups := groupByEffectiveModel(tasks)

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var plans []BatchPlan
	for _, modelID := range keys {
		plans = append(plans, packGroup(modelID, groups[modelID], effectiveCaps)...)
	}
	return plans
}

func applyAdaptiveDownsizing(ctx context.Context, caps PlannerCaps, sampler gpuprobe.Sampler) PlannerCaps {
	if sampler == nil {
		return caps
	}
	statuses := sampler.Sample(ctx)
	if len(statuses) == 0 {
		return caps
	}
	if statuses[0].FreeMB >= caps.MinFreeMemoryMB {
		return caps
	}

	downsized := caps
	downsized.MaxBatchSize = caps.MaxBatchSize / 2
	if downsized.MaxBatchSize < minBatchSizeFloor {
		downsized.MaxBatchSize = minBatchSizeFloor
	}
	downsized.MaxTokensPerBatch = caps.MaxTokensPerBatch / 2
	if downsized.MaxTokensPerBatch < minTokenCapFloor {
		downsized.MaxTokensPerBatch = minTokenCapFloor
	}
	return downsized
}

func groupByEffectiveModel(tasks []queue.LlmTask) map[string][]queue.LlmTask {
	groups := make(map[string][]queue.LlmTask)
	for _, t := range tasks {
		key := t.EffectiveModel()
		groups[key] = append(groups[key], t)
	}
	return groups
}

// packGroup sorts a model's tasks longest-first and greedily fills batches
// under the size and token caps.
func packGroup(modelID string, tasks []queue.LlmTask, caps PlannerCaps) []BatchPlan {
	sorted := make([]queue.LlmTask, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TokenEstimate > sorted[j].TokenEstimate
	})

	var plans []BatchPlan
	var current []queue.LlmTask
	currentTokens := 0

	sealCurrent := func(reason string) {
		if len(current) == 0 {
			return
		}
		plans = append(plans, BatchPlan{
			ModelID:     modelID,
			Tasks:       current,
			TotalTokens: currentTokens,
			Reason:      reason,
		})
		current = nil
		currentTokens = 0
	}

	for _, t := range sorted {
		wouldExceedSize := len(current)+1 > caps.MaxBatchSize
		wouldExceedTokens := currentTokens+t.TokenEstimate > caps.MaxTokensPerBatch
		if len(current) > 0 && (wouldExceedSize || wouldExceedTokens) {
			sealCurrent(reasonCapClosed)
		}
		current = append(current, t)
		currentTokens += t.TokenEstimate
	}
	sealCurrent(reasonFinalization)

	return plans
}
