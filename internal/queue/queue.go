// Package queue implements the priority task queue: a min-heap of pending
// LlmTasks ordered by (priority, deadline), with typed dequeue and
// model-grouped batching views.
package queue

import (
	"container/heap"
	"sync"
	"time"
)

// TaskType is the closed task enumeration shared across the pipeline.
type TaskType string

const (
	TaskClassification TaskType = "classification"
	TaskExtraction      TaskType = "extraction"
	TaskSummarization   TaskType = "summarization"
	TaskRAG             TaskType = "rag"
)

// TaskConstraints carries task-level routing/batching preferences.
type TaskConstraints struct {
	PreferredModel string
	MaxTokens      *int
	GPURequired    bool
}

// LlmTask is one unit of pending work.
type LlmTask struct {
	Priority      int
	Deadline      *time.Time
	TaskID        string
	DocID         string
	TaskType      TaskType
	TargetModel   string
	TokenEstimate int
	Constraints   TaskConstraints
}

// EffectiveModel returns target_model, falling back to
// constraints.preferred_model, falling back to "unspecified".
func (t LlmTask) EffectiveModel() string {
	if t.TargetModel != "" {
		return t.TargetModel
	}
	if t.Constraints.PreferredModel != "" {
		return t.Constraints.PreferredModel
	}
	return "unspecified"
}

// entry is the internal heap element: LlmTask plus a resolved deadline
// (absent deadlines are substituted with +inf at insert time, per spec).
type entry struct {
	task     LlmTask
	deadline time.Time
}

var maxTime = time.Unix(1<<62, 0)

type taskHeap []entry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe priority task queue.
type Queue struct {
	mu sync.Mutex
	h  taskHeap
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{}
	heap.Init(&q.h)
	return q
}

// Add inserts a task. An absent deadline is treated as +inf for ordering
// purposes.
func (q *Queue) Add(task LlmTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dl := maxTime
	if task.Deadline != nil {
		dl = *task.Deadline
	}
	heap.Push(&q.h, entry{task: task, deadline: dl})
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// PopNextBatch removes up to size tasks of the requested type (or any type
// if taskType is nil), honoring (priority, deadline) order. Tasks skipped
// because of a type mismatch are buffered and re-inserted after the pop;
// their relative order among themselves is not guaranteed, but priority
// ordering remains valid on the next pop.
func (q *Queue) PopNextBatch(size int, taskType *TaskType) []LlmTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var popped []LlmTask
	var buffered []entry

	for len(popped) < size && q.h.Len() > 0 {
		e := heap.Pop(&q.h).(entry)
		if taskType != nil && e.task.TaskType != *taskType {
			buffered = append(buffered, e)
			continue
		}
		popped = append(popped, e.task)
	}

	for _, e := range buffered {
		heap.Push(&q.h, e)
	}

	return popped
}

// GroupForBatching takes a non-destructive snapshot of the queue and
// returns tasks grouped by effective model key, each group's cumulative
// token_estimate bounded by maxTokens. Tasks within a group are returned
// in priority order. A task that would push a group's cumulative tokens
// past maxTokens is silently dropped from the snapshot (soft peek); the
// underlying queue is left untouched.
func (q *Queue) GroupForBatching(maxTokens int) map[string][]LlmTask {
	q.mu.Lock()
	snapshot := make(taskHeap, len(q.h))
	copy(snapshot, q.h)
	q.mu.Unlock()

	heap.Init(&snapshot)

	groups := make(map[string][]LlmTask)
	totals := make(map[string]int)

	for snapshot.Len() > 0 {
		e := heap.Pop(&snapshot).(entry)
		key := e.task.EffectiveModel()
		if totals[key]+e.task.TokenEstimate > maxTokens {
			continue
		}
		groups[key] = append(groups[key], e.task)
		totals[key] += e.task.TokenEstimate
	}

	return groups
}
