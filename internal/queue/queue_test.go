package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddAndPopRespectsPriorityOrder(t *testing.T) {
	q := New()
	q.Add(LlmTask{TaskID: "low-pri", Priority: 5})
	q.Add(LlmTask{TaskID: "high-pri", Priority: 1})

	popped := q.PopNextBatch(10, nil)
	require.Len(t, popped, 2)
	require.Equal(t, "high-pri", popped[0].TaskID)
	require.Equal(t, "low-pri", popped[1].TaskID)
}

func TestAddAbsentDeadlineTreatedAsInfinite(t *testing.T) {
	q := New()
	soon := time.Now().Add(time.Hour)
	q.Add(LlmTask{TaskID: "no-deadline", Priority: 1})
	q.Add(LlmTask{TaskID: "has-deadline", Priority: 1, Deadline: &soon})

	popped := q.PopNextBatch(10, nil)
	require.Equal(t, "has-deadline", popped[0].TaskID)
	require.Equal(t, "no-deadline", popped[1].TaskID)
}

func TestPopNextBatchRespectsSize(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Add(LlmTask{TaskID: "t", Priority: i})
	}
	popped := q.PopNextBatch(2, nil)
	require.Len(t, popped, 2)
	require.Equal(t, 3, q.Len())
}

func TestPopNextBatchFiltersByTypeAndRequeuesMismatches(t *testing.T) {
	q := New()
	extraction := TaskExtraction
	q.Add(LlmTask{TaskID: "e1", Priority: 1, TaskType: TaskExtraction})
	q.Add(LlmTask{TaskID: "c1", Priority: 2, TaskType: TaskClassification})
	q.Add(LlmTask{TaskID: "e2", Priority: 3, TaskType: TaskExtraction})

	popped := q.PopNextBatch(10, &extraction)
	require.Len(t, popped, 2)
	for _, task := range popped {
		require.Equal(t, TaskExtraction, task.TaskType)
	}
	// The mismatched classification task must still be in the queue.
	require.Equal(t, 1, q.Len())

	remaining := q.PopNextBatch(10, nil)
	require.Equal(t, "c1", remaining[0].TaskID)
}

func TestGroupForBatchingIsNonDestructive(t *testing.T) {
	q := New()
	q.Add(LlmTask{TaskID: "a", Priority: 1, TargetModel: "m1", TokenEstimate: 100})
	q.Add(LlmTask{TaskID: "b", Priority: 2, TargetModel: "m1", TokenEstimate: 200})

	groups := q.GroupForBatching(1000)
	require.Len(t, groups["m1"], 2)
	require.Equal(t, 2, q.Len(), "snapshot must not mutate the underlying queue")
}

func TestGroupForBatchingDropsTasksExceedingCap(t *testing.T) {
	q := New()
	q.Add(LlmTask{TaskID: "fits", Priority: 1, TargetModel: "m1", TokenEstimate: 100})
	q.Add(LlmTask{TaskID: "overflows", Priority: 2, TargetModel: "m1", TokenEstimate: 5000})

	groups := q.GroupForBatching(150)
	require.Len(t, groups["m1"], 1)
	require.Equal(t, "fits", groups["m1"][0].TaskID)
	// Underlying queue still has both tasks.
	require.Equal(t, 2, q.Len())
}

func TestGroupForBatchingUsesEffectiveModelKey(t *testing.T) {
	q := New()
	q.Add(LlmTask{TaskID: "has-target", Priority: 1, TargetModel: "explicit"})
	q.Add(LlmTask{TaskID: "has-preferred", Priority: 2, Constraints: TaskConstraints{PreferredModel: "preferred"}})
	q.Add(LlmTask{TaskID: "has-neither", Priority: 3})

	groups := q.GroupForBatching(1000)
	require.Contains(t, groups, "explicit")
	require.Contains(t, groups, "preferred")
	require.Contains(t, groups, "unspecified")
}
