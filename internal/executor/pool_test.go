package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docpipeline/core/internal/batch"
)

func TestPoolDispatchRunsPlansConcurrently(t *testing.T) {
	var inFlight, maxInFlight int32
	infer := func(ctx context.Context, p batch.BatchPlan) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	e := NewExecutor(infer, nil)
	p := NewPool(e, 4)
	p.Start()
	defer p.Stop()

	plans := []batch.BatchPlan{plan("m1", 1), plan("m2", 1), plan("m3", 1), plan("m4", 1)}
	results := p.Dispatch(context.Background(), plans)

	require.Len(t, results, 4)
	for _, r := range results {
		require.True(t, r.Success)
	}
	require.Greater(t, int(atomic.LoadInt32(&maxInFlight)), 1, "expected more than one plan in flight at once")
}

func TestPoolDispatchBoundsConcurrencyToWorkerCount(t *testing.T) {
	var inFlight, maxInFlight int32
	infer := func(ctx context.Context, p batch.BatchPlan) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	e := NewExecutor(infer, nil)
	p := NewPool(e, 2)
	p.Start()
	defer p.Stop()

	plans := []batch.BatchPlan{plan("m1", 1), plan("m2", 1), plan("m3", 1), plan("m4", 1)}
	results := p.Dispatch(context.Background(), plans)

	require.Len(t, results, 4)
	require.LessOrEqual(t, int(atomic.LoadInt32(&maxInFlight)), 2)
}

func TestPoolDispatchEmptyPlansReturnsNil(t *testing.T) {
	e := NewExecutor(func(ctx context.Context, p batch.BatchPlan) error { return nil }, nil)
	p := NewPool(e, 2)
	p.Start()
	defer p.Stop()

	require.Nil(t, p.Dispatch(context.Background(), nil))
}
