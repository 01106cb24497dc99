package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/allocator"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/workerregistry"
)

func fullCaps() map[requirements.Capability]bool {
	caps := map[requirements.Capability]bool{}
	for _, c := range requirements.AllCapabilities {
		caps[c] = true
	}
	return caps
}

func newTestPool(t *testing.T, workers int, cfg Config) (*Pool, *workerregistry.Registry) {
	t.Helper()
	r := workerregistry.New(nil)
	for i := 1; i <= workers; i++ {
		_, err := r.Register(fmt.Sprintf("w%d", i), "model", fullCaps(), requirements.ComplexityCritical, 1)
		require.NoError(t, err)
	}
	a := allocator.New(r)
	return New(r, a, cfg, nil, nil, nil), r
}

func TestAssignQueuesWhenNoWorkerAvailable(t *testing.T) {
	p, _ := newTestPool(t, 1, Config{MinWorkers: 1, MaxWorkers: 1, FailureThreshold: 3})

	ctx := context.Background()
	w1, assigned, err := p.Assign(ctx, "1", "Implement feature", "write code", 5)
	require.NoError(t, err)
	require.True(t, assigned)
	require.Equal(t, "w1", w1)

	_, assigned, err = p.Assign(ctx, "2", "Implement another", "write more code", 5)
	require.NoError(t, err)
	require.False(t, assigned, "single worker at capacity, task must queue")
	require.Equal(t, 1, p.QueueLen())

	drained, err := p.Complete(ctx, "1", "w1", true, 1, nil)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	require.Equal(t, "2", drained[0].Task.TaskID)
	require.Equal(t, "w1", drained[0].WorkerID)
	require.Equal(t, 0, p.QueueLen())
}

func TestCompleteMarksWorkerFailedAfterThreshold(t *testing.T) {
	p, r := newTestPool(t, 1, Config{MinWorkers: 1, MaxWorkers: 1, FailureThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		taskID := fmt.Sprintf("%d", i+1)
		_, assigned, err := p.Assign(ctx, taskID, "Implement feature", "write code", 5)
		require.NoError(t, err)
		require.True(t, assigned)
		_, err = p.Complete(ctx, taskID, "w1", false, 1, fmt.Errorf("worker crashed"))
		require.NoError(t, err)
	}

	prof, ok := r.Get("w1")
	require.True(t, ok)
	require.Equal(t, workerregistry.StateFailed, prof.State)

	// A failed worker no longer receives assignments.
	_, assigned, err := p.Assign(ctx, "3", "Implement feature", "write code", 5)
	require.NoError(t, err)
	require.False(t, assigned)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	p, r := newTestPool(t, 1, Config{MinWorkers: 1, MaxWorkers: 1, FailureThreshold: 2})
	ctx := context.Background()

	_, _, err := p.Assign(ctx, "1", "Implement feature", "write code", 5)
	require.NoError(t, err)
	_, err = p.Complete(ctx, "1", "w1", false, 1, fmt.Errorf("boom"))
	require.NoError(t, err)

	_, _, err = p.Assign(ctx, "2", "Implement feature", "write code", 5)
	require.NoError(t, err)
	_, err = p.Complete(ctx, "2", "w1", true, 1, nil)
	require.NoError(t, err)

	prof, _ := r.Get("w1")
	require.Equal(t, 0, prof.ConsecutiveFails)
	require.Equal(t, workerregistry.StateIdle, prof.State)
}

func TestWorkerStateCountsAlwaysSumToTotal(t *testing.T) {
	p, r := newTestPool(t, 3, Config{MinWorkers: 3, MaxWorkers: 3, FailureThreshold: 1})
	ctx := context.Background()

	check := func() {
		c := p.counts()
		sum := c.busy + c.idle + c.failed + c.offline + c.starting + c.stopping
		require.Equal(t, c.total, sum)
	}

	check()
	_, _, err := p.Assign(ctx, "1", "Implement feature", "write code", 5)
	require.NoError(t, err)
	check()
	_, err = p.Complete(ctx, "1", "w1", false, 1, fmt.Errorf("boom"))
	require.NoError(t, err)
	check()
	require.NoError(t, r.MarkState("w2", workerregistry.StateOffline))
	check()
}

func TestAutoscaleGrowsAndShrinksWithinBounds(t *testing.T) {
	cfg := Config{
		MinWorkers:         2,
		MaxWorkers:         6,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		Policy:             PolicyBalanced,
		FailureThreshold:   3,
	}
	r := workerregistry.New(nil)
	a := allocator.New(r)

	next := 0
	spawn := func(ctx context.Context) (string, error) {
		next++
		id := fmt.Sprintf("spawned-%d", next)
		_, err := r.Register(id, "model", fullCaps(), requirements.ComplexityHigh, 1)
		return id, err
	}
	p := New(r, a, cfg, spawn, nil, nil)

	for i := 1; i <= 2; i++ {
		_, err := r.Register(fmt.Sprintf("w%d", i), "model", fullCaps(), requirements.ComplexityCritical, 1)
		require.NoError(t, err)
	}

	markAllBusy := func() {
		for _, prof := range r.All() {
			require.NoError(t, r.MarkState(prof.WorkerID, workerregistry.StateBusy))
		}
	}

	ctx := context.Background()
	markAllBusy()
	p.autoscale(ctx)
	require.Equal(t, 4, len(r.All()), "balanced policy adds two per tick")

	markAllBusy()
	p.autoscale(ctx)
	require.Equal(t, 6, len(r.All()))

	markAllBusy()
	p.autoscale(ctx)
	require.Equal(t, 6, len(r.All()), "never exceeds max")

	// Load drains: every worker idle, utilization 0 < scale-down threshold.
	for _, prof := range r.All() {
		require.NoError(t, r.MarkState(prof.WorkerID, workerregistry.StateIdle))
	}
	p.lastScaleDown = time.Time{}
	p.autoscale(ctx)
	require.Equal(t, 2, len(r.All()), "returns to min, never below")
}

func TestQueueStarvationBoost(t *testing.T) {
	var q queue
	now := time.Now()
	q.push(QueuedTask{TaskID: "old", Priority: 3, EnqueuedAt: now.Add(-3 * time.Minute)})
	q.push(QueuedTask{TaskID: "hot", Priority: 9, EnqueuedAt: now})

	q.boostOldestIfStarved(2*time.Minute, now)

	first, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, "hot", first.TaskID, "boost is one tier, not a jump over fresher high-priority work")

	second, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, "old", second.TaskID)
	require.Equal(t, 4, second.Priority)
}
