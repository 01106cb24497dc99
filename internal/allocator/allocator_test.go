package allocator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/workerregistry"
)

func newRegistryWithWorker(t *testing.T, id string, caps map[requirements.Capability]bool, tier requirements.ComplexityTier, maxConcurrent int) *workerregistry.Registry {
	t.Helper()
	r := workerregistry.New(nil)
	_, err := r.Register(id, "model", caps, tier, maxConcurrent)
	require.NoError(t, err)
	return r
}

func TestAllocateRejectsWhenNoCapableWorker(t *testing.T) {
	caps := map[requirements.Capability]bool{requirements.CapabilityDocumentation: true}
	r := newRegistryWithWorker(t, "w1", caps, requirements.ComplexityMedium, 2)
	a := New(r)

	_, _, err := a.Allocate(context.Background(), "1", "Fix critical production outage", "needs deep debugging", 9)
	require.Error(t, err)
}

func TestAllocateSelectsCapableWorker(t *testing.T) {
	caps := map[requirements.Capability]bool{requirements.CapabilityDocumentation: true}
	r := newRegistryWithWorker(t, "w1", caps, requirements.ComplexityMedium, 2)
	a := New(r)

	workerID, candidates, err := a.Allocate(context.Background(), "1", "Write README", "document the project", 5)
	require.NoError(t, err)
	require.Equal(t, "w1", workerID)
	require.Len(t, candidates, 1)

	p, _ := r.Get("w1")
	require.Equal(t, 1, p.ActiveTasks)
}

func TestAllocateGateRejectsOverloadedWorker(t *testing.T) {
	caps := map[requirements.Capability]bool{requirements.CapabilityCode: true}
	r := newRegistryWithWorker(t, "w1", caps, requirements.ComplexityMedium, 1)
	a := New(r)

	_, _, err := a.Allocate(context.Background(), "1", "Implement feature", "write code", 5)
	require.NoError(t, err)

	_, _, err = a.Allocate(context.Background(), "2", "Implement another feature", "write more code", 5)
	require.Error(t, err, "worker is at max concurrency, should be unavailable")
}

func TestReleaseDecrementsActiveAndRecordsHistory(t *testing.T) {
	caps := map[requirements.Capability]bool{requirements.CapabilityCode: true}
	r := newRegistryWithWorker(t, "w1", caps, requirements.ComplexityMedium, 2)
	a := New(r)

	a.Allocate(context.Background(), "1", "Implement feature", "write code", 5)
	err := a.Release("w1", "1", true, 10)
	require.NoError(t, err)

	p, _ := r.Get("w1")
	require.Equal(t, 0, p.ActiveTasks)

	hist := a.History()
	require.Len(t, hist, 1)
	require.True(t, hist[0].Success)
	require.Equal(t, 10.0, hist[0].DurationMins)
}

func TestComplexityMatchFactorPenalizesOvershoot(t *testing.T) {
	exact := complexityMatchFactor(requirements.ComplexityMedium, requirements.ComplexityMedium)
	require.Equal(t, 1.0, exact)

	over := complexityMatchFactor(requirements.ComplexityHigh, requirements.ComplexityLow)
	require.Less(t, over, 1.0)
	require.Greater(t, over, 0.0)

	under := complexityMatchFactor(requirements.ComplexityLow, requirements.ComplexityHigh)
	require.Equal(t, 0.0, under)
}
