package resultstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, Result{
		TaskID: "1", WorkerID: "w1", Status: StatusSuccess,
		Output: "implemented the feature and added tests", CreatedFiles: []string{"a.go"},
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	latest, found, err := s.Latest(ctx, "1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusSuccess, latest.Status)
	require.Equal(t, []string{"a.go"}, latest.CreatedFiles)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Store(ctx, Result{TaskID: "1", WorkerID: "w1", Status: StatusFailed, Output: "failed"})
	s.Store(ctx, Result{TaskID: "1", WorkerID: "w1", Status: StatusSuccess, Output: "now succeeded with file changes", CreatedFiles: []string{"a.go"}})

	hist, err := s.History(ctx, "1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, StatusFailed, hist[0].Status)
	require.Equal(t, StatusSuccess, hist[1].Status)
}

func TestValidateFailsOnNoResult(t *testing.T) {
	s := newTestStore(t)
	ok, msg, err := s.Validate(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Contains(t, msg, "no result")
}

func TestValidateFailsOnGenericShortOutput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, Result{TaskID: "1", WorkerID: "w1", Status: StatusSuccess, Output: "task completed successfully"})

	ok, _, err := s.Validate(ctx, "1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidateFailsOnClaimedFilesWithoutRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, Result{TaskID: "1", WorkerID: "w1", Status: StatusSuccess, Output: "I created the file you asked for, it works great and is thoroughly tested"})

	ok, msg, err := s.Validate(ctx, "1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Contains(t, msg, "file changes")
}

func TestValidatePasses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, Result{
		TaskID: "1", WorkerID: "w1", Status: StatusSuccess,
		Output:       "Implemented the requested feature with full test coverage and updated documentation",
		CreatedFiles: []string{"feature.go"},
	})

	ok, _, err := s.Validate(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWorkerStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, Result{TaskID: "1", WorkerID: "w1", Status: StatusSuccess, ExecutionSeconds: 10, TokensUsed: 100})
	s.Store(ctx, Result{TaskID: "2", WorkerID: "w1", Status: StatusFailed, ExecutionSeconds: 5, TokensUsed: 50})

	stats, err := s.WorkerStats(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Succeeded)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 150, stats.TotalTokens)
	require.InDelta(t, 7.5, stats.AvgDuration, 0.001)
}

func TestMarkValidated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, Result{TaskID: "1", WorkerID: "w1", Status: StatusSuccess, Output: "done"})

	require.NoError(t, s.MarkValidated(ctx, "1", true))

	latest, found, err := s.Latest(ctx, "1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, latest.ValidationPassed)
}
