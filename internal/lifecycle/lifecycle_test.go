package lifecycle

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, maxRetries int, stuckTimeout time.Duration) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), DocumentFile)
	s, err := Open(path, maxRetries, stuckTimeout, nil)
	require.NoError(t, err)
	return s
}

func TestTransitionsFollowAllowedTable(t *testing.T) {
	s := newStore(t, 2, 0)
	_, err := s.Start("1")
	require.NoError(t, err)

	_, err = s.Transition("1", StateWorkerAssigned)
	require.NoError(t, err)
	_, err = s.Transition("1", StateWorkerExecuting)
	require.NoError(t, err)

	_, err = s.Transition("1", StateCompleted)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailAppliesRetryPolicyUntilExhausted(t *testing.T) {
	s := newStore(t, 1, 0)
	_, err := s.Start("1")
	require.NoError(t, err)
	_, err = s.Transition("1", StateWorkerAssigned)
	require.NoError(t, err)
	_, err = s.Transition("1", StateWorkerExecuting)
	require.NoError(t, err)

	ctx, err := s.Fail("1", "worker timed out")
	require.NoError(t, err)
	require.Equal(t, StatePending, ctx.State)
	require.Equal(t, 1, ctx.RetryCount)

	_, err = s.Transition("1", StateWorkerAssigned)
	require.NoError(t, err)
	_, err = s.Transition("1", StateWorkerExecuting)
	require.NoError(t, err)

	ctx, err = s.Fail("1", "worker timed out again")
	require.NoError(t, err)
	require.Equal(t, StateFailed, ctx.State, "retries exhausted, must stay failed")
	require.Equal(t, 1, ctx.RetryCount)
}

func TestTerminalStateHasNoOutgoingTransitions(t *testing.T) {
	s := newStore(t, 0, 0)
	_, err := s.Start("1")
	require.NoError(t, err)
	for _, to := range []State{StateWorkerAssigned, StateWorkerExecuting, StateWorkerCompleted,
		StateReviewPending, StateReviewInProgress, StateReviewCompleted, StateApplyingChanges} {
		_, err = s.Transition("1", to)
		require.NoError(t, err)
	}
	_, err = s.Transition("1", StateCompleted)
	require.NoError(t, err)
	require.True(t, StateCompleted.IsTerminal())

	_, err = s.Transition("1", StateFailed)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSweepStuckForcesTimeoutFailure(t *testing.T) {
	s := newStore(t, 1, time.Millisecond)
	_, err := s.Start("1")
	require.NoError(t, err)
	_, err = s.Transition("1", StateWorkerAssigned)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	swept, err := s.SweepStuck()
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, swept)

	ctx, ok := s.Get("1")
	require.True(t, ok)
	require.Equal(t, StatePending, ctx.State, "retry remains, should bounce back to pending")
	require.Contains(t, ctx.ErrorHistory, "timeout")
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := newStore(t, 0, 0)
	events := s.Subscribe()
	_, err := s.Start("1")
	require.NoError(t, err)
	_, err = s.Transition("1", StateWorkerAssigned)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, "1", ev.TaskID)
		require.Equal(t, StatePending, ev.From)
		require.Equal(t, StateWorkerAssigned, ev.To)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}
