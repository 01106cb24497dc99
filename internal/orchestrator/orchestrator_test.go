package orchestrator_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kef2001/claude-code-ochestrator-sub002/config"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/lifecycle"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orchestrator"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/planvalidator"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/taskstore"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/worker"
)

// scriptedWorker replays a fixed sequence of results, recording events so tests
// can assert on execution order.
type scriptedWorker struct {
	mu      sync.Mutex
	results []worker.ExecuteResult
	calls   int
	delay   time.Duration
	events  *eventLog
	name    string
}

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (w *scriptedWorker) Execute(ctx context.Context, prompt string, _ []string) (worker.ExecuteResult, error) {
	w.mu.Lock()
	i := w.calls
	w.calls++
	w.mu.Unlock()

	title := strings.SplitN(prompt, "\n", 2)[0]
	if w.events != nil {
		w.events.add("start:" + title)
	}
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return worker.ExecuteResult{}, ctx.Err()
		}
	}
	if w.events != nil {
		w.events.add("end:" + title)
	}

	if i >= len(w.results) {
		i = len(w.results) - 1
	}
	return w.results[i], nil
}

func (w *scriptedWorker) Heartbeat(ctx context.Context) (worker.Heartbeat, error) {
	return worker.Heartbeat{Status: "alive", LastActivity: time.Now()}, nil
}

type mapProvider map[string]worker.Worker

func (m mapProvider) WorkerFor(id string) (worker.Worker, bool) {
	w, ok := m[id]
	return w, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allCaps() map[requirements.Capability]bool {
	caps := map[requirements.Capability]bool{}
	for _, c := range requirements.AllCapabilities {
		caps[c] = true
	}
	return caps
}

func newTestOrchestrator(t *testing.T, provider worker.Provider) (*orchestrator.Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Lifecycle.MaxRetries = 2
	cfg.Worker.Timeout = 10 * time.Second
	cfg.Scheduler.CronSpec = "@every 1s"

	o, err := orchestrator.New(cfg, dir, "test-project", orchestrator.Options{Provider: provider}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { o.Shutdown(time.Second) })
	return o, dir
}

// successOutput is long enough to clear the generic-output heuristic and carries an
// annotated create block the applier turns into README.md.
const successOutput = `I reviewed the repository layout and wrote the requested documentation.
The summary below covers the project purpose, installation steps, and usage notes,
so future contributors have a starting point for the codebase.

Create a new file README.md with the following content:
` + "```" + `
A one-line README.
` + "```" + `
`

// analysisOutput reports work that touches no files, so result validation does not
// expect a created/modified list.
const analysisOutput = `I examined the pipeline stage and verified the behavior end to end.
The checks cover input parsing, the transformation layer, and the final
verification pass. No further action is required for this stage; the next stage
can proceed with the produced artifacts as they stand today.`

func TestRun_SingleTaskHappyPath(t *testing.T) {
	wk := &scriptedWorker{results: []worker.ExecuteResult{{
		Success:      true,
		Output:       successOutput,
		Usage:        worker.Usage{TokensUsed: 120},
		RequestID:    "req-1",
		CreatedFiles: []string{"README.md"},
	}}}
	o, dir := newTestOrchestrator(t, mapProvider{"worker-1": wk})

	_, err := o.Registry().Register("worker-1", "test-model", allCaps(), requirements.ComplexityCritical, 1)
	require.NoError(t, err)

	report, err := o.Submit(context.Background(), []orchestrator.TaskSpec{
		{Title: "Write README", Description: "Add a one-line README"},
	})
	require.NoError(t, err)
	assert.Contains(t, []planvalidator.Outcome{
		planvalidator.OutcomeApproved, planvalidator.OutcomeApprovedWithWarnings,
	}, report.CanExecute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	task, ok := o.Tasks().Get("1")
	require.True(t, ok)
	assert.Equal(t, taskstore.StatusDone, task.Status)

	lcCtx, ok := o.Lifecycle().Get("1")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StateCompleted, lcCtx.State)

	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "A one-line README.\n", string(data))

	latest, found, err := o.Results().Latest(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "success", string(latest.Status))
	assert.True(t, latest.ValidationPassed)
}

func TestRun_RetryAfterWorkerFailure(t *testing.T) {
	wk := &scriptedWorker{results: []worker.ExecuteResult{
		{Success: false, Output: "attempt did not produce a result", Error: "model refused"},
		{
			Success:      true,
			Output:       successOutput,
			CreatedFiles: []string{"README.md"},
		},
	}}
	o, _ := newTestOrchestrator(t, mapProvider{"worker-1": wk})

	_, err := o.Registry().Register("worker-1", "test-model", allCaps(), requirements.ComplexityCritical, 1)
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), []orchestrator.TaskSpec{
		{Title: "Write README", Description: "Add a one-line README"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	task, ok := o.Tasks().Get("1")
	require.True(t, ok)
	assert.Equal(t, taskstore.StatusDone, task.Status)

	lcCtx, ok := o.Lifecycle().Get("1")
	require.True(t, ok)
	assert.Equal(t, 1, lcCtx.RetryCount)

	history, err := o.Results().History(context.Background(), "1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRun_DependencyGating(t *testing.T) {
	events := &eventLog{}
	mk := func(name string) *scriptedWorker {
		return &scriptedWorker{
			name:   name,
			events: events,
			delay:  100 * time.Millisecond,
			results: []worker.ExecuteResult{{
				Success: true,
				Output:  analysisOutput,
			}},
		}
	}
	o, _ := newTestOrchestrator(t, mapProvider{"worker-1": mk("worker-1"), "worker-2": mk("worker-2")})

	for _, id := range []string{"worker-1", "worker-2"} {
		_, err := o.Registry().Register(id, "test-model", allCaps(), requirements.ComplexityCritical, 1)
		require.NoError(t, err)
	}

	_, err := o.Submit(context.Background(), []orchestrator.TaskSpec{
		{Title: "Task A", Description: "first stage of the pipeline work"},
		{Title: "Task B", Description: "second stage, builds on the first", Dependencies: []int{1}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	for _, id := range []string{"1", "2"} {
		task, ok := o.Tasks().Get(id)
		require.True(t, ok)
		assert.Equal(t, taskstore.StatusDone, task.Status, "task %s", id)
	}

	// B must not begin executing until A has finished.
	log := events.all()
	endA, startB := -1, -1
	for i, e := range log {
		if e == "end:Task A" && endA == -1 {
			endA = i
		}
		if e == "start:Task B" {
			startB = i
		}
	}
	require.NotEqual(t, -1, endA)
	require.NotEqual(t, -1, startB)
	assert.Less(t, endA, startB, "events: %v", log)
}

func TestSubmit_RejectsCycle(t *testing.T) {
	o, _ := newTestOrchestrator(t, mapProvider{})

	report, err := o.Submit(context.Background(), []orchestrator.TaskSpec{
		{Title: "Task 1", Description: "first of the circular trio", Dependencies: []int{2}},
		{Title: "Task 2", Description: "second of the circular trio", Dependencies: []int{3}},
		{Title: "Task 3", Description: "third of the circular trio", Dependencies: []int{1}},
	})
	require.Error(t, err)
	assert.Equal(t, planvalidator.OutcomeRejected, report.CanExecute)

	found := false
	for _, issue := range report.Issues {
		if issue.Severity == planvalidator.SeverityBlocking && strings.Contains(issue.Message, "circular_dep") {
			found = true
		}
	}
	assert.True(t, found, "expected a blocking circular_dep issue, got %+v", report.Issues)

	// Nothing is persisted on rejection.
	assert.Empty(t, o.Tasks().All())
}

func TestSubmit_EmptyPlanRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, mapProvider{})

	report, err := o.Submit(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, planvalidator.OutcomeRejected, report.CanExecute)
}

func TestStep_NoRunnableTasks(t *testing.T) {
	o, _ := newTestOrchestrator(t, mapProvider{})
	progressed, err := o.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, progressed)
}
