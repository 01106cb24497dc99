package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/checkpointstore"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/lifecycle"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/resultstore"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/reviewer"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/router"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/taskstore"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/worker"
)

// Run drives the main loop until no runnable task remains and every dispatched
// task has reached a terminal state. The cancellation token is honored at every
// iteration boundary.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.startMaintenance(ctx); err != nil {
		return err
	}
	defer o.cron.Stop()

	watch, err := o.tasks.Watch(ctx)
	if err != nil {
		o.logger.Warn("task document watch unavailable", slog.String("error", err.Error()))
		watch = make(chan struct{})
	}
	events := o.lifecycle.Subscribe()

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", orcherr.ErrInterrupted, ctx.Err())
		}

		for {
			progressed, err := o.Step(ctx)
			if err != nil {
				return err
			}
			if !progressed {
				break
			}
		}

		if o.quiescent() {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", orcherr.ErrInterrupted, ctx.Err())
		case <-o.completions:
		case <-events:
		case <-watch:
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Step processes one scheduling tick: dispatch the single next runnable task, if
// any. Returns whether a task was dispatched.
func (o *Orchestrator) Step(ctx context.Context) (bool, error) {
	t, ok := o.nextDispatchable()
	if !ok {
		return false, nil
	}
	if !o.dispatchSem.TryAcquire(1) {
		return false, nil // too much in flight; a completion will wake the loop
	}
	if err := o.dispatch(ctx, t); err != nil {
		o.dispatchSem.Release(1)
		return false, err
	}
	return true, nil
}

// nextDispatchable mirrors TaskStore.NextRunnable's ordering but additionally skips
// tasks already dispatched this session (their status is in-progress, which the
// store still considers runnable).
func (o *Orchestrator) nextDispatchable() (taskstore.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var candidates []taskstore.Task
	for _, t := range o.tasks.All() {
		if t.Status != taskstore.StatusPending && t.Status != taskstore.StatusInProgress {
			continue
		}
		if o.inflight[t.ID] {
			continue
		}
		// A context that exists but is not pending is either mid-flight from a
		// previous process (the stuck-task sweep rescues it) or out of retries.
		if lcCtx, ok := o.lifecycle.Get(t.ID); ok && lcCtx.State != lifecycle.StatePending {
			continue
		}
		if !o.depsDone(t) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return taskstore.Task{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		ni, _ := strconv.Atoi(candidates[i].ID)
		nj, _ := strconv.Atoi(candidates[j].ID)
		return ni < nj
	})
	return candidates[0], true
}

func (o *Orchestrator) depsDone(t taskstore.Task) bool {
	for _, d := range t.Dependencies {
		dep, ok := o.tasks.Get(d)
		if !ok {
			return false
		}
		if dep.Status != taskstore.StatusDone && dep.Status != taskstore.StatusCancelled {
			return false
		}
	}
	return true
}

// quiescent reports whether the loop can terminate: nothing runnable, nothing in
// flight, nothing queued.
func (o *Orchestrator) quiescent() bool {
	if _, ok := o.nextDispatchable(); ok {
		return false
	}
	o.mu.Lock()
	inflight := len(o.inflight)
	o.mu.Unlock()
	return inflight == 0 && o.pool.QueueLen() == 0
}

// dispatch runs one task through checkpoint, route, and assignment. A task the
// pool queues stays in flight; its execution begins when the queue drains.
func (o *Orchestrator) dispatch(ctx context.Context, t taskstore.Task) error {
	o.mu.Lock()
	o.inflight[t.ID] = true
	o.mu.Unlock()

	if _, err := o.lifecycle.Start(t.ID); err != nil {
		return err
	}
	if err := o.tasks.SetStatus(t.ID, taskstore.StatusInProgress); err != nil {
		return err
	}

	ckptID, err := o.checkpoints.Create(checkpointstore.TypePreTask,
		"pre-task checkpoint for task "+t.ID,
		o.cfg.Checkpoint.IncludePaths,
		map[string]any{"task_id": t.ID})
	if err != nil {
		// A failed checkpoint is fatal for the affected task.
		o.finishAttempt(t.ID, false)
		o.failTask(t.ID, fmt.Sprintf("pre-task checkpoint: %v", err))
		return nil
	}
	o.mu.Lock()
	o.preTaskCkpt[t.ID] = ckptID
	o.mu.Unlock()

	if decision, err := o.router.Route(ctx, t.ID, t.Title, t.Description, t.Priority); err == nil {
		o.mu.Lock()
		o.routeStrategy[t.ID] = router.Strategy(decision.Strategy)
		o.mu.Unlock()
	}

	workerID, assigned, err := o.pool.Assign(ctx, t.ID, t.Title, t.Description, t.Priority)
	if err != nil {
		o.finishAttempt(t.ID, false)
		o.failTask(t.ID, fmt.Sprintf("assign: %v", err))
		o.recordRoutePerformance(t.ID, false, 0)
		return nil
	}
	if !assigned {
		o.logger.Debug("task queued, no worker available", slog.String("task_id", t.ID))
		return nil
	}

	return o.beginExecution(ctx, t, workerID)
}

// beginExecution records the assignment transitions and starts the supervision
// goroutine scoped to this single worker assignment.
func (o *Orchestrator) beginExecution(ctx context.Context, t taskstore.Task, workerID string) error {
	if _, err := o.lifecycle.Transition(t.ID, lifecycle.StateWorkerAssigned); err != nil {
		return err
	}
	if err := o.lifecycle.SetWorker(t.ID, workerID); err != nil {
		return err
	}
	if _, err := o.lifecycle.Transition(t.ID, lifecycle.StateWorkerExecuting); err != nil {
		return err
	}

	o.wg.Add(1)
	go o.supervise(ctx, t, workerID)
	return nil
}

// buildPrompt is deliberately minimal: prompt construction from task text is an
// external collaborator's concern.
func buildPrompt(t taskstore.Task) string {
	prompt := t.Title + "\n\n" + t.Description
	if t.Details != "" {
		prompt += "\n\n" + t.Details
	}
	return prompt
}

// supervise blocks on the worker for one assignment, persists the result, and runs
// the completion path: pool bookkeeping, review, apply, and status updates.
func (o *Orchestrator) supervise(ctx context.Context, t taskstore.Task, workerID string) {
	defer o.wg.Done()

	started := time.Now()
	res, execErr := o.executeOnWorker(ctx, t, workerID)
	durationMins := time.Since(started).Minutes()

	success := execErr == nil && res.Success
	o.persistResult(ctx, t.ID, workerID, res, execErr, time.Since(started))

	// The WorkerResult is persisted before any TaskStore status change (there are
	// no multi-store transactions, ordering keeps the stores consistent).
	assignments, err := o.pool.Complete(ctx, t.ID, workerID, success, durationMins, execErr)
	if err != nil {
		o.logger.Warn("pool completion failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
	}

	if success {
		o.completeAttempt(ctx, t, workerID, res, durationMins)
	} else {
		reason := "worker failure"
		if execErr != nil {
			reason = fmt.Sprintf("%v", execErr)
		} else if res.Error != "" {
			reason = res.Error
		}
		o.finishAttempt(t.ID, false)
		o.failTask(t.ID, reason)
		o.recordRoutePerformance(t.ID, false, durationMins*60)
	}

	for _, a := range assignments {
		qt, ok := o.tasks.Get(a.Task.TaskID)
		if !ok {
			continue
		}
		if err := o.beginExecution(ctx, qt, a.WorkerID); err != nil {
			o.logger.Warn("drained task start failed", slog.String("task_id", qt.ID), slog.String("error", err.Error()))
		}
	}

	o.wake()
}

func (o *Orchestrator) executeOnWorker(ctx context.Context, t taskstore.Task, workerID string) (worker.ExecuteResult, error) {
	if o.provider == nil {
		return worker.ExecuteResult{}, fmt.Errorf("%w: no worker provider configured", orcherr.ErrWorkerFailure)
	}
	wk, ok := o.provider.WorkerFor(workerID)
	if !ok {
		return worker.ExecuteResult{}, fmt.Errorf("%w: no backend for worker %s", orcherr.ErrWorkerFailure, workerID)
	}

	execCtx := ctx
	if o.cfg.Worker.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, o.cfg.Worker.Timeout)
		defer cancel()
	}
	res, err := wk.Execute(execCtx, buildPrompt(t), nil)
	if err != nil {
		return res, fmt.Errorf("%w: %v", orcherr.ErrWorkerFailure, err)
	}
	return res, nil
}

func (o *Orchestrator) persistResult(ctx context.Context, taskID, workerID string, res worker.ExecuteResult, execErr error, elapsed time.Duration) {
	status := resultstore.StatusSuccess
	errMsg := res.Error
	if execErr != nil || !res.Success {
		status = resultstore.StatusFailed
	}
	if execErr != nil && errMsg == "" {
		errMsg = execErr.Error()
	}
	if _, err := o.results.Store(ctx, resultstore.Result{
		TaskID:           taskID,
		WorkerID:         workerID,
		Status:           status,
		Output:           res.Output,
		CreatedFiles:     res.CreatedFiles,
		ModifiedFiles:    res.ModifiedFiles,
		ExecutionSeconds: elapsed.Seconds(),
		TokensUsed:       res.Usage.TokensUsed,
		Metadata:         map[string]any{"request_id": res.RequestID, "trace_id": o.traceID},
	}); err != nil {
		o.logger.Error("persist worker result failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

// completeAttempt runs the post-execution pipeline for a successful worker result:
// review, then apply, then final status.
func (o *Orchestrator) completeAttempt(ctx context.Context, t taskstore.Task, workerID string, res worker.ExecuteResult, durationMins float64) {
	finalSuccess := false
	defer func() {
		o.finishAttempt(t.ID, finalSuccess)
		o.recordRoutePerformance(t.ID, finalSuccess, durationMins*60)
	}()

	if _, err := o.lifecycle.Transition(t.ID, lifecycle.StateWorkerCompleted); err != nil {
		o.logger.Warn("lifecycle transition failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}
	if _, err := o.lifecycle.Transition(t.ID, lifecycle.StateReviewPending); err != nil {
		return
	}
	if _, err := o.lifecycle.Transition(t.ID, lifecycle.StateReviewInProgress); err != nil {
		return
	}

	report := o.review(ctx, t, res)
	resultOK, resultMsg, _ := o.results.Validate(ctx, t.ID)
	pass := report.Pass && resultOK
	if err := o.results.MarkValidated(ctx, t.ID, pass); err != nil {
		o.logger.Warn("mark validated failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
	}

	if !pass {
		reason := "review rejected"
		if !resultOK {
			reason = "result validation failed: " + resultMsg
		}
		o.failTask(t.ID, reason)
		return
	}

	if _, err := o.lifecycle.Transition(t.ID, lifecycle.StateReviewCompleted); err != nil {
		return
	}
	if _, err := o.lifecycle.Transition(t.ID, lifecycle.StateApplyingChanges); err != nil {
		return
	}

	applyReport := o.applier.ProcessReview(t.ID, res.Output)
	if applyReport.Failed > 0 || applyReport.RollbackPerformed {
		o.rollbackPreTask(t.ID)
		o.failTask(t.ID, fmt.Sprintf("%v: %d of %d changes failed",
			orcherr.ErrApplyFailure, applyReport.Failed, applyReport.TotalExtracted))
		return
	}

	if _, err := o.lifecycle.Transition(t.ID, lifecycle.StateCompleted); err != nil {
		o.logger.Warn("lifecycle completion failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}
	if err := o.tasks.SetStatus(t.ID, taskstore.StatusDone); err != nil {
		o.logger.Error("task status update failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}
	finalSuccess = true
	o.logger.Info("task completed",
		slog.String("task_id", t.ID),
		slog.String("worker_id", workerID),
		slog.Int("changes_applied", applyReport.Applied))
}

// review assembles the file-change inputs and runs the reviewer.
func (o *Orchestrator) review(ctx context.Context, t taskstore.Task, res worker.ExecuteResult) reviewer.Report {
	var files []reviewer.FileChange
	seen := map[string]bool{}
	for _, rel := range append(append([]string{}, res.CreatedFiles...), res.ModifiedFiles...) {
		if seen[rel] {
			continue
		}
		seen[rel] = true
		data, err := os.ReadFile(filepath.Join(o.workDir, filepath.Clean(rel)))
		if err != nil {
			continue // the applier may not have produced it yet; text analysis still runs
		}
		files = append(files, reviewer.FileChange{Path: rel, Content: string(data)})
	}
	return reviewer.Review(o.reviewerID, t.ID, files, res.Output, "",
		reviewer.Config{HighThreshold: o.cfg.Review.HighThreshold})
}

// failTask routes a task attempt through the lifecycle retry policy and mirrors
// the outcome onto the TaskStore status.
func (o *Orchestrator) failTask(taskID, reason string) {
	lcCtx, err := o.lifecycle.Fail(taskID, reason)
	if err != nil {
		o.logger.Error("lifecycle fail transition error", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	status := taskstore.StatusFailed
	if lcCtx.State == lifecycle.StatePending {
		status = taskstore.StatusPending // retry scheduled
	}
	if err := o.tasks.SetStatus(taskID, status); err != nil {
		o.logger.Error("task status update failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
	o.logger.Warn("task attempt failed",
		slog.String("task_id", taskID),
		slog.String("reason", reason),
		slog.Int("retry_count", lcCtx.RetryCount),
		slog.String("next", string(lcCtx.State)))
}

// rollbackPreTask restores the working tree to the task's pre-task checkpoint.
func (o *Orchestrator) rollbackPreTask(taskID string) {
	o.mu.Lock()
	ckptID := o.preTaskCkpt[taskID]
	o.mu.Unlock()
	if ckptID == "" {
		return
	}
	if _, err := o.checkpoints.Rollback(ckptID, checkpointstore.StrategyFull, nil, false); err != nil {
		o.logger.Error("pre-task rollback failed",
			slog.String("task_id", taskID),
			slog.String("checkpoint", ckptID),
			slog.String("error", err.Error()))
	}
}

// finishAttempt clears the in-flight bookkeeping for one attempt and returns its
// dispatch permit.
func (o *Orchestrator) finishAttempt(taskID string, _ bool) {
	o.mu.Lock()
	inflight := o.inflight[taskID]
	delete(o.inflight, taskID)
	delete(o.preTaskCkpt, taskID)
	o.mu.Unlock()
	if inflight {
		o.dispatchSem.Release(1)
	}
	o.wake()
}

func (o *Orchestrator) recordRoutePerformance(taskID string, success bool, durationSec float64) {
	o.mu.Lock()
	strategy, ok := o.routeStrategy[taskID]
	delete(o.routeStrategy, taskID)
	o.mu.Unlock()
	if !ok || strategy == "" {
		return
	}
	o.router.UpdateRoutePerformance(strategy, success, durationSec)
}
