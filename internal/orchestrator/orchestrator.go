// Package orchestrator composes the stores, routing layer, pool, lifecycle, and
// review pipeline into the top-level run/step/shutdown surface.
// Components are constructed leaves-first; upper layers receive immutable handles
// to lower ones, and lifecycle notifies upward via events, never back-pointers.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/kef2001/claude-code-ochestrator-sub002/config"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/allocator"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/checkpointstore"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/lifecycle"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/planvalidator"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/pool"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/resultstore"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/reviewapplier"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/router"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/taskstore"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/worker"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/workerregistry"
)

// StoreDirName is the per-working-directory store root.
const StoreDirName = ".store"

// TaskSpec is one task in a submitted plan document. Dependencies reference the
// 1-based position of earlier tasks within the same document; they are remapped to
// allocated store IDs at persist time.
type TaskSpec struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Dependencies []int  `json:"dependencies,omitempty"`
	Priority     int    `json:"priority,omitempty"`
	Details      string `json:"details,omitempty"`
	TestStrategy string `json:"testStrategy,omitempty"`
}

// Options carries the collaborators the orchestrator cannot construct itself.
type Options struct {
	// Provider resolves worker IDs to execution backends.
	Provider worker.Provider
	// Spawn provisions and registers an additional worker for autoscaling.
	// nil disables scale-up.
	Spawn pool.SpawnFunc
	// ReviewerID labels review reports; defaults to "orchestrator-reviewer".
	ReviewerID string
}

// Orchestrator owns the component graph and drives the scheduling loop.
type Orchestrator struct {
	cfg     *config.Config
	workDir string
	logger  *slog.Logger
	traceID string

	tasks       *taskstore.Store
	results     *resultstore.Store
	checkpoints *checkpointstore.Store
	registry    *workerregistry.Registry
	alloc       *allocator.Allocator
	router      *router.Router
	pool        *pool.Pool
	lifecycle   *lifecycle.Store
	applier     *reviewapplier.Applier

	provider   worker.Provider
	reviewerID string
	promReg    *prometheus.Registry
	cron       *cron.Cron

	wg sync.WaitGroup

	// dispatchSem bounds how many task attempts may be in flight (assigned or
	// queued) at once, providing backpressure on the scheduling loop.
	dispatchSem *semaphore.Weighted

	mu            sync.Mutex
	inflight      map[string]bool
	preTaskCkpt   map[string]string
	routeStrategy map[string]router.Strategy

	// completions wakes the main loop when a supervised task attempt finishes.
	completions chan string
}

// New builds the full component graph under workDir, stores first.
func New(cfg *config.Config, workDir, projectName string, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReviewerID == "" {
		opts.ReviewerID = "orchestrator-reviewer"
	}
	storeDir := filepath.Join(workDir, StoreDirName)

	tasks, err := taskstore.Open(filepath.Join(storeDir, taskstore.DocumentFile), projectName, logger)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	results, err := resultstore.Open(filepath.Join(storeDir, resultstore.DatabaseFile))
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	checkpoints := checkpointstore.New(workDir, storeDir, cfg.Checkpoint.MaxCheckpoints, logger)

	lc, err := lifecycle.Open(filepath.Join(storeDir, lifecycle.DocumentFile),
		cfg.Lifecycle.MaxRetries, cfg.Lifecycle.StuckTimeout, logger)
	if err != nil {
		results.Close()
		return nil, fmt.Errorf("open lifecycle store: %w", err)
	}

	promReg := prometheus.NewRegistry()
	registry := workerregistry.New(promReg)
	alloc := allocator.New(registry)
	rt := router.New(registry, alloc)
	rt.SetStrategy(router.Strategy(cfg.Allocator.Strategy))

	p := pool.New(registry, alloc, pool.Config{
		MinWorkers:             cfg.Pool.MinWorkers,
		MaxWorkers:             cfg.Pool.MaxWorkers,
		ScaleUpThreshold:       cfg.Pool.ScaleUpThreshold,
		ScaleDownThreshold:     cfg.Pool.ScaleDownThreshold,
		ScaleUpCooldown:        cfg.Pool.ScaleUpCooldown,
		ScaleDownCooldown:      cfg.Pool.ScaleDownCooldown,
		Policy:                 pool.ScalingPolicy(cfg.Pool.ScalingPolicy),
		HealthCheckInterval:    cfg.Pool.HealthCheckInterval,
		MaxIdleTime:            cfg.Pool.MaxIdleTime,
		FailureThreshold:       cfg.Pool.FailureThreshold,
		QueueStarvationTimeout: cfg.Pool.QueueStarvationTime,
	}, opts.Spawn, promReg, logger)

	applier := reviewapplier.New(workDir, reviewapplier.StrategySkip, checkpoints, logger)

	return &Orchestrator{
		cfg:           cfg,
		workDir:       workDir,
		logger:        logger,
		traceID:       uuid.NewString(),
		tasks:         tasks,
		results:       results,
		checkpoints:   checkpoints,
		registry:      registry,
		alloc:         alloc,
		router:        rt,
		pool:          p,
		lifecycle:     lc,
		applier:       applier,
		provider:      opts.Provider,
		reviewerID:    opts.ReviewerID,
		promReg:       promReg,
		cron:          cron.New(),
		dispatchSem:   semaphore.NewWeighted(int64(2 * cfg.Pool.MaxWorkers)),
		inflight:      map[string]bool{},
		preTaskCkpt:   map[string]string{},
		routeStrategy: map[string]router.Strategy{},
		completions:   make(chan string, 64),
	}, nil
}

// Accessors for the CLI layer. Handles are shared, not copied; callers must treat
// them as read-mostly and go through store operations for mutation.

func (o *Orchestrator) Tasks() *taskstore.Store             { return o.tasks }
func (o *Orchestrator) Results() *resultstore.Store         { return o.results }
func (o *Orchestrator) Checkpoints() *checkpointstore.Store { return o.checkpoints }
func (o *Orchestrator) Registry() *workerregistry.Registry  { return o.registry }
func (o *Orchestrator) Lifecycle() *lifecycle.Store         { return o.lifecycle }
func (o *Orchestrator) Router() *router.Router              { return o.router }
func (o *Orchestrator) Pool() *pool.Pool                    { return o.pool }

// validatorOptions derives plan-validation thresholds from the pool configuration.
func (o *Orchestrator) validatorOptions() planvalidator.Options {
	opts := planvalidator.DefaultOptions()
	opts.AvailableWorkers = o.cfg.Pool.MaxWorkers
	return opts
}

// ValidatePlan runs the pre-execution gate over specs without persisting anything.
func (o *Orchestrator) ValidatePlan(specs []TaskSpec) planvalidator.Report {
	base := o.maxTaskID()
	return planvalidator.Validate(o.planTasks(specs, base), o.validatorOptions())
}

func (o *Orchestrator) maxTaskID() int {
	max := 0
	for _, t := range o.tasks.All() {
		if n, err := strconv.Atoi(t.ID); err == nil && n > max {
			max = n
		}
	}
	return max
}

func (o *Orchestrator) planTasks(specs []TaskSpec, base int) []planvalidator.Task {
	out := make([]planvalidator.Task, len(specs))
	for i, s := range specs {
		deps := make([]string, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			deps = append(deps, strconv.Itoa(base+d))
		}
		priority := s.Priority
		if priority <= 0 {
			priority = 5
		}
		out[i] = planvalidator.Task{
			ID:           strconv.Itoa(base + i + 1),
			Title:        s.Title,
			Description:  s.Description,
			Priority:     priority,
			Dependencies: deps,
		}
	}
	return out
}

// Submit validates the plan and, on approval, persists every task. A rejected or
// requires-modification outcome persists nothing and returns the report alongside
// a validation error.
func (o *Orchestrator) Submit(ctx context.Context, specs []TaskSpec) (planvalidator.Report, error) {
	base := o.maxTaskID()
	report := planvalidator.Validate(o.planTasks(specs, base), o.validatorOptions())

	switch report.CanExecute {
	case planvalidator.OutcomeApproved, planvalidator.OutcomeApprovedWithWarnings:
	default:
		return report, fmt.Errorf("%w: plan %s", orcherr.ErrValidation, report.CanExecute)
	}

	for _, s := range specs {
		deps := make([]string, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			deps = append(deps, strconv.Itoa(base+d))
		}
		if _, err := o.tasks.Add(s.Title, s.Description, deps, s.Priority, s.Details, s.TestStrategy); err != nil {
			return report, err
		}
	}

	o.logger.Info("plan submitted",
		slog.Int("tasks", len(specs)),
		slog.String("outcome", string(report.CanExecute)),
		slog.String("trace_id", o.traceID))
	return report, nil
}

// startMaintenance schedules the periodic pool tick, lifecycle stuck-task sweep,
// and worker heartbeat poll on the configured cron cadence.
func (o *Orchestrator) startMaintenance(ctx context.Context) error {
	spec := o.cfg.Scheduler.CronSpec
	if spec == "" {
		spec = "@every 5s"
	}
	if _, err := o.cron.AddFunc(spec, func() {
		o.pool.Tick(ctx)
		if swept, _ := o.lifecycle.SweepStuck(); len(swept) > 0 {
			o.logger.Warn("stuck tasks swept", slog.Int("count", len(swept)))
			o.wake()
		}
		o.pollHeartbeats(ctx)
	}); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	o.cron.Start()
	return nil
}

// pollHeartbeats asks each worker backend for a heartbeat and refreshes the
// registry's liveness timestamps, which the pool's health check reads.
func (o *Orchestrator) pollHeartbeats(ctx context.Context) {
	if o.provider == nil {
		return
	}
	for _, prof := range o.registry.All() {
		wk, ok := o.provider.WorkerFor(prof.WorkerID)
		if !ok {
			continue
		}
		if _, err := wk.Heartbeat(ctx); err != nil {
			continue
		}
		o.registry.Heartbeat(prof.WorkerID)
	}
}

// wake nudges the main loop without blocking.
func (o *Orchestrator) wake() {
	select {
	case o.completions <- "":
	default:
	}
}

// Shutdown quiesces the maintenance scheduler, waits for in-flight supervision
// goroutines up to grace, and flushes stores.
func (o *Orchestrator) Shutdown(grace time.Duration) error {
	stopped := o.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(grace):
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		o.logger.Warn("shutdown grace period expired with tasks in flight")
	}

	return o.results.Close()
}
