// Package pool manages a set of workers, a task queue, and autoscaling for one pool.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/allocator"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/workerregistry"
)

// ScalingPolicy controls how many workers are added on a scale-up tick.
type ScalingPolicy string

const (
	PolicyConservative ScalingPolicy = "conservative"
	PolicyBalanced      ScalingPolicy = "balanced"
	PolicyAggressive    ScalingPolicy = "aggressive"
)

// Config holds the Pool's tunables (mirrored by config.PoolConfig).
type Config struct {
	MinWorkers          int
	MaxWorkers          int
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
	ScaleUpCooldown     time.Duration
	ScaleDownCooldown   time.Duration
	Policy              ScalingPolicy
	HealthCheckInterval time.Duration
	MaxIdleTime         time.Duration
	FailureThreshold    int
	QueueStarvationTimeout time.Duration
}

// SpawnFunc provisions a new worker and registers it, returning its ID.
type SpawnFunc func(ctx context.Context) (workerID string, err error)

// CompletionHandler is the signature of a callback reporting a finished task
// attempt. Pool itself does not invoke one.
type CompletionHandler func(taskID, workerID string, success bool, err error)

// Pool owns a set of workers, their queue, and the scaling policy.
type Pool struct {
	mu       sync.Mutex
	registry *workerregistry.Registry
	alloc    *allocator.Allocator
	cfg      Config
	spawn    SpawnFunc
	logger   *slog.Logger

	q queue

	lastScaleUp   time.Time
	lastScaleDown time.Time

	utilizationGauge prometheus.Gauge
	queueDepthGauge  prometheus.Gauge
}

// New constructs a Pool. spawn is called to provision additional workers when
// scaling up; it is expected to register the new worker with registry.
func New(registry *workerregistry.Registry, alloc *allocator.Allocator, cfg Config, spawn SpawnFunc, reg *prometheus.Registry, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		registry: registry,
		alloc:    alloc,
		cfg:      cfg,
		spawn:    spawn,
		logger:   logger,
		utilizationGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_pool_utilization",
			Help: "Fraction of pool workers currently busy.",
		}),
		queueDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_pool_queue_depth",
			Help: "Number of tasks waiting for a worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.utilizationGauge, p.queueDepthGauge)
	}
	return p
}

// counts tallies workers by state (spec invariant 4).
type counts struct {
	busy, idle, failed, offline, starting, stopping, total int
}

func (p *Pool) counts() counts {
	var c counts
	for _, prof := range p.registry.All() {
		c.total++
		switch prof.State {
		case workerregistry.StateBusy:
			c.busy++
		case workerregistry.StateIdle:
			c.idle++
		case workerregistry.StateFailed:
			c.failed++
		case workerregistry.StateOffline:
			c.offline++
		case workerregistry.StateStarting:
			c.starting++
		case workerregistry.StateStopping:
			c.stopping++
		}
	}
	return c
}

// Assign calls the Allocator; on success it marks the worker busy, on
// no-worker-available it enqueues the task (never blocks waiting for a worker).
func (p *Pool) Assign(ctx context.Context, taskID, title, description string, priority int) (string, bool, error) {
	workerID, _, err := p.alloc.Allocate(ctx, taskID, title, description, priority)
	if err == nil {
		if markErr := p.registry.MarkState(workerID, workerregistry.StateBusy); markErr != nil {
			return "", false, markErr
		}
		p.refreshGauges()
		return workerID, true, nil
	}

	p.mu.Lock()
	p.q.push(QueuedTask{TaskID: taskID, Title: title, Description: description, Priority: priority, EnqueuedAt: time.Now()})
	p.queueDepthGauge.Set(float64(p.q.len()))
	p.mu.Unlock()
	return "", false, nil
}

// Assignment pairs a drained queued task with the worker it was handed to.
type Assignment struct {
	Task     QueuedTask
	WorkerID string
}

// Complete updates worker metrics, transitions the worker back to idle (or failed
// if its consecutive-error count reaches the failure threshold), releases it in the
// Allocator, and drains as many queued tasks as now-available workers allow.
func (p *Pool) Complete(ctx context.Context, taskID, workerID string, success bool, durationMinutes float64, workerErr error) ([]Assignment, error) {
	if err := p.alloc.Release(workerID, taskID, success, durationMinutes); err != nil {
		return nil, err
	}

	if success {
		if err := p.registry.ResetFailures(workerID); err != nil {
			return nil, err
		}
		if err := p.registry.MarkState(workerID, workerregistry.StateIdle); err != nil {
			return nil, err
		}
	} else {
		fails, err := p.registry.RecordFailure(workerID)
		if err != nil {
			return nil, err
		}
		if fails >= p.cfg.FailureThreshold {
			if err := p.registry.MarkState(workerID, workerregistry.StateFailed); err != nil {
				return nil, err
			}
		} else {
			if err := p.registry.MarkState(workerID, workerregistry.StateIdle); err != nil {
				return nil, err
			}
		}
	}

	p.refreshGauges()
	return p.drainQueue(ctx), nil
}

// drainQueue assigns as many queued tasks as there are idle, available workers.
func (p *Pool) drainQueue(ctx context.Context) []Assignment {
	p.mu.Lock()
	defer p.mu.Unlock()

	var assigned []Assignment
	p.q.boostOldestIfStarved(p.cfg.QueueStarvationTimeout, time.Now())

	for {
		next, ok := p.q.pop()
		if !ok {
			break
		}
		workerID, _, err := p.alloc.Allocate(ctx, next.TaskID, next.Title, next.Description, next.Priority)
		if err != nil {
			// put it back and stop draining; no worker is currently free
			p.q.push(next)
			break
		}
		p.registry.MarkState(workerID, workerregistry.StateBusy)
		assigned = append(assigned, Assignment{Task: next, WorkerID: workerID})
	}
	p.queueDepthGauge.Set(float64(p.q.len()))
	return assigned
}

func (p *Pool) refreshGauges() {
	c := p.counts()
	if c.total > 0 {
		p.utilizationGauge.Set(float64(c.busy) / float64(c.total))
	}
}

// Remove deregisters a worker. With force=true, its active-task count is released
// through the Allocator as failed completions before it is deregistered; the tasks
// themselves are not completed or marked failed here, and no "worker removed"
// reason is recorded for them.
func (p *Pool) Remove(ctx context.Context, workerID string, force bool) error {
	prof, ok := p.registry.Get(workerID)
	if !ok {
		return fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, workerID)
	}

	if force && prof.ActiveTasks > 0 {
		// The caller (Orchestrator/Lifecycle) owns which tasks were assigned to
		// this worker; Pool only guarantees the worker's accounting is zeroed.
		for i := 0; i < prof.ActiveTasks; i++ {
			if err := p.alloc.Release(workerID, "", false, 0); err != nil {
				p.logger.Warn("release during forced removal failed", slog.String("worker", workerID), slog.String("error", err.Error()))
			}
		}
	}

	return p.registry.Unregister(workerID)
}

// QueueLen reports how many tasks are currently queued.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.len()
}
