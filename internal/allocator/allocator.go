// Package allocator scores workers against a task's requirements and produces an
// assignment, maintaining an allocation-history log of every decision.
package allocator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/workerregistry"
)

// historyCapacity bounds the allocation-history ring.
const historyCapacity = 1000

// HistoryRecord logs one allocation decision.
type HistoryRecord struct {
	TaskID     string
	WorkerID   string
	Score      float64
	Success    bool
	DurationMins float64
	Timestamp  time.Time
}

// Allocator scores and assigns workers over a shared registry.
type Allocator struct {
	mu       sync.Mutex
	registry *workerregistry.Registry
	history  []HistoryRecord
}

// New constructs an Allocator over the given registry.
func New(registry *workerregistry.Registry) *Allocator {
	return &Allocator{registry: registry}
}

func complexityMatchFactor(workerTier, requiredTier requirements.ComplexityTier) float64 {
	overshoot := int(workerTier) - int(requiredTier)
	if overshoot < 0 {
		return 0
	}
	if overshoot == 0 {
		return 1.0
	}
	factor := 0.8 - 0.1*float64(overshoot)
	if factor < 0 {
		factor = 0
	}
	return factor
}

// canHandle gates on complexity tier, capability superset, and availability; all
// three must hold before a worker is scored.
func canHandle(p workerregistry.Profile, reqs requirements.TaskRequirements) bool {
	if p.MaxComplexity < reqs.Complexity {
		return false
	}
	if !p.HasCapabilities(reqs.Capabilities) {
		return false
	}
	if !p.Available() {
		return false
	}
	return true
}

// score computes the suitability score for worker p against reqs.
func score(p workerregistry.Profile, reqs requirements.TaskRequirements) float64 {
	boost := 0.0
	for cap := range reqs.Capabilities {
		boost += p.SpecializationBoost[cap]
	}

	s := p.PerformanceScore *
		(1 + boost) *
		(1 - 0.5*p.Load()) *
		p.RollingSuccessRate() *
		complexityMatchFactor(p.MaxComplexity, reqs.Complexity)

	if p.TotalCompleted > 0 {
		rate := p.RollingSuccessRate()
		switch {
		case rate >= 0.9:
			s *= 1.2
		case rate <= 0.5:
			s *= 0.8
		}
	}

	return s
}

// Candidate is a scored worker, used for reporting top alternatives.
type Candidate struct {
	WorkerID string
	Score    float64
}

// Score computes the per-worker scores for the given requirements concurrently,
// fanned out via errgroup, and returns candidates sorted best-first.
func (a *Allocator) Score(ctx context.Context, profiles []workerregistry.Profile, reqs requirements.TaskRequirements) ([]Candidate, error) {
	candidates := make([]Candidate, len(profiles))
	g, _ := errgroup.WithContext(ctx)
	for i, p := range profiles {
		i, p := i, p
		g.Go(func() error {
			if !canHandle(p, reqs) {
				candidates[i] = Candidate{WorkerID: p.WorkerID, Score: math.Inf(-1)}
				return nil
			}
			candidates[i] = Candidate{WorkerID: p.WorkerID, Score: score(p, reqs)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var eligible []Candidate
	loadByWorker := map[string]float64{}
	for _, p := range profiles {
		loadByWorker[p.WorkerID] = p.Load()
	}
	for _, c := range candidates {
		if !math.IsInf(c.Score, -1) {
			eligible = append(eligible, c)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		if loadByWorker[eligible[i].WorkerID] != loadByWorker[eligible[j].WorkerID] {
			return loadByWorker[eligible[i].WorkerID] < loadByWorker[eligible[j].WorkerID]
		}
		return eligible[i].WorkerID < eligible[j].WorkerID
	})
	return eligible, nil
}

// Allocate derives requirements, runs the gate and scoring over every registered
// worker, and on success increments the winner's active-task counter atomically
// with appending an allocation-history record.
func (a *Allocator) Allocate(ctx context.Context, taskID, title, description string, priority int) (string, []Candidate, error) {
	reqs := requirements.Derive(title, description, priority)
	profiles := a.registry.All()

	candidates, err := a.Score(ctx, profiles, reqs)
	if err != nil {
		return "", nil, err
	}
	if len(candidates) == 0 {
		return "", nil, fmt.Errorf("%w: no worker can handle task %s", orcherr.ErrNoWorkerAvailable, taskID)
	}

	winner := candidates[0]

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.registry.Get(winner.WorkerID)
	if !ok {
		return "", nil, fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, winner.WorkerID)
	}
	if err := a.registry.SetActiveTasks(winner.WorkerID, p.ActiveTasks+1); err != nil {
		return "", nil, err
	}

	a.appendHistory(HistoryRecord{TaskID: taskID, WorkerID: winner.WorkerID, Score: winner.Score, Timestamp: time.Now()})

	return winner.WorkerID, candidates, nil
}

// Release decrements the worker's active counter, forwards the outcome to the
// registry's recordCompletion, and updates the matching history record.
func (a *Allocator) Release(workerID, taskID string, success bool, actualDurationMinutes float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.registry.Get(workerID)
	if !ok {
		return fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, workerID)
	}
	active := p.ActiveTasks - 1
	if active < 0 {
		active = 0
	}
	if err := a.registry.SetActiveTasks(workerID, active); err != nil {
		return err
	}
	if err := a.registry.RecordCompletion(workerID, success, actualDurationMinutes); err != nil {
		return err
	}

	for i := len(a.history) - 1; i >= 0; i-- {
		if a.history[i].TaskID == taskID && a.history[i].WorkerID == workerID {
			a.history[i].Success = success
			a.history[i].DurationMins = actualDurationMinutes
			break
		}
	}
	return nil
}

// appendHistory appends to the bounded ring, dropping the oldest entry when full.
// Caller must hold a.mu.
func (a *Allocator) appendHistory(r HistoryRecord) {
	a.history = append(a.history, r)
	if len(a.history) > historyCapacity {
		a.history = a.history[len(a.history)-historyCapacity:]
	}
}

// History returns a copy of the allocation-history ring.
func (a *Allocator) History() []HistoryRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]HistoryRecord, len(a.history))
	copy(out, a.history)
	return out
}
