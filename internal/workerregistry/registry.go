package workerregistry

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
)

// clampPerformance bounds the performance_score multiplier.
const (
	minPerformanceScore = 0.5
	maxPerformanceScore = 2.0
)

// Registry holds every worker profile. A profile is owned by exactly one pool.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile

	utilizationGauge *prometheus.GaugeVec
	completionTotal  *prometheus.CounterVec
}

// New constructs a Registry, registering its gauges against reg (a private
// registry; this component never starts an HTTP metrics server).
func New(reg *prometheus.Registry) *Registry {
	r := &Registry{
		profiles: make(map[string]*Profile),
		utilizationGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_worker_load",
			Help: "Current load (active/max) per worker.",
		}, []string{"worker_id"}),
		completionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_worker_completions_total",
			Help: "Completed task attempts per worker, labeled by outcome.",
		}, []string{"worker_id", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(r.utilizationGauge, r.completionTotal)
	}
	return r
}

// Register adds a new profile, applying model-derived specialization boosts.
func (r *Registry) Register(workerID, modelID string, caps map[requirements.Capability]bool, maxComplexity requirements.ComplexityTier, maxConcurrent int) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if workerID == "" {
		return nil, &orcherr.ValidationError{Field: "workerID", Message: "must not be empty"}
	}
	if _, exists := r.profiles[workerID]; exists {
		return nil, &orcherr.ValidationError{Field: "workerID", Message: "already registered"}
	}

	p := &Profile{
		WorkerID:            workerID,
		ModelID:             modelID,
		Capabilities:        caps,
		MaxComplexity:       maxComplexity,
		MaxConcurrentTasks:  maxConcurrent,
		SpecializationBoost: defaultSpecializationBoost(modelID, maxComplexity),
		PerformanceScore:    1.0,
		State:               StateIdle,
		LastHeartbeat:       time.Now(),
	}
	r.profiles[workerID] = p
	return p, nil
}

// Unregister removes a worker's profile entirely.
func (r *Registry) Unregister(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[workerID]; !ok {
		return fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, workerID)
	}
	delete(r.profiles, workerID)
	return nil
}

// Get returns a copy of a worker's profile.
func (r *Registry) Get(workerID string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[workerID]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// All returns a copy of every registered profile.
func (r *Registry) All() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, *p)
	}
	return out
}

// MarkState transitions a worker's state field directly (Pool owns legality of the
// transition per its own state machine, §4.7).
func (r *Registry) MarkState(workerID string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[workerID]
	if !ok {
		return fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, workerID)
	}
	p.State = state
	if state == StateIdle {
		p.LastHeartbeat = time.Now()
	}
	return nil
}

// Heartbeat records that a worker is alive, used by the Pool's health-check loop.
func (r *Registry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[workerID]
	if !ok {
		return fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, workerID)
	}
	p.LastHeartbeat = time.Now()
	return nil
}

// RecordCompletion updates EMA duration, rolling success rate, and performance score
// for workerID.
func (r *Registry) RecordCompletion(workerID string, success bool, durationMinutes float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[workerID]
	if !ok {
		return fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, workerID)
	}

	p.TotalCompleted++
	if p.AvgDurationMins == 0 {
		p.AvgDurationMins = durationMinutes
	} else {
		p.AvgDurationMins = emaAlpha*durationMinutes + (1-emaAlpha)*p.AvgDurationMins
	}

	p.RollingOutcomes = append(p.RollingOutcomes, success)
	if len(p.RollingOutcomes) > successWindow {
		p.RollingOutcomes = p.RollingOutcomes[len(p.RollingOutcomes)-successWindow:]
	}

	rate := p.RollingSuccessRate()
	switch {
	case rate >= 0.9:
		p.PerformanceScore *= 1.05
	case rate <= 0.7:
		p.PerformanceScore *= 0.95
	}
	if p.PerformanceScore < minPerformanceScore {
		p.PerformanceScore = minPerformanceScore
	}
	if p.PerformanceScore > maxPerformanceScore {
		p.PerformanceScore = maxPerformanceScore
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.completionTotal.WithLabelValues(workerID, outcome).Inc()
	r.utilizationGauge.WithLabelValues(workerID).Set(p.Load())

	return nil
}

// SetActiveTasks updates a worker's active-task count and refreshes its utilization
// gauge. Used by the Allocator on allocate/release.
func (r *Registry) SetActiveTasks(workerID string, active int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[workerID]
	if !ok {
		return fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, workerID)
	}
	p.ActiveTasks = active
	r.utilizationGauge.WithLabelValues(workerID).Set(p.Load())
	return nil
}

// RecordFailure increments a worker's consecutive-error count, used by the Pool to
// decide when a worker should be marked failed.
func (r *Registry) RecordFailure(workerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[workerID]
	if !ok {
		return 0, fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, workerID)
	}
	p.ConsecutiveFails++
	return p.ConsecutiveFails, nil
}

// ResetFailures clears a worker's consecutive-error count after a successful run.
func (r *Registry) ResetFailures(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[workerID]
	if !ok {
		return fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, workerID)
	}
	p.ConsecutiveFails = 0
	return nil
}
