// Package workerregistry holds WorkerProfile records: stable capabilities and live
// performance metrics for every worker known to a pool.
package workerregistry

import (
	"time"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
)

// State is a worker's current lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStarting State = "starting"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
	StateOffline  State = "offline"
)

// emaAlpha is the smoothing factor for the average-duration EMA.
const emaAlpha = 0.1

// successWindow bounds the rolling success-rate window (last 10 outcomes).
const successWindow = 10

// Profile is a worker's stable attributes plus dynamic, registry-owned metrics.
type Profile struct {
	WorkerID           string
	ModelID            string
	Capabilities       map[requirements.Capability]bool
	MaxComplexity      requirements.ComplexityTier
	MaxConcurrentTasks int

	// Specialization boosts applied at registration time, additive in the
	// suitability-score formula.
	SpecializationBoost map[requirements.Capability]float64

	ActiveTasks      int
	TotalCompleted   int
	RollingOutcomes  []bool // last successWindow outcomes, most recent last
	AvgDurationMins  float64
	PerformanceScore float64
	State            State
	LastHeartbeat    time.Time
	ConsecutiveFails int
}

// Load returns active/max, the current-load fraction used in scoring.
func (p *Profile) Load() float64 {
	if p.MaxConcurrentTasks == 0 {
		return 1
	}
	return float64(p.ActiveTasks) / float64(p.MaxConcurrentTasks)
}

// Available reports whether the worker can accept another task right now.
func (p *Profile) Available() bool {
	return p.ActiveTasks < p.MaxConcurrentTasks && p.State != StateFailed && p.State != StateOffline && p.State != StateStopping
}

// RollingSuccessRate is the fraction of successes in the rolling outcomes window.
func (p *Profile) RollingSuccessRate() float64 {
	if len(p.RollingOutcomes) == 0 {
		return 1.0
	}
	succ := 0
	for _, ok := range p.RollingOutcomes {
		if ok {
			succ++
		}
	}
	return float64(succ) / float64(len(p.RollingOutcomes))
}

// HasCapabilities reports whether p's capability set is a superset of required.
func (p *Profile) HasCapabilities(required map[requirements.Capability]bool) bool {
	for cap, want := range required {
		if want && !p.Capabilities[cap] {
			return false
		}
	}
	return true
}

// defaultSpecializationBoost derives a model-size-implied boost: larger models get a
// design/review boost, smaller ones a code/refactor boost. This is configuration
// guidance, not contract, implemented as a simple heuristic over the worker's max
// complexity tier (high or above counts as large); modelID is not consulted.
func defaultSpecializationBoost(modelID string, maxComplexity requirements.ComplexityTier) map[requirements.Capability]float64 {
	boost := map[requirements.Capability]float64{}
	if maxComplexity >= requirements.ComplexityHigh {
		boost[requirements.CapabilityDesign] = 0.15
		boost[requirements.CapabilityReview] = 0.1
	} else {
		boost[requirements.CapabilityCode] = 0.1
		boost[requirements.CapabilityRefactoring] = 0.05
	}
	return boost
}
