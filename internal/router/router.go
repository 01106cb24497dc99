// Package router layers a rule-based shortcut and a strategy-based fallback over
// the Allocator, and maintains a bounded ring of routing decisions.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/allocator"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/workerregistry"
)

// Strategy is a named worker-selection policy.
type Strategy string

const (
	StrategyCapabilityBased      Strategy = "capability_based"
	StrategyLoadBalanced         Strategy = "load_balanced"
	StrategyPerformanceOptimized Strategy = "performance_optimized"
	StrategyComplexityMatched    Strategy = "complexity_matched"
	StrategyHybrid               Strategy = "hybrid"
)

// ringCapacity bounds the routing-decision ring.
const ringCapacity = 1000

// criticalTaskRulePriority is the highest built-in rule priority, so critical-task
// routing wins over every other rule. 100 is the one stable value used throughout.
const criticalTaskRulePriority = 100

// Rule is an ordered predicate+target; the highest-priority matching rule wins.
type Rule struct {
	Name      string
	Priority  int
	Predicate func(title, description string, priority int) bool
	// At most one of TargetWorkerID or TargetCapability is set. Route scopes the
	// candidates by TargetCapability, and with no capability target ranks them by
	// performance_score; Route does not read TargetWorkerID.
	TargetWorkerID   string
	TargetCapability requirements.Capability
}

// Decision is one routing-decision ring entry.
type Decision struct {
	ID           string
	TaskID       string
	WorkerID     string
	Strategy     string
	Score        float64
	Alternatives []allocator.Candidate
	Rationale    string
	Timestamp    time.Time
}

// strategyStats tracks per-strategy learning data for optimizeWeights.
type strategyStats struct {
	successCount int
	totalCount   int
	totalDur     float64
}

// Router layers rule-based and strategy-based selection over the Allocator.
type Router struct {
	mu             sync.Mutex
	registry       *workerregistry.Registry
	alloc          *allocator.Allocator
	rules          []Rule
	activeStrategy Strategy
	weights        map[Strategy]float64
	stats          map[Strategy]*strategyStats
	ring           []Decision
}

// New constructs a Router with the built-in rule set and default hybrid strategy.
func New(registry *workerregistry.Registry, alloc *allocator.Allocator) *Router {
	r := &Router{
		registry:       registry,
		alloc:          alloc,
		activeStrategy: StrategyHybrid,
		weights: map[Strategy]float64{
			StrategyCapabilityBased:      0.3,
			StrategyLoadBalanced:         0.2,
			StrategyPerformanceOptimized: 0.3,
			StrategyComplexityMatched:    0.2,
		},
		stats: map[Strategy]*strategyStats{},
	}
	r.rules = builtinRules()
	return r
}

// SetStrategy changes the strategy-based fallback used when no rule matches.
func (r *Router) SetStrategy(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeStrategy = s
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:     "critical-priority-to-top-performer",
			Priority: criticalTaskRulePriority,
			Predicate: func(_, _ string, priority int) bool {
				return priority >= 9
			},
			TargetCapability: "", // resolved by top performance_score at decision time
		},
		{
			Name:     "documentation-keywords",
			Priority: 50,
			Predicate: func(title, description string, _ int) bool {
				text := strings.ToLower(title + " " + description)
				return strings.Contains(text, "document") || strings.Contains(text, "readme")
			},
			TargetCapability: requirements.CapabilityDocumentation,
		},
		{
			Name:     "testing-keywords",
			Priority: 50,
			Predicate: func(title, description string, _ int) bool {
				text := strings.ToLower(title + " " + description)
				return strings.Contains(text, "test") || strings.Contains(text, "pytest")
			},
			TargetCapability: requirements.CapabilityTesting,
		},
		{
			Name:     "debugging-keywords",
			Priority: 50,
			Predicate: func(title, description string, _ int) bool {
				text := strings.ToLower(title + " " + description)
				return strings.Contains(text, "debug") || strings.Contains(text, "bug") || strings.Contains(text, "error")
			},
			TargetCapability: requirements.CapabilityDebugging,
		},
	}
}

func (r *Router) matchingRule(title, description string, priority int) *Rule {
	var best *Rule
	for i := range r.rules {
		rule := &r.rules[i]
		if rule.Predicate(title, description, priority) {
			if best == nil || rule.Priority > best.Priority {
				best = rule
			}
		}
	}
	return best
}

// Route selects a worker for a task, recording a decision. It tries the rule-based
// shortcut first, falling back to the strategy-based selection on no match.
func (r *Router) Route(ctx context.Context, taskID, title, description string, priority int) (Decision, error) {
	reqs := requirements.Derive(title, description, priority)
	profiles := r.registry.All()

	rule := r.matchingRule(title, description, priority)

	var eligible []allocator.Candidate
	var err error
	var strategyUsed Strategy
	rationale := ""

	if rule != nil {
		rationale = fmt.Sprintf("matched rule %q", rule.Name)
		targetCaps := reqs.Capabilities
		if rule.TargetCapability != "" {
			targetCaps = map[requirements.Capability]bool{rule.TargetCapability: true}
		}
		scopedReqs := reqs
		scopedReqs.Capabilities = targetCaps
		eligible, err = r.alloc.Score(ctx, profiles, scopedReqs)
		if err == nil && rule.TargetCapability == "" {
			// No capability target: the eligible worker with the top performance_score wins.
			perf := map[string]float64{}
			for _, p := range profiles {
				perf[p.WorkerID] = p.PerformanceScore
			}
			sort.SliceStable(eligible, func(i, j int) bool { return perf[eligible[i].WorkerID] > perf[eligible[j].WorkerID] })
		}
	} else {
		r.mu.Lock()
		strategyUsed = r.activeStrategy
		r.mu.Unlock()
		rationale = fmt.Sprintf("strategy %s (no rule matched)", strategyUsed)
		eligible, err = r.scoreByStrategy(ctx, profiles, reqs, strategyUsed)
	}
	if err != nil {
		return Decision{}, err
	}
	if len(eligible) == 0 {
		return Decision{}, fmt.Errorf("%w: no eligible worker for task %s", orcherr.ErrNoWorkerAvailable, taskID)
	}

	winner := eligible[0]
	top := eligible
	if len(top) > 5 {
		top = top[:5]
	}

	decision := Decision{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		WorkerID:     winner.WorkerID,
		Strategy:     string(strategyUsed),
		Score:        winner.Score,
		Alternatives: append([]allocator.Candidate(nil), top...),
		Rationale:    rationale,
		Timestamp:    time.Now(),
	}

	r.mu.Lock()
	r.appendDecision(decision)
	r.mu.Unlock()

	return decision, nil
}

// scoreByStrategy computes candidate scores per the named strategy.
func (r *Router) scoreByStrategy(ctx context.Context, profiles []workerregistry.Profile, reqs requirements.TaskRequirements, strategy Strategy) ([]allocator.Candidate, error) {
	base, err := r.alloc.Score(ctx, profiles, reqs)
	if err != nil || len(base) == 0 {
		return base, err
	}

	byID := map[string]workerregistry.Profile{}
	for _, p := range profiles {
		byID[p.WorkerID] = p
	}

	if strategy != StrategyHybrid {
		dimension := func(p workerregistry.Profile) float64 {
			switch strategy {
			case StrategyCapabilityBased:
				return capabilityOverlap(p, reqs)
			case StrategyLoadBalanced:
				return 1 - p.Load()
			case StrategyPerformanceOptimized:
				return p.RollingSuccessRate()
			case StrategyComplexityMatched:
				return complexityMatch(p, reqs)
			default:
				return 0
			}
		}
		out := make([]allocator.Candidate, len(base))
		for i, c := range base {
			out[i] = allocator.Candidate{WorkerID: c.WorkerID, Score: dimension(byID[c.WorkerID])}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		return out, nil
	}

	// Hybrid: weighted sum of capability overlap, load, performance, and
	// complexity-match dimensions, re-ranking the gate-eligible candidates.
	r.mu.Lock()
	w := r.weights
	r.mu.Unlock()

	type scored struct {
		c allocator.Candidate
		s float64
	}
	var combined []scored
	for _, c := range base {
		p := byID[c.WorkerID]
		capScore := capabilityOverlap(p, reqs)
		loadScore := 1 - p.Load()
		perfScore := p.RollingSuccessRate()
		complexityScore := complexityMatch(p, reqs)

		s := w[StrategyCapabilityBased]*capScore +
			w[StrategyLoadBalanced]*loadScore +
			w[StrategyPerformanceOptimized]*perfScore +
			w[StrategyComplexityMatched]*complexityScore
		combined = append(combined, scored{c: allocator.Candidate{WorkerID: c.WorkerID, Score: s}, s: s})
	}
	sort.SliceStable(combined, func(i, j int) bool { return combined[i].s > combined[j].s })

	out := make([]allocator.Candidate, len(combined))
	for i, sc := range combined {
		out[i] = sc.c
	}
	return out, nil
}

func capabilityOverlap(p workerregistry.Profile, reqs requirements.TaskRequirements) float64 {
	if len(reqs.Capabilities) == 0 {
		return 1
	}
	matched := 0
	for cap := range reqs.Capabilities {
		if p.Capabilities[cap] {
			matched++
		}
	}
	return float64(matched) / float64(len(reqs.Capabilities))
}

func complexityMatch(p workerregistry.Profile, reqs requirements.TaskRequirements) float64 {
	overshoot := int(p.MaxComplexity) - int(reqs.Complexity)
	if overshoot < 0 {
		return 0
	}
	if overshoot == 0 {
		return 1
	}
	v := 0.8 - 0.1*float64(overshoot)
	if v < 0 {
		v = 0
	}
	return v
}

// appendDecision appends to the bounded ring, dropping the oldest entry when full.
// Caller must hold r.mu.
func (r *Router) appendDecision(d Decision) {
	r.ring = append(r.ring, d)
	if len(r.ring) > ringCapacity {
		r.ring = r.ring[len(r.ring)-ringCapacity:]
	}
}

// Decisions returns a copy of the routing-decision ring.
func (r *Router) Decisions() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.ring))
	copy(out, r.ring)
	return out
}

// UpdateRoutePerformance feeds an outcome back into per-strategy learning stats.
func (r *Router) UpdateRoutePerformance(strategy Strategy, success bool, durationSec float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[strategy]
	if !ok {
		st = &strategyStats{}
		r.stats[strategy] = st
	}
	st.totalCount++
	if success {
		st.successCount++
	}
	st.totalDur += durationSec
}

// OptimizeWeights rebalances strategy weights by observed effectiveness: a 70/30
// gradual adjustment toward each strategy's success rate, then L1-normalized.
func (r *Router) OptimizeWeights() {
	r.mu.Lock()
	defer r.mu.Unlock()

	newWeights := map[Strategy]float64{}
	for s, w := range r.weights {
		target := w
		if st, ok := r.stats[s]; ok && st.totalCount > 0 {
			target = float64(st.successCount) / float64(st.totalCount)
		}
		newWeights[s] = 0.7*w + 0.3*target
	}

	sum := 0.0
	for _, w := range newWeights {
		sum += w
	}
	if sum > 0 {
		for s := range newWeights {
			newWeights[s] /= sum
		}
	}
	r.weights = newWeights
}

// Weights returns a copy of the current strategy weights.
func (r *Router) Weights() map[Strategy]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Strategy]float64, len(r.weights))
	for s, w := range r.weights {
		out[s] = w
	}
	return out
}
