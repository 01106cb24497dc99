// Package planvalidator gates a task graph before execution begins: dependency,
// resource, security, completeness, complexity, and consistency sub-validators
// compose into a single pass/fail report.
package planvalidator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
)

// Severity is how serious an Issue is.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Outcome is the validator's overall verdict.
type Outcome string

const (
	OutcomeApproved             Outcome = "approved"
	OutcomeApprovedWithWarnings Outcome = "approved_with_warnings"
	OutcomeRequiresModification Outcome = "requires_modification"
	OutcomeRejected             Outcome = "rejected"
)

// Task is the minimal shape the validator needs, decoupled from taskstore so it can
// run against a plan before any task is persisted.
type Task struct {
	ID           string
	Title        string
	Description  string
	Priority     int
	Dependencies []string
}

// Issue is one problem found by a sub-validator.
type Issue struct {
	Category string
	Severity Severity
	Message  string
	TaskIDs  []string
}

// ResourceEstimate summarizes the plan's projected resource needs.
type ResourceEstimate struct {
	RequiredConcurrency int
	EstimatedMemoryMB   int
	EstimatedDuration   int // minutes, sum of every task's estimate
}

// RiskAssessment summarizes the security sub-validator's findings.
type RiskAssessment struct {
	Level               string // low|medium|high
	SensitiveKeywordHits int
	DestructiveHits      int
	PrivilegeHits        int
}

// Report is the full validator outcome.
type Report struct {
	CanExecute      Outcome
	Issues          []Issue
	Recommendations []string
	Resources       ResourceEstimate
	Risk            RiskAssessment
}

// Options tunes the validator's thresholds; StrictMode promotes warnings to errors.
type Options struct {
	StrictMode            bool
	AvailableWorkers       int
	MaxMemoryMB            int
	MaxPlanSize            int
	MaxDescriptionLength   int
	MaxDependencyDepth     int
}

// DefaultOptions returns the standard validation thresholds.
func DefaultOptions() Options {
	return Options{
		StrictMode:           false,
		AvailableWorkers:     4,
		MaxMemoryMB:          8192,
		MaxPlanSize:          50,
		MaxDescriptionLength: 1000,
		MaxDependencyDepth:   5,
	}
}

var sensitiveKeywords = []string{"password", "secret", "key", "token", "credential", "api_key"}
var destructiveKeywords = []string{"delete", "drop", "truncate"}
var privilegeKeywords = []string{"sudo", "root", "admin"}

// Validate runs every sub-validator over tasks and composes the final Report.
func Validate(tasks []Task, opts Options) Report {
	var issues []Issue

	if len(tasks) == 0 {
		return Report{
			CanExecute: OutcomeRejected,
			Issues:     []Issue{{Category: "dependency", Severity: SeverityBlocking, Message: "empty_plan"}},
		}
	}

	byID := map[string]Task{}
	for _, t := range tasks {
		byID[t.ID] = t
	}

	issues = append(issues, validateDependencies(tasks, byID, opts)...)
	resourceEstimate, resourceIssues := validateResources(tasks, byID, opts)
	issues = append(issues, resourceIssues...)
	risk, securityIssues := validateSecurity(tasks)
	issues = append(issues, securityIssues...)
	issues = append(issues, validateCompleteness(tasks)...)
	issues = append(issues, validateComplexity(tasks, opts)...)
	issues = append(issues, validateConsistency(tasks)...)

	report := Report{
		Issues:    issues,
		Resources: resourceEstimate,
		Risk:      risk,
	}
	report.Recommendations = recommendations(issues)
	report.CanExecute = outcome(issues, opts.StrictMode)
	return report
}

func outcome(issues []Issue, strict bool) Outcome {
	blocking, warning := 0, 0
	for _, i := range issues {
		switch i.Severity {
		case SeverityBlocking:
			blocking++
		case SeverityWarning:
			warning++
		}
	}
	if blocking > 0 {
		return OutcomeRejected
	}
	if warning > 0 {
		if strict {
			return OutcomeRequiresModification
		}
		return OutcomeApprovedWithWarnings
	}
	return OutcomeApproved
}

// --- Dependency sub-validator ---

func validateDependencies(tasks []Task, byID map[string]Task, opts Options) []Issue {
	var issues []Issue

	for _, t := range tasks {
		for _, d := range t.Dependencies {
			if d == t.ID {
				issues = append(issues, Issue{Category: "dependency", Severity: SeverityBlocking,
					Message: fmt.Sprintf("task %s depends on itself", t.ID), TaskIDs: []string{t.ID}})
				continue
			}
			if _, ok := byID[d]; !ok {
				issues = append(issues, Issue{Category: "dependency", Severity: SeverityBlocking,
					Message: fmt.Sprintf("task %s depends on unknown task %s", t.ID, d), TaskIDs: []string{t.ID, d}})
			}
		}
	}

	for _, cycle := range findCycles(tasks) {
		issues = append(issues, Issue{
			Category: "dependency",
			Severity: SeverityBlocking,
			Message:  fmt.Sprintf("circular_dep: %s", strings.Join(cycle, " -> ")),
			TaskIDs:  cycle,
		})
	}

	maxDepth := dependencyDepth(tasks, byID)
	if opts.MaxDependencyDepth > 0 && maxDepth > opts.MaxDependencyDepth {
		issues = append(issues, Issue{Category: "dependency", Severity: SeverityWarning,
			Message: fmt.Sprintf("dependency depth %d exceeds %d", maxDepth, opts.MaxDependencyDepth)})
	}
	return issues
}

// findCycles runs DFS from every task, reporting each distinct cycle with its
// full path.
func findCycles(tasks []Task) [][]string {
	byID := map[string]Task{}
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string
	var cycles [][]string
	seen := map[string]bool{}

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		path = append(path, id)
		t, ok := byID[id]
		if ok {
			for _, d := range t.Dependencies {
				if _, exists := byID[d]; !exists {
					continue
				}
				switch color[d] {
				case white:
					visit(d)
				case gray:
					idx := indexOf(path, d)
					if idx >= 0 {
						cycle := append(append([]string{}, path[idx:]...), d)
						key := strings.Join(cycle, ",")
						if !seen[key] {
							seen[key] = true
							cycles = append(cycles, cycle)
						}
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// dependencyDepth is the longest "depends on" chain ending at any task.
func dependencyDepth(tasks []Task, byID map[string]Task) int {
	memo := map[string]int{}
	var depth func(id string, visiting map[string]bool) int
	depth = func(id string, visiting map[string]bool) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if visiting[id] {
			return 0 // cycle; dependency sub-validator already flags it
		}
		visiting[id] = true
		t, ok := byID[id]
		max := 0
		if ok {
			for _, d := range t.Dependencies {
				if _, exists := byID[d]; !exists {
					continue
				}
				if dd := depth(d, visiting) + 1; dd > max {
					max = dd
				}
			}
		}
		visiting[id] = false
		memo[id] = max
		return max
	}
	best := 0
	for _, t := range tasks {
		if d := depth(t.ID, map[string]bool{}); d > best {
			best = d
		}
	}
	return best
}

// --- Resource sub-validator ---

func validateResources(tasks []Task, byID map[string]Task, opts Options) (ResourceEstimate, []Issue) {
	width := dagWidth(tasks, byID)
	memoryMB := 0
	durationMinutes := 0
	for _, t := range tasks {
		reqs := requirements.Derive(t.Title, t.Description, t.Priority)
		durationMinutes += reqs.EstimatedMinutes
		if reqs.Resources.MemoryHeavy {
			memoryMB += 1024
		} else {
			memoryMB += 256
		}
	}

	estimate := ResourceEstimate{RequiredConcurrency: width, EstimatedMemoryMB: memoryMB, EstimatedDuration: durationMinutes}

	var issues []Issue
	if opts.AvailableWorkers > 0 && width > 2*opts.AvailableWorkers {
		issues = append(issues, Issue{Category: "resource", Severity: SeverityWarning,
			Message: fmt.Sprintf("plan requires %d concurrent workers, more than double the %d available", width, opts.AvailableWorkers)})
	}
	if opts.MaxMemoryMB > 0 && memoryMB > opts.MaxMemoryMB {
		issues = append(issues, Issue{Category: "resource", Severity: SeverityBlocking,
			Message: fmt.Sprintf("estimated peak memory %dMB exceeds configured maximum %dMB", memoryMB, opts.MaxMemoryMB)})
	}
	return estimate, issues
}

// dagWidth estimates required concurrency as the maximum number of tasks sharing the
// same dependency depth (the width of the dependency DAG).
func dagWidth(tasks []Task, byID map[string]Task) int {
	depthOf := map[string]int{}
	var depth func(id string, visiting map[string]bool) int
	depth = func(id string, visiting map[string]bool) int {
		if d, ok := depthOf[id]; ok {
			return d
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		t, ok := byID[id]
		max := 0
		if ok {
			for _, d := range t.Dependencies {
				if _, exists := byID[d]; !exists {
					continue
				}
				if dd := depth(d, visiting) + 1; dd > max {
					max = dd
				}
			}
		}
		visiting[id] = false
		depthOf[id] = max
		return max
	}
	counts := map[int]int{}
	for _, t := range tasks {
		d := depth(t.ID, map[string]bool{})
		counts[d]++
	}
	best := 0
	for _, c := range counts {
		if c > best {
			best = c
		}
	}
	return best
}

// --- Security sub-validator ---

func validateSecurity(tasks []Task) (RiskAssessment, []Issue) {
	var issues []Issue
	var risk RiskAssessment

	for _, t := range tasks {
		text := strings.ToLower(t.Title + " " + t.Description)
		for _, kw := range sensitiveKeywords {
			if strings.Contains(text, kw) {
				risk.SensitiveKeywordHits++
				issues = append(issues, Issue{Category: "security", Severity: SeverityWarning,
					Message: fmt.Sprintf("task %s mentions sensitive keyword %q", t.ID, kw), TaskIDs: []string{t.ID}})
				break
			}
		}
		for _, kw := range destructiveKeywords {
			if strings.Contains(text, kw) {
				risk.DestructiveHits++
				issues = append(issues, Issue{Category: "security", Severity: SeverityWarning,
					Message: fmt.Sprintf("task %s uses destructive keyword %q", t.ID, kw), TaskIDs: []string{t.ID}})
				break
			}
		}
		for _, kw := range privilegeKeywords {
			if strings.Contains(text, kw) {
				risk.PrivilegeHits++
				issues = append(issues, Issue{Category: "security", Severity: SeverityWarning,
					Message: fmt.Sprintf("task %s requests elevated privilege %q", t.ID, kw), TaskIDs: []string{t.ID}})
				break
			}
		}
	}

	total := risk.SensitiveKeywordHits + risk.DestructiveHits + risk.PrivilegeHits
	switch {
	case risk.DestructiveHits > 0 || risk.PrivilegeHits > 0:
		risk.Level = "high"
	case total >= 3:
		risk.Level = "medium"
	case total > 0:
		risk.Level = "medium"
	default:
		risk.Level = "low"
	}
	return risk, issues
}

// --- Completeness sub-validator ---

func validateCompleteness(tasks []Task) []Issue {
	var issues []Issue
	dependedOn := map[string]bool{}
	for _, t := range tasks {
		for _, d := range t.Dependencies {
			dependedOn[d] = true
		}
	}

	for _, t := range tasks {
		if len(strings.TrimSpace(t.Description)) < 10 {
			issues = append(issues, Issue{Category: "completeness", Severity: SeverityWarning,
				Message: fmt.Sprintf("task %s has a near-empty description", t.ID), TaskIDs: []string{t.ID}})
		}
		if len(tasks) > 1 && len(t.Dependencies) == 0 && !dependedOn[t.ID] {
			issues = append(issues, Issue{Category: "completeness", Severity: SeverityInfo,
				Message: fmt.Sprintf("task %s is orphaned (no dependencies and nothing depends on it)", t.ID), TaskIDs: []string{t.ID}})
		}
	}
	return issues
}

// --- Complexity sub-validator ---

func validateComplexity(tasks []Task, opts Options) []Issue {
	var issues []Issue
	if opts.MaxPlanSize > 0 && len(tasks) > opts.MaxPlanSize {
		issues = append(issues, Issue{Category: "complexity", Severity: SeverityWarning,
			Message: fmt.Sprintf("plan has %d tasks, exceeding %d", len(tasks), opts.MaxPlanSize)})
	}
	maxLen := opts.MaxDescriptionLength
	if maxLen <= 0 {
		maxLen = 1000
	}
	for _, t := range tasks {
		if len(t.Description) > maxLen {
			issues = append(issues, Issue{Category: "complexity", Severity: SeverityWarning,
				Message: fmt.Sprintf("task %s description exceeds %d characters", t.ID, maxLen), TaskIDs: []string{t.ID}})
		}
	}
	return issues
}

// --- Consistency sub-validator ---

func validateConsistency(tasks []Task) []Issue {
	var issues []Issue

	seenTitles := map[string][]string{}
	for _, t := range tasks {
		key := strings.ToLower(strings.TrimSpace(t.Title))
		seenTitles[key] = append(seenTitles[key], t.ID)
	}
	for title, ids := range seenTitles {
		if title != "" && len(ids) > 1 {
			sort.Strings(ids)
			issues = append(issues, Issue{Category: "consistency", Severity: SeverityWarning,
				Message: fmt.Sprintf("duplicate task title %q used by %s", title, strings.Join(ids, ", ")), TaskIDs: ids})
		}
	}

	numeric, nonNumeric := 0, 0
	for _, t := range tasks {
		if _, err := strconv.Atoi(t.ID); err == nil {
			numeric++
		} else {
			nonNumeric++
		}
	}
	if numeric > 0 && nonNumeric > 0 {
		issues = append(issues, Issue{Category: "consistency", Severity: SeverityInfo,
			Message: "plan mixes numeric and non-numeric task ID conventions"})
	}
	return issues
}

// recommendations turns the issue mix into human-facing guidance.
func recommendations(issues []Issue) []string {
	var recs []string
	byCategory := map[string]int{}
	for _, i := range issues {
		byCategory[i.Category]++
	}
	if byCategory["security"] > 0 {
		recs = append(recs, "review security-flagged tasks before execution")
	}
	if byCategory["dependency"] > 0 {
		recs = append(recs, "resolve dependency issues before submitting the plan")
	}
	if byCategory["completeness"] > 3 {
		recs = append(recs, "add more detail to task descriptions before execution")
	}
	if byCategory["complexity"] > 0 {
		recs = append(recs, "consider splitting the plan into smaller batches")
	}
	return recs
}
