// Package reviewer evaluates a completed task's worker output and produces a
// ReviewReport: pattern-based file-change analysis plus output-text analysis,
// scored and turned into recommendations.
package reviewer

import (
	"fmt"
	"strings"
)

// Severity is a Finding's severity level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityWeight is used to compute the overall score.
var severityWeight = map[Severity]float64{
	SeverityCritical: 10,
	SeverityHigh:     5,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// Finding is one issue discovered by a file-change or output-text analyzer.
type Finding struct {
	ID          string
	Category    string
	Severity    Severity
	Title       string
	Description string
	Location    string
	Suggestion  string
	Snippet     string
}

// Report is the ReviewReport produced for one task attempt.
type Report struct {
	TaskID           string
	ReviewerID       string
	Score            float64
	Pass             bool
	Findings         []Finding
	Metrics          map[string]any
	Recommendations  []string
	FollowUpRequired bool
}

// Config tunes the reviewer's pass gate.
type Config struct {
	HighThreshold int // pass requires high findings <= this
}

// DefaultConfig mirrors the spec's stated threshold.
func DefaultConfig() Config {
	return Config{HighThreshold: 2}
}

// FileChange is a produced or modified file to analyze.
type FileChange struct {
	Path    string
	Content string
}

// Review runs the file-change and output-text analyzers and composes the Report.
func Review(reviewerID, taskID string, files []FileChange, output, expectedOutput string, cfg Config) Report {
	var findings []Finding
	n := 0
	next := func() string {
		n++
		return fmt.Sprintf("F%03d", n)
	}

	for _, f := range files {
		for _, fn := range analyzeFile(f.Path, f.Content) {
			fn.ID = next()
			findings = append(findings, fn)
		}
	}
	textFindings, metrics := analyzeOutput(output, expectedOutput)
	for _, fn := range textFindings {
		fn.ID = next()
		findings = append(findings, fn)
	}

	counts := map[Severity]int{}
	weightSum := 0.0
	for _, fn := range findings {
		counts[fn.Severity]++
		weightSum += severityWeight[fn.Severity]
	}

	score := clamp01(1 - weightSum/100)
	pass := counts[SeverityCritical] == 0 && counts[SeverityHigh] <= cfg.HighThreshold
	followUp := counts[SeverityCritical] > 0 || counts[SeverityHigh] > 2

	metrics["critical_count"] = counts[SeverityCritical]
	metrics["high_count"] = counts[SeverityHigh]
	metrics["medium_count"] = counts[SeverityMedium]
	metrics["low_count"] = counts[SeverityLow]
	metrics["info_count"] = counts[SeverityInfo]

	return Report{
		TaskID:           taskID,
		ReviewerID:       reviewerID,
		Score:            score,
		Pass:             pass,
		Findings:         findings,
		Metrics:          metrics,
		Recommendations:  recommendations(findings),
		FollowUpRequired: followUp,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// recommendations turns the finding mix into actionable guidance.
func recommendations(findings []Finding) []string {
	var recs []string
	byCategory := map[string]int{}
	for _, f := range findings {
		byCategory[f.Category]++
	}
	if byCategory["security"] > 0 {
		recs = append(recs, "address security findings before deployment")
	}
	if byCategory["code-quality"] > 5 {
		recs = append(recs, "consider refactoring: more than five code-quality findings")
	}
	if byCategory["completeness"] > 0 {
		recs = append(recs, "output indicates incomplete work; request a follow-up pass")
	}
	if byCategory["size"] > 0 {
		recs = append(recs, "split oversized files into smaller units")
	}
	return recs
}

// containsAny reports whether text contains any of needles (case-insensitive).
func containsAny(text string, needles ...string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
