// Package resultstore persists worker results in a single-file SQLite database and
// provides the validation heuristics used to gate review.
package resultstore

import "time"

// Status is the outcome a worker reported for a task attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
	// StatusPending is never produced by this store; it exists only so a record
	// seeded during crash recovery (before a worker finished) can be represented.
	StatusPending Status = "pending"
)

// Result is one worker-result record.
type Result struct {
	ID               int64
	TaskID           string
	WorkerID         string
	Status           Status
	Output           string
	CreatedFiles     []string
	ModifiedFiles    []string
	ExecutionSeconds float64
	TokensUsed       int
	Timestamp        time.Time
	ErrorMessage     string
	ValidationPassed bool
	Metadata         map[string]any
}

// WorkerStats aggregates a worker's result history.
type WorkerStats struct {
	Total        int
	Succeeded    int
	Failed       int
	AvgDuration  float64
	TotalTokens  int
	ValidatedPct float64
}

// genericCompletionPhrases are generic, low-content confirmations that do not by
// themselves demonstrate real work was done.
var genericCompletionPhrases = []string{
	"task completed successfully",
	"done",
	"completed",
	"finished",
	"ok",
}
