package taskstore

import "time"

// Status is one of the values a Task's status may take.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDeferred   Status = "deferred"
	StatusCancelled  Status = "cancelled"
)

// validStatuses is used to reject unknown statuses in SetStatus.
var validStatuses = map[Status]bool{
	StatusPending: true, StatusInProgress: true, StatusReview: true,
	StatusDone: true, StatusFailed: true, StatusDeferred: true, StatusCancelled: true,
}

// Priority is a coarse priority label mirrored onto the numeric 1..10 scale.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Task is a node in the dependency graph. ID is immutable once assigned.
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Status       Status   `json:"status"`
	Dependencies []string `json:"dependencies"`
	Priority     int      `json:"-"`
	PriorityTag  Priority `json:"priority"`
	Details      string   `json:"details,omitempty"`
	TestStrategy string   `json:"testStrategy,omitempty"`
	Subtasks     []Task   `json:"subtasks,omitempty"`
	CreatedAt    string   `json:"createdAt"`
	UpdatedAt    string   `json:"updatedAt"`
	Tags         []string `json:"tags,omitempty"`
}

// priorityTag maps the numeric 1..10 priority onto the document's low/medium/high tag.
func priorityTag(p int) Priority {
	switch {
	case p >= 8:
		return PriorityHigh
	case p >= 4:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
