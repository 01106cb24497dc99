// Package orcherr defines the error taxonomy shared across orchestrator components.
package orcherr

import "errors"

// Sentinel errors. Components wrap these with fmt.Errorf("...: %w", ...) so callers
// can still errors.Is against the kind.
var (
	// ErrValidation marks bad input to a store or component.
	ErrValidation = errors.New("validation error")
	// ErrDependency marks an unmet or unknown task dependency.
	ErrDependency = errors.New("dependency error")
	// ErrNoWorkerAvailable marks a transient condition in a live pool.
	ErrNoWorkerAvailable = errors.New("no worker available")
	// ErrWorkerFailure marks a worker that returned failure or timed out.
	ErrWorkerFailure = errors.New("worker failure")
	// ErrReviewRejection marks a task that failed the review pass gate.
	ErrReviewRejection = errors.New("review rejection")
	// ErrApplyFailure marks a failed change application.
	ErrApplyFailure = errors.New("apply failure")
	// ErrCheckpointError marks a failed checkpoint create or rollback.
	ErrCheckpointError = errors.New("checkpoint error")
	// ErrStoreCorruption marks an unreadable on-disk document. Fatal.
	ErrStoreCorruption = errors.New("store corruption")
	// ErrInterrupted marks a user-initiated shutdown.
	ErrInterrupted = errors.New("interrupted")

	// ErrNotFound is returned when an entity is not found in a store.
	ErrNotFound = errors.New("entity not found")
)

// ValidationError carries a field-level detail alongside ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DependencyError names the task and the offending dependency.
type DependencyError struct {
	TaskID string
	DepID  string
	Reason string
}

func (e *DependencyError) Error() string {
	return "task " + e.TaskID + " dependency " + e.DepID + ": " + e.Reason
}

func (e *DependencyError) Unwrap() error { return ErrDependency }

// CheckpointErr carries the checkpoint ID and underlying cause.
type CheckpointErr struct {
	CheckpointID string
	Cause        error
}

func (e *CheckpointErr) Error() string {
	return "checkpoint " + e.CheckpointID + ": " + e.Cause.Error()
}

func (e *CheckpointErr) Unwrap() error { return ErrCheckpointError }
