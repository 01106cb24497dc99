// Package lifecycle implements the per-task process state machine,
// persisting every transition so a crashed orchestrator can resume.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
)

// DocumentFile is the on-disk filename for the lifecycle context map.
const DocumentFile = "lifecycle.json"

// State is a per-task lifecycle state, distinct from a TaskStore status.
type State string

const (
	StatePending          State = "pending"
	StateWorkerAssigned   State = "worker_assigned"
	StateWorkerExecuting  State = "worker_executing"
	StateWorkerCompleted  State = "worker_completed"
	StateReviewPending    State = "review_pending"
	StateReviewInProgress State = "review_in_progress"
	StateReviewCompleted  State = "review_completed"
	StateApplyingChanges  State = "applying_changes"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRetryPending     State = "retry_pending"
)

// allowedTransitions is the process state machine's transition table. A
// transition not listed here is
// rejected with ErrInvalidTransition.
var allowedTransitions = map[State][]State{
	StatePending:          {StateWorkerAssigned, StateFailed},
	StateWorkerAssigned:   {StateWorkerExecuting, StateFailed},
	StateWorkerExecuting:  {StateWorkerCompleted, StateFailed},
	StateWorkerCompleted:  {StateReviewPending, StateRetryPending},
	StateReviewPending:    {StateReviewInProgress, StateFailed},
	StateReviewInProgress: {StateReviewCompleted, StateFailed},
	StateReviewCompleted:  {StateApplyingChanges, StateRetryPending},
	StateApplyingChanges:  {StateCompleted, StateFailed},
	StateFailed:           {StateRetryPending},
	StateRetryPending:     {StatePending},
	StateCompleted:        nil, // terminal
}

// ErrInvalidTransition is returned when a transition is not in allowedTransitions.
var ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", orcherr.ErrValidation)

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted
}

// Context is the per-task lifecycle record.
type Context struct {
	TaskID       string   `json:"task_id"`
	State        State    `json:"state"`
	WorkerID     string   `json:"worker_id,omitempty"`
	ResultRef    string   `json:"result_ref,omitempty"`    // opaque pointer into ResultStore (task_id suffices, kept for clarity)
	ReviewRef    string   `json:"review_ref,omitempty"`    // opaque pointer into a ReviewReport, if any
	RetryCount   int      `json:"retry_count"`
	ErrorHistory []string `json:"error_history,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// Event is broadcast on every persisted transition.
type Event struct {
	TaskID string
	From   State
	To     State
	At     time.Time
}

type document struct {
	Contexts map[string]*Context `json:"contexts"`
}

// Store persists lifecycle contexts and enforces the transition table.
type Store struct {
	mu           sync.Mutex
	path         string
	doc          document
	maxRetries   int
	stuckTimeout time.Duration
	logger       *slog.Logger

	subscribers []chan Event
}

// Open loads the lifecycle document at path, creating an empty one if absent.
func Open(path string, maxRetries int, stuckTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, maxRetries: maxRetries, stuckTimeout: stuckTimeout, logger: logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.doc = document{Contexts: map[string]*Context{}}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read lifecycle document: %v", orcherr.ErrStoreCorruption, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse lifecycle document: %v", orcherr.ErrStoreCorruption, err)
	}
	if doc.Contexts == nil {
		doc.Contexts = map[string]*Context{}
	}
	s.doc = doc
	return s, nil
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// save atomically rewrites the lifecycle document (temp file + rename is the commit).
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lifecycle document: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".lifecycle-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpPath, s.path)
}

// Subscribe returns a channel of state-change events. The channel is buffered;
// slow subscribers drop events rather than block transitions.
func (s *Store) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, 64)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

func (s *Store) broadcast(ev Event) {
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Start creates a fresh lifecycle context for taskID in StatePending, or returns the
// existing one if already present (idempotent, so orchestrator resume is safe).
func (s *Store) Start(taskID string) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx, ok := s.doc.Contexts[taskID]; ok {
		return *ctx, nil
	}
	now := nowISO()
	ctx := &Context{TaskID: taskID, State: StatePending, CreatedAt: now, UpdatedAt: now}
	s.doc.Contexts[taskID] = ctx
	if err := s.save(); err != nil {
		delete(s.doc.Contexts, taskID)
		return Context{}, err
	}
	return *ctx, nil
}

// Get returns a copy of taskID's lifecycle context.
func (s *Store) Get(taskID string) (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.doc.Contexts[taskID]
	if !ok {
		return Context{}, false
	}
	return *ctx, true
}

// All returns a copy of every lifecycle context.
func (s *Store) All() []Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Context, 0, len(s.doc.Contexts))
	for _, ctx := range s.doc.Contexts {
		out = append(out, *ctx)
	}
	return out
}

func allowed(from, to State) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition moves taskID from its current state to `to`, persisting the change and
// broadcasting an Event. Transitions within a single task occur in strict order; no
// two transitions for the same task may interleave (mu serializes them).
func (s *Store) Transition(taskID string, to State) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.doc.Contexts[taskID]
	if !ok {
		return Context{}, fmt.Errorf("%w: lifecycle context %s", orcherr.ErrNotFound, taskID)
	}
	from := ctx.State
	if !allowed(from, to) {
		return Context{}, fmt.Errorf("%w: %s -> %s for task %s", ErrInvalidTransition, from, to, taskID)
	}

	if from == StateFailed && to == StateRetryPending {
		ctx.RetryCount++
	}

	ctx.State = to
	ctx.UpdatedAt = nowISO()
	if err := s.save(); err != nil {
		ctx.State = from
		return Context{}, err
	}

	s.broadcast(Event{TaskID: taskID, From: from, To: to, At: time.Now()})
	return *ctx, nil
}

// SetWorker records which worker a task is assigned to.
func (s *Store) SetWorker(taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.doc.Contexts[taskID]
	if !ok {
		return fmt.Errorf("%w: lifecycle context %s", orcherr.ErrNotFound, taskID)
	}
	ctx.WorkerID = workerID
	ctx.UpdatedAt = nowISO()
	return s.save()
}

// RecordError appends to a task's error history without transitioning its state.
func (s *Store) RecordError(taskID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.doc.Contexts[taskID]
	if !ok {
		return fmt.Errorf("%w: lifecycle context %s", orcherr.ErrNotFound, taskID)
	}
	ctx.ErrorHistory = append(ctx.ErrorHistory, message)
	ctx.UpdatedAt = nowISO()
	return s.save()
}

// Fail transitions a task to Failed recording reason, then immediately applies the
// retry policy: if RetryCount < maxRetries, advance failed -> retry_pending
// -> pending (incrementing the count); otherwise the task stays Failed.
func (s *Store) Fail(taskID, reason string) (Context, error) {
	s.mu.Lock()
	ctx, ok := s.doc.Contexts[taskID]
	s.mu.Unlock()
	if !ok {
		return Context{}, fmt.Errorf("%w: lifecycle context %s", orcherr.ErrNotFound, taskID)
	}

	if ctx.State != StateFailed {
		if _, err := s.Transition(taskID, StateFailed); err != nil {
			return Context{}, err
		}
	}
	if err := s.RecordError(taskID, reason); err != nil {
		return Context{}, err
	}

	s.mu.Lock()
	retryCount := s.doc.Contexts[taskID].RetryCount
	s.mu.Unlock()

	if retryCount >= s.maxRetries {
		ctx, _ := s.Get(taskID)
		return ctx, nil
	}

	if _, err := s.Transition(taskID, StateRetryPending); err != nil {
		return Context{}, err
	}
	return s.Transition(taskID, StatePending)
}

// SweepStuck forces any non-terminal context whose UpdatedAt is older than
// stuckTimeout to Failed with reason "timeout", then lets the retry rule apply.
// Returns the task IDs that were swept.
func (s *Store) SweepStuck() ([]string, error) {
	if s.stuckTimeout <= 0 {
		return nil, nil
	}
	now := time.Now()

	s.mu.Lock()
	var stuck []string
	for id, ctx := range s.doc.Contexts {
		if ctx.State.IsTerminal() {
			continue
		}
		updated, err := time.Parse(time.RFC3339, ctx.UpdatedAt)
		if err != nil {
			continue
		}
		if now.Sub(updated) > s.stuckTimeout {
			stuck = append(stuck, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stuck {
		if _, err := s.Fail(id, "timeout"); err != nil {
			s.logger.Warn("stuck-task sweep: fail transition failed", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}
	return stuck, nil
}
