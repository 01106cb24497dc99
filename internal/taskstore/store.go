// Package taskstore persists the task dependency graph to a single atomically
// rewritten JSON document and answers scheduling queries over it.
package taskstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
)

// DocumentFile is the on-disk filename for the task document.
const DocumentFile = "tasks.json"

// Meta is the document header section.
type Meta struct {
	ProjectName    string `json:"projectName"`
	ProjectVersion string `json:"projectVersion"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	PendingTasks   int    `json:"pendingTasks"`
}

// document is the on-disk shape: header plus an ordered task list.
type document struct {
	Meta  Meta   `json:"meta"`
	Tasks []Task `json:"tasks"`
}

// Store is the task store. All mutating operations hold mu; reads copy out.
type Store struct {
	mu     sync.Mutex
	path   string
	doc    document
	logger *slog.Logger
}

// Open loads the document at path, creating an empty one if it does not exist yet.
func Open(path, projectName string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		now := nowISO()
		s.doc = document{Meta: Meta{ProjectName: projectName, ProjectVersion: "0.1.0", CreatedAt: now, UpdatedAt: now}}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read task document: %v", orcherr.ErrStoreCorruption, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse task document: %v", orcherr.ErrStoreCorruption, err)
	}
	s.doc = doc
	return s, nil
}

// save atomically rewrites the document (temp file + rename is the commit point).
func (s *Store) save() error {
	s.recomputeCounts()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tasks-*.json.tmp")
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

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *Store) recomputeCounts() {
	s.doc.Meta.TotalTasks = len(s.doc.Tasks)
	completed, pending := 0, 0
	for _, t := range s.doc.Tasks {
		if t.Status == StatusDone {
			completed++
		} else if t.Status == StatusPending {
			pending++
		}
	}
	s.doc.Meta.CompletedTasks = completed
	s.doc.Meta.PendingTasks = pending
	s.doc.Meta.UpdatedAt = nowISO()
}

func (s *Store) maxID() int {
	max := 0
	for _, t := range s.doc.Tasks {
		if n, err := strconv.Atoi(t.ID); err == nil && n > max {
			max = n
		}
	}
	return max
}

// Add allocates a new task ID and persists the new task.
func (s *Store) Add(title, description string, deps []string, priority int, details, testStrategy string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newID := strconv.Itoa(s.maxID() + 1)

	for _, d := range deps {
		if d == newID {
			return Task{}, &orcherr.DependencyError{TaskID: newID, DepID: d, Reason: "self-reference"}
		}
		if _, ok := s.find(d); !ok {
			return Task{}, &orcherr.DependencyError{TaskID: newID, DepID: d, Reason: "unknown dependency"}
		}
	}

	if priority <= 0 {
		priority = 5
	}
	now := nowISO()
	task := Task{
		ID:           newID,
		Title:        title,
		Description:  description,
		Status:       StatusPending,
		Dependencies: deps,
		Priority:     priority,
		PriorityTag:  priorityTag(priority),
		Details:      details,
		TestStrategy: testStrategy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.doc.Tasks = append(s.doc.Tasks, task)

	if err := s.save(); err != nil {
		s.doc.Tasks = s.doc.Tasks[:len(s.doc.Tasks)-1]
		return Task{}, err
	}
	return task, nil
}

// find locates a task or subtask by ID (supporting "<parent>.<index>") without copying.
func (s *Store) find(id string) (*Task, bool) {
	if parent, idx, ok := splitSubtaskID(id); ok {
		for i := range s.doc.Tasks {
			if s.doc.Tasks[i].ID == parent {
				for j := range s.doc.Tasks[i].Subtasks {
					if s.doc.Tasks[i].Subtasks[j].ID == fmt.Sprintf("%s.%d", parent, idx) {
						return &s.doc.Tasks[i].Subtasks[j], true
					}
				}
				return nil, false
			}
		}
		return nil, false
	}
	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID == id {
			return &s.doc.Tasks[i], true
		}
	}
	return nil, false
}

func splitSubtaskID(id string) (parent string, idx int, ok bool) {
	i := strings.LastIndex(id, ".")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, false
	}
	return id[:i], n, true
}

// Get returns a copy of the task (or subtask) with the given ID.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.find(id)
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// AddSubtask appends a subtask to parentID; deps reference sibling indices.
func (s *Store) AddSubtask(parentID, title, description string, deps []int) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent *Task
	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID == parentID {
			parent = &s.doc.Tasks[i]
			break
		}
	}
	if parent == nil {
		return Task{}, &orcherr.ValidationError{Field: "parentID", Message: "unknown parent task"}
	}

	maxIdx := 0
	for _, st := range parent.Subtasks {
		if _, idx, ok := splitSubtaskID(st.ID); ok && idx > maxIdx {
			maxIdx = idx
		}
	}
	newIdx := maxIdx + 1
	depStrs := make([]string, 0, len(deps))
	for _, d := range deps {
		if d <= 0 || d > len(parent.Subtasks) {
			return Task{}, &orcherr.ValidationError{Field: "deps", Message: "sibling index out of range"}
		}
		depStrs = append(depStrs, fmt.Sprintf("%s.%d", parentID, d))
	}

	now := nowISO()
	sub := Task{
		ID:           fmt.Sprintf("%s.%d", parentID, newIdx),
		Title:        title,
		Description:  description,
		Status:       StatusPending,
		Dependencies: depStrs,
		Priority:     parent.Priority,
		PriorityTag:  parent.PriorityTag,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	parent.Subtasks = append(parent.Subtasks, sub)

	if err := s.save(); err != nil {
		parent.Subtasks = parent.Subtasks[:len(parent.Subtasks)-1]
		return Task{}, err
	}
	return sub, nil
}

// SetStatus updates a task's status, rejecting unknown values.
func (s *Store) SetStatus(id string, status Status) error {
	if !validStatuses[status] {
		return &orcherr.ValidationError{Field: "status", Message: "unknown status " + string(status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.find(id)
	if !ok {
		return fmt.Errorf("%w: %s", orcherr.ErrNotFound, id)
	}
	prev := t.Status
	t.Status = status
	t.UpdatedAt = nowISO()

	if err := s.save(); err != nil {
		t.Status = prev
		return err
	}
	return nil
}

// depsSatisfied reports whether every dependency of t is done (cancelled deps count
// as satisfied per spec invariant 1).
func (s *Store) depsSatisfied(t Task) bool {
	for _, d := range t.Dependencies {
		dep, ok := s.find(d)
		if !ok {
			return false
		}
		if dep.Status != StatusDone && dep.Status != StatusCancelled {
			return false
		}
	}
	return true
}

// NextRunnable returns the highest-priority, lowest-ID task whose status is pending
// or in-progress and whose dependencies are all satisfied.
func (s *Store) NextRunnable() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []Task
	for _, t := range s.doc.Tasks {
		if (t.Status == StatusPending || t.Status == StatusInProgress) && s.depsSatisfied(t) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Task{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		ni, _ := strconv.Atoi(candidates[i].ID)
		nj, _ := strconv.Atoi(candidates[j].ID)
		return ni < nj
	})
	return candidates[0], true
}

// Issue describes one dependency-validation problem.
type Issue struct {
	TaskID string
	Reason string
}

// ValidateDependencies reports missing or self-referential dependencies.
func (s *Store) ValidateDependencies() []Issue {
	s.mu.Lock()
	defer s.mu.Unlock()

	var issues []Issue
	for _, t := range s.doc.Tasks {
		for _, d := range t.Dependencies {
			if d == t.ID {
				issues = append(issues, Issue{TaskID: t.ID, Reason: "self-reference: " + d})
				continue
			}
			if _, ok := s.find(d); !ok {
				issues = append(issues, Issue{TaskID: t.ID, Reason: "missing dependency: " + d})
			}
		}
	}
	return issues
}

// All returns a copy of every top-level task.
func (s *Store) All() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.doc.Tasks))
	copy(out, s.doc.Tasks)
	return out
}

// ByStatus returns a copy of every top-level task with the given status.
func (s *Store) ByStatus(status Status) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.doc.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Dependents returns the IDs of every task that directly depends on id.
func (s *Store) Dependents(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.doc.Tasks {
		for _, d := range t.Dependencies {
			if d == id {
				out = append(out, t.ID)
				break
			}
		}
	}
	return out
}

// Meta returns a copy of the document header.
func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Meta
}
