package taskstore

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	s, err := Open(path, "test-project", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestAddAllocatesIncrementingIDs(t *testing.T) {
	s := newTestStore(t)

	t1, err := s.Add("First", "desc", nil, 5, "", "")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if t1.ID != "1" {
		t.Errorf("expected ID 1, got %s", t1.ID)
	}

	t2, err := s.Add("Second", "desc", []string{"1"}, 5, "", "")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if t2.ID != "2" {
		t.Errorf("expected ID 2, got %s", t2.ID)
	}
}

func TestAddRejectsUnknownDependency(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add("Task", "desc", []string{"99"}, 5, "", "")
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestAddRejectsSelfDependency(t *testing.T) {
	s := newTestStore(t)
	// First task would be ID "1"; depending on itself must be rejected.
	_, err := s.Add("Task", "desc", []string{"1"}, 5, "", "")
	if err == nil {
		t.Fatal("expected error for self dependency")
	}
}

func TestNextRunnableOrdersByPriorityThenID(t *testing.T) {
	s := newTestStore(t)
	s.Add("Low prio", "desc", nil, 2, "", "")
	s.Add("High prio", "desc", nil, 9, "", "")

	next, ok := s.NextRunnable()
	if !ok {
		t.Fatal("expected a runnable task")
	}
	if next.ID != "2" {
		t.Errorf("expected task 2 (higher priority) first, got %s", next.ID)
	}
}

func TestNextRunnableRespectsDependencies(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Add("A", "desc", nil, 5, "", "")
	s.Add("B", "desc", []string{a.ID}, 5, "", "")

	next, ok := s.NextRunnable()
	if !ok || next.ID != a.ID {
		t.Fatalf("expected task A runnable first, got %+v ok=%v", next, ok)
	}

	if err := s.SetStatus(a.ID, StatusDone); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	next, ok = s.NextRunnable()
	if !ok || next.ID != "2" {
		t.Fatalf("expected task B runnable after A is done, got %+v ok=%v", next, ok)
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Add("A", "desc", nil, 5, "", "")
	if err := s.SetStatus(a.ID, "bogus"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestValidateDependenciesReportsNoIssuesForValidGraph(t *testing.T) {
	s := newTestStore(t)
	s.Add("A", "desc", nil, 5, "", "")

	// Manually craft an inconsistent document via the same store internals by
	// adding tasks that reference a valid dep, then corrupt via direct field edit
	// is not exposed; instead verify the happy path reports no issues.
	issues := s.ValidateDependencies()
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}

func TestAddSubtaskIndexesFromOne(t *testing.T) {
	s := newTestStore(t)
	parent, _ := s.Add("Parent", "desc", nil, 5, "", "")

	sub1, err := s.AddSubtask(parent.ID, "Sub1", "desc", nil)
	if err != nil {
		t.Fatalf("AddSubtask() error = %v", err)
	}
	if sub1.ID != parent.ID+".1" {
		t.Errorf("expected subtask ID %s.1, got %s", parent.ID, sub1.ID)
	}

	sub2, err := s.AddSubtask(parent.ID, "Sub2", "desc", []int{1})
	if err != nil {
		t.Fatalf("AddSubtask() error = %v", err)
	}
	if sub2.ID != parent.ID+".2" {
		t.Errorf("expected subtask ID %s.2, got %s", parent.ID, sub2.ID)
	}
}

func TestReopenPreservesTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	s, err := Open(path, "proj", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Add("A", "desc", nil, 5, "", "")

	reopened, err := Open(path, "proj", nil)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	all := reopened.All()
	if len(all) != 1 || all[0].Title != "A" {
		t.Errorf("expected reopened store to contain task A, got %+v", all)
	}
}

func TestDependents(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Add("A", "desc", nil, 5, "", "")
	b, _ := s.Add("B", "desc", []string{a.ID}, 5, "", "")

	deps := s.Dependents(a.ID)
	if len(deps) != 1 || deps[0] != b.ID {
		t.Errorf("expected [%s], got %v", b.ID, deps)
	}
}
