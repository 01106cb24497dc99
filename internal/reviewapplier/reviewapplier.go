// Package reviewapplier converts a review's free-text into filesystem change
// proposals, validates and deconflicts them, and applies them to the working tree
// with a configurable conflict-resolution strategy.
package reviewapplier

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/checkpointstore"
)

// ChangeType is the kind of filesystem mutation a proposal performs.
type ChangeType string

const (
	TypeFileCreate  ChangeType = "file_create"
	TypeFileEdit    ChangeType = "file_edit"
	TypeFileDelete  ChangeType = "file_delete"
	TypeCodeReplace ChangeType = "code_replace"
	TypeLineInsert  ChangeType = "line_insert"
	TypeLineDelete  ChangeType = "line_delete"
	TypeRefactor    ChangeType = "refactor"
)

// ConflictStrategy picks what happens when two proposals collide on the same path.
type ConflictStrategy string

const (
	StrategyManual        ConflictStrategy = "manual"
	StrategyPreferReview  ConflictStrategy = "prefer_review"
	StrategyPreferCurrent ConflictStrategy = "prefer_current"
	StrategyMerge         ConflictStrategy = "merge"
	StrategySkip          ConflictStrategy = "skip"
)

// Change is one proposed filesystem edit extracted from a review. Line/EndLine are 1-indexed and zero when not applicable.
type Change struct {
	ID          string
	Type        ChangeType
	Path        string
	OldContent  string
	NewContent  string
	Line        int
	EndLine     int
	Description string
	Metadata    map[string]any
}

// Conflict groups the change IDs that collided on a path and how they were resolved.
type Conflict struct {
	Path     string
	Changes  []string
	Resolved []string // change IDs kept after resolution
	Dropped  []string // change IDs dropped by the resolution strategy
}

// Report is the structured outcome of Apply.
type Report struct {
	TotalExtracted    int
	Applied           int
	Failed            int
	Conflicts         []Conflict
	ValidationErrors  []string
	ModifiedFiles     []string
	PreApplyCheckpoint string
	RollbackPerformed bool
}

// Applier extracts, validates, and applies review-proposed changes.
type Applier struct {
	workDir     string
	strategy    ConflictStrategy
	checkpoints *checkpointstore.Store // optional; nil disables pre-apply checkpointing
	logger      *slog.Logger
}

// New constructs an Applier rooted at workDir with the given conflict-resolution
// strategy, chosen once at construction time. checkpoints may be
// nil to disable the pre-application checkpoint/rollback safety net.
func New(workDir string, strategy ConflictStrategy, checkpoints *checkpointstore.Store, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{workDir: workDir, strategy: strategy, checkpoints: checkpoints, logger: logger}
}

// ProcessReview runs the full pipeline: extract, validate, detect conflicts,
// optionally checkpoint, then apply. On any per-change failure where at least one
// other change was applied, it rolls back to the pre-application checkpoint.
func (a *Applier) ProcessReview(taskID, text string) Report {
	changes := Extract(text)
	report := Report{TotalExtracted: len(changes)}

	var valid []Change
	for _, c := range changes {
		if err := a.validate(c); err != nil {
			report.ValidationErrors = append(report.ValidationErrors, fmt.Sprintf("%s: %v", c.ID, err))
			continue
		}
		valid = append(valid, c)
	}

	toApply, conflicts := resolveConflicts(valid, a.strategy)
	report.Conflicts = conflicts

	if a.checkpoints != nil && len(toApply) > 0 {
		id, err := a.checkpoints.Create(checkpointstore.TypePreTask, "pre-apply checkpoint for task "+taskID, nil,
			map[string]any{"task_id": taskID})
		if err != nil {
			a.logger.Warn("review applier: pre-apply checkpoint failed", slog.String("error", err.Error()))
		} else {
			report.PreApplyCheckpoint = id
		}
	}

	var modified []string
	applied, failed := 0, 0
	for _, c := range toApply {
		if err := a.apply(c); err != nil {
			failed++
			report.ValidationErrors = append(report.ValidationErrors, fmt.Sprintf("%s: apply failed: %v", c.ID, err))
			continue
		}
		applied++
		modified = append(modified, c.Path)
	}
	report.Applied = applied
	report.Failed = failed
	report.ModifiedFiles = modified

	if failed > 0 && applied > 0 && a.checkpoints != nil && report.PreApplyCheckpoint != "" {
		if _, err := a.checkpoints.Rollback(report.PreApplyCheckpoint, checkpointstore.StrategyFull, nil, false); err != nil {
			a.logger.Error("review applier: rollback failed", slog.String("error", err.Error()))
		} else {
			report.RollbackPerformed = true
		}
	}

	return report
}

func (a *Applier) absPath(rel string) string {
	return filepath.Join(a.workDir, filepath.Clean(rel))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
