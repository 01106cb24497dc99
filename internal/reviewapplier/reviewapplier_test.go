package reviewapplier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/checkpointstore"
)

func TestExtractReplaceBlock(t *testing.T) {
	text := "Please replace `foo()` with `bar()` in main.go to fix the bug."
	changes := Extract(text)
	require.Len(t, changes, 1)
	require.Equal(t, TypeCodeReplace, changes[0].Type)
	require.Equal(t, "main.go", changes[0].Path)
	require.Equal(t, "foo()", changes[0].OldContent)
	require.Equal(t, "bar()", changes[0].NewContent)
}

func TestExtractLineSpecificChange(t *testing.T) {
	text := "At main.go:42 change 'foo' to 'bar'."
	changes := Extract(text)
	require.Len(t, changes, 1)
	require.Equal(t, 42, changes[0].Line)
	require.Equal(t, "bar", changes[0].NewContent)
}

func TestExtractLineDeleteRange(t *testing.T) {
	text := "Delete lines 10-12 in utils.go since they are dead code."
	changes := Extract(text)
	require.Len(t, changes, 1)
	require.Equal(t, TypeLineDelete, changes[0].Type)
	require.Equal(t, 10, changes[0].Line)
	require.Equal(t, 12, changes[0].EndLine)
}

func TestExtractRefactor(t *testing.T) {
	text := "Refactor function oldName to newName in service.go for clarity."
	changes := Extract(text)
	require.Len(t, changes, 1)
	require.Equal(t, TypeRefactor, changes[0].Type)
	require.Equal(t, "oldName", changes[0].OldContent)
	require.Equal(t, "newName", changes[0].NewContent)
}

func TestApplyCodeReplaceExactMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc foo() {}\n"), 0644))

	a := New(dir, StrategySkip, nil, nil)
	err := a.apply(Change{ID: "c1", Type: TypeCodeReplace, Path: "main.go", OldContent: "func foo() {}", NewContent: "func bar() {}"})
	require.NoError(t, err)

	data, _ := os.ReadFile(path)
	require.Contains(t, string(data), "func bar() {}")
}

func TestApplyCodeReplaceFuzzyFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc   foo ( ) {  }\n"), 0644))

	a := New(dir, StrategySkip, nil, nil)
	err := a.apply(Change{ID: "c1", Type: TypeCodeReplace, Path: "main.go", OldContent: "func foo() {}", NewContent: "func bar() {}"})
	require.NoError(t, err)

	data, _ := os.ReadFile(path)
	require.Contains(t, string(data), "func bar() {}")
}

func TestValidateRejectsEditOfMissingFile(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, StrategySkip, nil, nil)
	err := a.validate(Change{ID: "c1", Type: TypeFileEdit, Path: "missing.go", NewContent: "x"})
	require.Error(t, err)
}

func TestValidateRejectsBlocklistedContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.sh"), []byte("echo hi"), 0644))
	a := New(dir, StrategySkip, nil, nil)
	err := a.validate(Change{ID: "c1", Type: TypeFileEdit, Path: "deploy.sh", NewContent: "rm -rf / --no-preserve-root"})
	require.Error(t, err)
}

func TestResolveConflictsFlagsCreateEditPair(t *testing.T) {
	group := []Change{
		{ID: "c1", Type: TypeFileCreate, Path: "a.go"},
		{ID: "c2", Type: TypeFileEdit, Path: "a.go"},
	}
	kept, conflicts := resolveConflicts(group, StrategySkip)
	require.Len(t, conflicts, 1)
	require.Empty(t, kept)
}

func TestResolveConflictsOverlappingLineRanges(t *testing.T) {
	group := []Change{
		{ID: "c1", Type: TypeCodeReplace, Path: "a.go", Line: 5, EndLine: 8},
		{ID: "c2", Type: TypeLineDelete, Path: "a.go", Line: 7, EndLine: 9},
	}
	_, conflicts := resolveConflicts(group, StrategyPreferReview)
	require.Len(t, conflicts, 1)
	require.Equal(t, []string{"c2"}, conflicts[0].Resolved)
}

func TestProcessReviewAppliesExtractedChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("func foo() {}\n"), 0644))

	a := New(dir, StrategySkip, nil, nil)
	report := a.ProcessReview("1", "Please replace `func foo() {}` with `func bar() {}` in main.go.")
	require.Equal(t, 1, report.TotalExtracted)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 0, report.Failed)
	require.Contains(t, report.ModifiedFiles, "main.go")
}

func TestProcessReviewRollsBackOnPartialFailure(t *testing.T) {
	dir := t.TempDir()
	original := "func foo() {}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(original), 0644))

	ckpts := checkpointstore.New(dir, filepath.Join(dir, ".store"), 20, nil)
	a := New(dir, StrategySkip, ckpts, nil)

	text := "Also create a new file extra.go with this content:\n" +
		"```\npackage extra\n```\n" +
		"And replace `NOPE_NOT_PRESENT` with `x` in main.go please."
	report := a.ProcessReview("1", text)

	require.Equal(t, 2, report.TotalExtracted)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 1, report.Failed)
	require.True(t, report.RollbackPerformed)

	// The working tree matches the pre-apply state exactly: the created file is
	// gone and the untouched file is unchanged.
	_, err := os.Stat(filepath.Join(dir, "extra.go"))
	require.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	require.Equal(t, original, string(data))
}
