package checkpointstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
)

// ErrPartialRollbackUnsupported is returned for strategy=partial: the intended
// subset-restoration contract is underspecified, so it is rejected with a clear
// error rather than guessed at. Selective with explicit paths covers the need.
var ErrPartialRollbackUnsupported = fmt.Errorf("%w: partial rollback strategy is not supported, use selective", orcherr.ErrValidation)

// currentTreeEntries walks workDir and returns the relative paths present now.
func (s *Store) currentTreeEntries() (map[string]bool, error) {
	present := map[string]bool{}
	err := filepath.WalkDir(s.workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.workDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if strings.HasPrefix(rel, ".store") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		present[filepath.ToSlash(rel)] = true
		return nil
	})
	return present, err
}

// planRollback computes the create/overwrite/delete sets for restoring manifest m,
// restricted to selectedPaths when strategy is selective.
func (s *Store) planRollback(m Manifest, strategy Strategy, selectedPaths []string) (RollbackDiff, error) {
	if strategy == StrategyPartial {
		return RollbackDiff{}, ErrPartialRollbackUnsupported
	}

	selected := map[string]bool{}
	for _, p := range selectedPaths {
		selected[filepath.ToSlash(p)] = true
	}
	included := func(path string) bool {
		if strategy != StrategySelective {
			return true
		}
		return selected[path]
	}

	current, err := s.currentTreeEntries()
	if err != nil {
		return RollbackDiff{}, fmt.Errorf("walk working tree: %w", err)
	}

	manifestByPath := map[string]Entry{}
	for _, e := range m.Entries {
		manifestByPath[e.Path] = e
	}

	var diff RollbackDiff
	for path, entry := range manifestByPath {
		if !included(path) {
			continue
		}
		if current[path] {
			hash, err := hashFile(filepath.Join(s.workDir, path))
			if err == nil && hash == entry.Hash {
				continue // unchanged, nothing to do
			}
			diff.ToOverwrite = append(diff.ToOverwrite, path)
		} else {
			diff.ToCreate = append(diff.ToCreate, path)
		}
	}

	if strategy == StrategyFull {
		for path := range current {
			if _, tracked := manifestByPath[path]; !tracked {
				diff.ToDelete = append(diff.ToDelete, path)
			}
		}
	}

	return diff, nil
}

// Rollback restores the working tree to the checkpoint's manifest. Deletions are
// applied first, then overwrites, then creations, so a rename-like change (delete A
// + create B with identical content) never collides.
func (s *Store) Rollback(checkpointID string, strategy Strategy, selectedPaths []string, dryRun bool) (RollbackDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.Get(checkpointID)
	if err != nil {
		return RollbackDiff{}, err
	}

	diff, err := s.planRollback(m, strategy, selectedPaths)
	if err != nil {
		return RollbackDiff{}, err
	}
	if dryRun {
		return diff, nil
	}

	s.lastTarget = checkpointID
	defer func() { s.lastTarget = "" }()

	manifestByPath := map[string]Entry{}
	for _, e := range m.Entries {
		manifestByPath[e.Path] = e
	}

	for _, path := range diff.ToDelete {
		full := filepath.Join(s.workDir, path)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return diff, &orcherr.CheckpointErr{CheckpointID: checkpointID, Cause: fmt.Errorf("delete %s: %w", path, err)}
		}
	}
	for _, path := range diff.ToOverwrite {
		entry := manifestByPath[path]
		if err := restoreBlob(s.root, entry.Hash, filepath.Join(s.workDir, path), entry.Mode); err != nil {
			return diff, &orcherr.CheckpointErr{CheckpointID: checkpointID, Cause: fmt.Errorf("overwrite %s: %w", path, err)}
		}
	}
	for _, path := range diff.ToCreate {
		entry := manifestByPath[path]
		if err := restoreBlob(s.root, entry.Hash, filepath.Join(s.workDir, path), entry.Mode); err != nil {
			return diff, &orcherr.CheckpointErr{CheckpointID: checkpointID, Cause: fmt.Errorf("create %s: %w", path, err)}
		}
	}

	return diff, nil
}
