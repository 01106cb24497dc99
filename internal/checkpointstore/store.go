package checkpointstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
)

// CheckpointsDirName is the directory (relative to the store root) holding
// per-checkpoint manifests and the shared blob store.
const CheckpointsDirName = "checkpoints"

// Store is the checkpoint store. create/rollback are serialized against each
// other; manifest reads are lock-free.
type Store struct {
	mu             sync.Mutex
	workDir        string
	root           string // .store/checkpoints
	maxCheckpoints int
	logger         *slog.Logger

	lastTarget string // checkpoint ID of an in-progress rollback target; protected from pruning
}

// New constructs a Store rooted at storeDir/checkpoints, snapshotting workDir.
func New(workDir, storeDir string, maxCheckpoints int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if maxCheckpoints <= 0 {
		maxCheckpoints = 20
	}
	return &Store{
		workDir:        workDir,
		root:           filepath.Join(storeDir, CheckpointsDirName),
		maxCheckpoints: maxCheckpoints,
		logger:         logger,
	}
}

func (s *Store) manifestDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) manifestPath(id string) string {
	return filepath.Join(s.manifestDir(id), "manifest.json")
}

// newCheckpointID mints a sortable, timestamp-prefixed ID unique within this process.
var idCounter int

func newCheckpointID() string {
	idCounter++
	return fmt.Sprintf("%s-%04d", time.Now().UTC().Format("20060102T150405"), idCounter)
}

func matchesAny(patterns []string, relPath string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, relPath); ok {
			return true
		}
	}
	return false
}

// Create enumerates files matching includePaths, stores unique content once as a
// blob, and publishes the manifest only after it is durably written.
func (s *Store) Create(typ Type, description string, includePaths []string, metadata map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(includePaths) == 0 {
		includePaths = []string{"**/*"}
	}

	var entries []Entry
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
		relSlash := filepath.ToSlash(rel)
		if !matchesAny(includePaths, relSlash) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hash, err := hashFile(path)
		if err != nil {
			return err
		}
		if err := storeBlob(s.root, hash, path); err != nil {
			return err
		}
		entries = append(entries, Entry{Path: relSlash, Hash: hash, Mode: uint32(info.Mode().Perm())})
		return nil
	})
	if err != nil {
		return "", &orcherr.CheckpointErr{CheckpointID: "", Cause: fmt.Errorf("enumerate working tree: %w", err)}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	id := newCheckpointID()
	manifest := Manifest{
		CheckpointID: id,
		Type:         typ,
		Timestamp:    nowISO(),
		Description:  description,
		Metadata:     metadata,
		Entries:      entries,
	}

	if err := s.writeManifest(manifest); err != nil {
		return "", &orcherr.CheckpointErr{CheckpointID: id, Cause: err}
	}

	s.enforceRetention()
	return id, nil
}

func (s *Store) writeManifest(m Manifest) error {
	dir := s.manifestDir(m.CheckpointID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.manifestPath(m.CheckpointID))
}

// List returns every checkpoint ID, oldest first (IDs are sortable by construction).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "blobs" {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Get loads a checkpoint's manifest. Lock-free: manifests are immutable once written.
func (s *Store) Get(id string) (Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(id))
	if os.IsNotExist(err) {
		return Manifest{}, fmt.Errorf("%w: checkpoint %s", orcherr.ErrNotFound, id)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: parse manifest %s: %v", orcherr.ErrStoreCorruption, id, err)
	}
	return m, nil
}

// Delete removes a checkpoint's manifest directory. Blobs are left in place since
// they may be shared with other checkpoints; this store never reference-counts them.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.lastTarget {
		return fmt.Errorf("%w: checkpoint %s is an in-progress rollback target", orcherr.ErrValidation, id)
	}
	return os.RemoveAll(s.manifestDir(id))
}

// enforceRetention deletes the oldest non-protected checkpoints beyond maxCheckpoints.
// Caller must hold s.mu.
func (s *Store) enforceRetention() {
	ids, err := s.List()
	if err != nil {
		s.logger.Warn("checkpoint retention: list failed", slog.String("error", err.Error()))
		return
	}
	excess := len(ids) - s.maxCheckpoints
	for i := 0; i < excess; i++ {
		if ids[i] == s.lastTarget {
			continue
		}
		if err := os.RemoveAll(s.manifestDir(ids[i])); err != nil {
			s.logger.Warn("checkpoint retention: delete failed", slog.String("id", ids[i]), slog.String("error", err.Error()))
		}
	}
}
