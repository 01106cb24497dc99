package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
)

// DatabaseFile is the on-disk filename for the result store.
const DatabaseFile = "results.db"

const schema = `
CREATE TABLE IF NOT EXISTS worker_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	status TEXT NOT NULL,
	output TEXT,
	created_files TEXT,
	modified_files TEXT,
	execution_time REAL,
	tokens_used INTEGER,
	timestamp TEXT,
	error_message TEXT,
	validation_passed INTEGER,
	metadata TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_worker_results_task_id ON worker_results(task_id);
CREATE INDEX IF NOT EXISTS idx_worker_results_worker_id ON worker_results(worker_id);
CREATE INDEX IF NOT EXISTS idx_worker_results_status ON worker_results(status);
`

// Store is the worker-result store. Writes are serialized; reads may run concurrently.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open result database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, simplest correct policy

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", orcherr.ErrStoreCorruption, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// Store persists a new result record and returns its row ID.
func (s *Store) Store(ctx context.Context, r Result) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := "{}"
	if r.Metadata != nil {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return 0, fmt.Errorf("%w: marshal metadata: %v", orcherr.ErrValidation, err)
		}
		meta = string(b)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_results
			(task_id, worker_id, status, output, created_files, modified_files,
			 execution_time, tokens_used, timestamp, error_message, validation_passed, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.WorkerID, string(r.Status), r.Output,
		marshalList(r.CreatedFiles), marshalList(r.ModifiedFiles),
		r.ExecutionSeconds, r.TokensUsed, r.Timestamp.Format(time.RFC3339),
		r.ErrorMessage, boolToInt(r.ValidationPassed), meta,
	)
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	return res.LastInsertId()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanResult(row interface {
	Scan(dest ...any) error
}) (Result, error) {
	var (
		r                        Result
		status                   string
		createdFiles, modFiles   string
		timestamp                string
		metadata                 string
		validationPassed         int
	)
	if err := row.Scan(&r.ID, &r.TaskID, &r.WorkerID, &status, &r.Output,
		&createdFiles, &modFiles, &r.ExecutionSeconds, &r.TokensUsed, &timestamp,
		&r.ErrorMessage, &validationPassed, &metadata); err != nil {
		return Result{}, err
	}
	r.Status = Status(status)
	r.CreatedFiles = unmarshalList(createdFiles)
	r.ModifiedFiles = unmarshalList(modFiles)
	r.ValidationPassed = validationPassed != 0
	if ts, err := time.Parse(time.RFC3339, timestamp); err == nil {
		r.Timestamp = ts
	}
	r.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metadata), &r.Metadata)
	return r, nil
}

const selectCols = `id, task_id, worker_id, status, output, created_files, modified_files,
	execution_time, tokens_used, timestamp, error_message, validation_passed, metadata`

// Latest returns the most recent result for task_id, if any.
func (s *Store) Latest(ctx context.Context, taskID string) (Result, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM worker_results WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("query latest result: %w", err)
	}
	return r, true, nil
}

// History returns every result for task_id, oldest first.
func (s *Store) History(ctx context.Context, taskID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM worker_results WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// ByStatus returns every result with the given status.
func (s *Store) ByStatus(ctx context.Context, status Status) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM worker_results WHERE status = ? ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]Result, error) {
	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkValidated sets the validation_passed flag on the latest record for task_id.
func (s *Store) MarkValidated(ctx context.Context, taskID string, passed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_results SET validation_passed = ?
		WHERE id = (SELECT id FROM worker_results WHERE task_id = ? ORDER BY id DESC LIMIT 1)`,
		boolToInt(passed), taskID)
	if err != nil {
		return fmt.Errorf("mark validated: %w", err)
	}
	return nil
}

// WorkerStats aggregates completion counts and duration/token totals for worker_id.
func (s *Store) WorkerStats(ctx context.Context, workerID string) (WorkerStats, error) {
	results, err := s.resultsForWorker(ctx, workerID)
	if err != nil {
		return WorkerStats{}, err
	}
	var stats WorkerStats
	var totalDuration float64
	var validated int
	for _, r := range results {
		stats.Total++
		switch r.Status {
		case StatusSuccess:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		totalDuration += r.ExecutionSeconds
		stats.TotalTokens += r.TokensUsed
		if r.ValidationPassed {
			validated++
		}
	}
	if stats.Total > 0 {
		stats.AvgDuration = totalDuration / float64(stats.Total)
		stats.ValidatedPct = float64(validated) / float64(stats.Total)
	}
	return stats, nil
}

func (s *Store) resultsForWorker(ctx context.Context, workerID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM worker_results WHERE worker_id = ? ORDER BY id ASC`, workerID)
	if err != nil {
		return nil, fmt.Errorf("query worker results: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// Validate applies domain heuristics to task_id's latest result.
func (s *Store) Validate(ctx context.Context, taskID string) (bool, string, error) {
	r, found, err := s.Latest(ctx, taskID)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, "no result recorded for task", nil
	}
	if r.Status != StatusSuccess {
		return false, fmt.Sprintf("result status is %s, not success", r.Status), nil
	}
	trimmed := strings.TrimSpace(r.Output)
	if len(trimmed) <= 200 {
		lower := strings.ToLower(trimmed)
		for _, phrase := range genericCompletionPhrases {
			if strings.Contains(lower, phrase) {
				return false, "output is short and generic", nil
			}
		}
	}
	claimsFiles := strings.Contains(strings.ToLower(r.Output), "creat") || strings.Contains(strings.ToLower(r.Output), "modif")
	if claimsFiles && len(r.CreatedFiles) == 0 && len(r.ModifiedFiles) == 0 {
		return false, "output claims file changes but none were recorded", nil
	}
	return true, "ok", nil
}
