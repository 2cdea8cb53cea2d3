// Package results journals orchestrator run outcomes in a local SQLite
// database. The journal is a separate record from the task-queue snapshot:
// the orchestrator writes here, never into the queue file.
package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/coverd/internal/model"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	dry_run     INTEGER NOT NULL DEFAULT 0,
	total       INTEGER NOT NULL DEFAULT 0,
	completed   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS task_results (
	run_id         TEXT NOT NULL REFERENCES runs(run_id),
	task_id        INTEGER NOT NULL,
	priority       TEXT NOT NULL,
	source         TEXT NOT NULL,
	time_partition TEXT NOT NULL,
	data_type      TEXT NOT NULL,
	collector      TEXT,
	status         TEXT NOT NULL,
	error          TEXT,
	started_at     TEXT,
	finished_at    TEXT,
	PRIMARY KEY (run_id, task_id)
);
CREATE INDEX IF NOT EXISTS idx_task_results_run ON task_results(run_id);
`

type Store struct {
	db *sql.DB
}

// RunSummary is one orchestrator batch as recorded in the journal.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DryRun     bool       `json:"dry_run"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply results schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun opens a journal row for a batch before any task executes.
func (s *Store) BeginRun(ctx context.Context, runID string, startedAt time.Time, total int, dryRun bool) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, started_at, dry_run, total) VALUES (?, ?, ?, ?)`,
		runID, ts(startedAt), boolInt(dryRun), total)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	return nil
}

// RecordTask appends one task outcome. Called only by the orchestrator's
// single writer goroutine.
func (s *Store) RecordTask(ctx context.Context, runID string, task model.Task) error {
	var started, finished any
	if task.StartedAt != nil {
		started = ts(*task.StartedAt)
	}
	if task.FinishedAt != nil {
		finished = ts(*task.FinishedAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_results(run_id, task_id, priority, source, time_partition, data_type, collector, status, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, task_id) DO UPDATE SET
	status=excluded.status,
	error=excluded.error,
	started_at=excluded.started_at,
	finished_at=excluded.finished_at`,
		runID, task.ID, string(task.Priority), task.Source, task.Partition, task.DataType,
		task.Collector, string(task.Status), task.Error, started, finished)
	if err != nil {
		return fmt.Errorf("record task %d in run %s: %w", task.ID, runID, err)
	}
	return nil
}

// FinishRun seals the journal row with the batch tallies.
func (s *Store) FinishRun(ctx context.Context, runID string, finishedAt time.Time, completed, failed, skipped int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ?, completed = ?, failed = ?, skipped = ? WHERE run_id = ?`,
		ts(finishedAt), completed, failed, skipped, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// RecentRuns lists the newest runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, started_at, finished_at, dry_run, total, completed, failed, skipped
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]RunSummary, 0, limit)
	for rows.Next() {
		var r RunSummary
		var started string
		var finished sql.NullString
		var dry int
		if err := rows.Scan(&r.RunID, &started, &finished, &dry, &r.Total, &r.Completed, &r.Failed, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, err = parseTS(started)
		if err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := parseTS(finished.String)
			if err != nil {
				return nil, err
			}
			r.FinishedAt = &t
		}
		r.DryRun = dry != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskResults returns the per-task rows of one run, in task order.
func (s *Store) TaskResults(ctx context.Context, runID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, priority, source, time_partition, data_type, collector, status, error, started_at, finished_at
FROM task_results WHERE run_id = ? ORDER BY task_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list task results for %s: %w", runID, err)
	}
	defer rows.Close()

	out := make([]model.Task, 0)
	for rows.Next() {
		var t model.Task
		var collector, errText sql.NullString
		var started, finished sql.NullString
		var priority, status string
		if err := rows.Scan(&t.ID, &priority, &t.Source, &t.Partition, &t.DataType, &collector, &status, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		t.Priority = model.Priority(priority)
		t.Status = model.TaskStatus(status)
		t.Collector = collector.String
		t.Error = errText.String
		if started.Valid {
			v, err := parseTS(started.String)
			if err != nil {
				return nil, err
			}
			t.StartedAt = &v
		}
		if finished.Valid {
			v, err := parseTS(finished.String)
			if err != nil {
				return nil, err
			}
			t.FinishedAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
