// Package journal records sync run history in an embedded SQLite
// database.
//
// Unattended syncing needs an inspectable record: when a run last
// succeeded, what failed and with which error, how noisy each run was.
// The journal stores one row per run and is written by the one-shot
// CLI, the watch daemon, and the progress server alike. WAL mode keeps
// readers (autopull history) from blocking a writer mid-run.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Run outcomes.
const (
	OutcomeRunning = "running"
	OutcomeOK      = "ok"
	OutcomeError   = "error"
)

// Run is one recorded sync run.
type Run struct {
	ID         int64
	GitURL     string
	Branch     string
	Dir        string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Error      string
	Lines      int
}

// Duration returns how long the run took, or zero if it never finished.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Journal wraps the SQLite connection holding run history.
type Journal struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the journal database at path and
// initializes its schema. The caller must Close it.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	j := &Journal{conn: conn, path: path}

	if _, err := j.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := j.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := j.initSchema(context.Background()); err != nil {
		_ = j.Close()
		return nil, err
	}

	return j, nil
}

// Path returns the journal database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the journal database.
func (j *Journal) Close() error {
	if j.conn == nil {
		return nil
	}
	if err := j.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	j.conn = nil
	return nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		git_url TEXT NOT NULL,
		branch TEXT NOT NULL,
		dir TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		outcome TEXT NOT NULL DEFAULT 'running',
		error TEXT NOT NULL DEFAULT '',
		lines INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome);
	`

	if _, err := j.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// Begin records the start of a run and returns its row ID.
func (j *Journal) Begin(ctx context.Context, gitURL, branch, dir string) (int64, error) {
	res, err := j.conn.ExecContext(ctx,
		`INSERT INTO runs (git_url, branch, dir, started_at, outcome)
		 VALUES (?, ?, ?, ?, ?)`,
		gitURL, branch, dir, time.Now().UTC().Format(time.RFC3339Nano), OutcomeRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to record run start: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}
	return id, nil
}

// Finish records a run's terminal state. errText is empty for
// successful runs; lines is the number of progress lines produced.
func (j *Journal) Finish(ctx context.Context, id int64, outcome, errText string, lines int) error {
	_, err := j.conn.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ?, error = ?, lines = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), outcome, errText, lines, id)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

// Recent returns the most recent runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.conn.QueryContext(ctx,
		`SELECT id, git_url, branch, dir, started_at, finished_at, outcome, error, lines
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.GitURL, &r.Branch, &r.Dir, &started, &finished, &r.Outcome, &r.Error, &r.Lines); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = t
		}
		if finished.Valid {
			if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
				r.FinishedAt = t
			}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}
