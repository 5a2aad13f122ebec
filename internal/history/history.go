package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultFile is the history database name under the install root.
const DefaultFile = "tuner.db"

// Fixed width so that text ordering in sqlite matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one pipeline run as recorded in the history table.
type Run struct {
	ID         string    `json:"id"`
	Steps      []string  `json:"steps"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// Store appends one row per run and updates it when the run ends.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			steps TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
		`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) RunStarted(ctx context.Context, id string, steps []string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, steps, status, started_at)
		VALUES (?, ?, 'running', ?)`,
		id, strings.Join(steps, ","), at.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (s *Store) RunFinished(ctx context.Context, id, status, errMsg string, at time.Time) error {
	var startedAt string
	err := s.db.QueryRowContext(ctx, `SELECT started_at FROM runs WHERE id = ?`, id).Scan(&startedAt)
	if err != nil {
		return fmt.Errorf("failed to find run %s: %w", id, err)
	}
	var durationMs int64
	if start, perr := time.Parse(timeFormat, startedAt); perr == nil {
		durationMs = at.Sub(start).Milliseconds()
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?`,
		status, errMsg, at.UTC().Format(timeFormat), durationMs, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// List returns the most recent runs first. limit <= 0 means 20.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, steps, status, error, started_at, finished_at, duration_ms
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var (
			r          Run
			steps      string
			startedAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &steps, &r.Status, &r.Error, &startedAt, &finishedAt, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if steps != "" {
			r.Steps = strings.Split(steps, ",")
		}
		r.StartedAt, _ = time.Parse(timeFormat, startedAt)
		if finishedAt.Valid {
			r.FinishedAt, _ = time.Parse(timeFormat, finishedAt.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
