// Package storage provides the sqlite-backed audit journal for
// terminal task records, plus a handle factory for the connection
// pool.
//
// This is operator-facing journaling only: nothing is read back into
// the scheduler on restart.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "taskmill/pkg/logx"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS task_audit (
	id          TEXT    NOT NULL,
	priority    TEXT    NOT NULL,
	state       TEXT    NOT NULL,
	attempts    INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_audit_finished ON task_audit(finished_at);
`

// TaskRecord is one terminal task outcome as journaled.
type TaskRecord struct {
	ID         string
	Priority   string
	State      string
	Attempts   int
	Duration   time.Duration
	Error      string
	FinishedAt time.Time
}

// Journal is an append-only sqlite audit log. Safe for concurrent use;
// sqlite prefers a single writer, so the handle is capped to one
// connection.
type Journal struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Journal, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, log: log}, nil
}

func (j *Journal) Append(ctx context.Context, rec TaskRecord) error {
	if j == nil || j.db == nil {
		return errors.New("journal not open")
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO task_audit (id, priority, state, attempts, duration_ms, error, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Priority, rec.State, rec.Attempts, rec.Duration.Milliseconds(), rec.Error, rec.FinishedAt.UTC(),
	)
	return err
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]TaskRecord, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("journal not open")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, priority, state, attempts, duration_ms, error, finished_at
		 FROM task_audit ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.Priority, &rec.State, &rec.Attempts, &ms, &rec.Error, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Handle is one independent sqlite connection handle, suitable as a
// pooled resource.
type Handle struct {
	db *sql.DB
}

func (h *Handle) DB() *sql.DB { return h.db }

func (h *Handle) Ping(ctx context.Context) error { return h.db.PingContext(ctx) }

func (h *Handle) Close() error { return h.db.Close() }

// Count reports the number of audit rows reachable through the handle.
func (h *Handle) Count(ctx context.Context) (int64, error) {
	var n int64
	err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_audit`).Scan(&n)
	return n, err
}

// NewFactory returns a pool factory producing independent handles to
// the same database file. Each handle holds its own connection.
func NewFactory(path string) func(ctx context.Context) (*Handle, error) {
	return func(ctx context.Context) (*Handle, error) {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Handle{db: db}, nil
	}
}
