// Package journal is a local SQLite-backed journal of task lifecycle events.
//
// Notes:
// - Recording is best-effort: the coordinator must never block or fail on
//   journaling, so errors degrade to log records.
// - WAL is enabled to support concurrent reads while writing.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	log *slog.Logger
	db  *sql.DB
}

type Entry struct {
	ID              int64  `json:"id"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	Action          string `json:"action"`
	TaskID          string `json:"task_id,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing journal db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{log: log, db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at_unix_ms INTEGER NOT NULL,
			action TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one lifecycle event. Satisfies the coordinator's Recorder
// contract: best-effort, never returns an error to the caller.
func (s *Store) Record(action string, taskID string, detail map[string]any) {
	if s == nil || s.db == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	detailJSON := ""
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil {
			detailJSON = string(b)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO task_events (created_at_unix_ms, action, task_id, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UnixMilli(), action, strings.TrimSpace(taskID), detailJSON,
	)
	if err != nil {
		s.log.Warn("journal record failed", "action", action, "error", err)
	}
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal closed")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at_unix_ms, action, task_id, detail
		 FROM task_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CreatedAtUnixMs, &e.Action, &e.TaskID, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TaskEvents returns every event recorded for one task, oldest first.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal closed")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.New("missing task id")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at_unix_ms, action, task_id, detail
		 FROM task_events WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CreatedAtUnixMs, &e.Action, &e.TaskID, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
