// Package store is the durable task registry and run ledger.
//
// Tasks and runs live in one SQLite database. The store knows nothing about
// crontab or execution; it only owns rows. Run rows are append-mostly: a run
// is inserted as "running" and finalized exactly once.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"cronsmith/internal/deliver"
	"cronsmith/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var (
	ErrNotFound     = errors.New("not found")
	ErrRunFinalized = errors.New("run already finalized")
)

const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailure = "failure"
)

// Task is one registered unit of recurring work.
type Task struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Prompt    string       `json:"prompt"`
	Schedule  string       `json:"schedule"`
	Delivery  deliver.Spec `json:"delivery"`
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Enabled   bool         `json:"enabled"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Run is one historical execution attempt.
type Run struct {
	ID            int64      `json:"id"`
	TaskID        string     `json:"task_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        string     `json:"status"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	DeliveryError string     `json:"delivery_error,omitempty"`
	InputTokens   int        `json:"input_tokens,omitempty"`
	OutputTokens  int        `json:"output_tokens,omitempty"`
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies
// migrations.
func Open(path string, log logx.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. Multiple runner
	// processes may have the file open at once; WAL + busy_timeout covers
	// cross-process contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
