package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cronsmith/internal/deliver"
)

// NewTaskID returns a fresh 12-hex-character task identifier.
func NewTaskID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:6])
}

// CreateTask inserts t, assigning id and timestamps. The caller is expected
// to have validated schedule and delivery already.
func (s *Store) CreateTask(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	t.CreatedAt = now
	t.UpdatedAt = now

	dj, err := json.Marshal(t.Delivery)
	if err != nil {
		return Task{}, fmt.Errorf("store: marshal delivery: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, name, prompt, schedule, delivery, model, max_tokens, enabled, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Prompt, t.Schedule, string(dj), t.Model, t.MaxTokens,
		boolInt(t.Enabled), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// GetTask returns the task with the given id or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, prompt, schedule, delivery, model, max_tokens, enabled, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns all tasks in creation order.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, prompt, schedule, delivery, model, max_tokens, enabled, created_at, updated_at
		 FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask rewrites the full row for t.ID and advances updated_at.
// Partial-field merging is the caller's job; last write wins.
func (s *Store) UpdateTask(ctx context.Context, t Task) (Task, error) {
	t.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	dj, err := json.Marshal(t.Delivery)
	if err != nil {
		return Task{}, fmt.Errorf("store: marshal delivery: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name=?, prompt=?, schedule=?, delivery=?, model=?, max_tokens=?, enabled=?, updated_at=?
		 WHERE id=?`,
		t.Name, t.Prompt, t.Schedule, string(dj), t.Model, t.MaxTokens,
		boolInt(t.Enabled), fmtTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, err
	}
	if n == 0 {
		return Task{}, fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return t, nil
}

// DeleteTask removes the task and, via cascade, its run history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// RestoreTask writes a task row back verbatim, timestamps included. Used to
// roll back a registry write whose crontab sync failed: the row ends up
// exactly as the caller last saw it.
func (s *Store) RestoreTask(ctx context.Context, t Task) error {
	dj, err := json.Marshal(t.Delivery)
	if err != nil {
		return fmt.Errorf("store: marshal delivery: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, name, prompt, schedule, delivery, model, max_tokens, enabled, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, prompt=excluded.prompt, schedule=excluded.schedule,
			delivery=excluded.delivery, model=excluded.model, max_tokens=excluded.max_tokens,
			enabled=excluded.enabled, created_at=excluded.created_at, updated_at=excluded.updated_at`,
		t.ID, t.Name, t.Prompt, t.Schedule, string(dj), t.Model, t.MaxTokens,
		boolInt(t.Enabled), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t       Task
		dj      string
		enabled int
		created string
		updated string
	)
	if err := r.Scan(&t.ID, &t.Name, &t.Prompt, &t.Schedule, &dj, &t.Model, &t.MaxTokens, &enabled, &created, &updated); err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal([]byte(dj), &t.Delivery); err != nil {
		// A row we wrote ourselves should always unmarshal; fall back to a
		// bare spec rather than failing the whole read.
		t.Delivery = deliver.Spec{Type: dj}
	}
	t.Enabled = enabled != 0
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return Task{}, err
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
