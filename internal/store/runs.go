package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StartRun opens a new "running" run for taskID. Each run gets its own row;
// concurrent dispatches never contend on an id.
func (s *Store) StartRun(ctx context.Context, taskID string) (Run, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task_id, started_at, status) VALUES(?,?,?)`,
		taskID, fmtTime(now), RunRunning,
	)
	if err != nil {
		return Run{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Run{}, err
	}
	return Run{ID: id, TaskID: taskID, StartedAt: now, Status: RunRunning}, nil
}

// RunOutcome carries the terminal state of a run.
type RunOutcome struct {
	Status       string // RunSuccess or RunFailure
	Output       string
	Error        string
	InputTokens  int
	OutputTokens int
}

// FinishRun finalizes a run exactly once. A second finalization attempt (or
// one against an unknown run id) fails; finished rows are immutable.
func (s *Store) FinishRun(ctx context.Context, runID int64, out RunOutcome) error {
	if out.Status != RunSuccess && out.Status != RunFailure {
		return fmt.Errorf("store: invalid terminal status %q", out.Status)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at=?, status=?, output=?, error=?, input_tokens=?, output_tokens=?
		 WHERE id=? AND status=?`,
		fmtTime(now), out.Status, nullStr(out.Output), nullStr(out.Error),
		out.InputTokens, out.OutputTokens, runID, RunRunning,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d: %w", runID, ErrRunFinalized)
	}
	return nil
}

// SetRunDeliveryError records a delivery failure against an already
// finalized run. It never touches status or finished_at: execution success
// and delivery success are orthogonal.
func (s *Store) SetRunDeliveryError(ctx context.Context, runID int64, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET delivery_error=? WHERE id=?`, nullStr(msg), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	return nil
}

// History returns the most recent runs for a task, newest first. Runs still
// in "running" state are included so that crashed-mid-run attempts stay
// visible.
func (s *Store) History(ctx context.Context, taskID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, started_at, finished_at, status, output, error, delivery_error, input_tokens, output_tokens
		 FROM runs WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns a single run by id or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID int64) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, started_at, finished_at, status, output, error, delivery_error, input_tokens, output_tokens
		 FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	return r, err
}

func scanRun(r rowScanner) (Run, error) {
	var (
		run      Run
		started  string
		finished sql.NullString
		output   sql.NullString
		errMsg   sql.NullString
		dlvErr   sql.NullString
		inTok    sql.NullInt64
		outTok   sql.NullInt64
	)
	if err := r.Scan(&run.ID, &run.TaskID, &started, &finished, &run.Status, &output, &errMsg, &dlvErr, &inTok, &outTok); err != nil {
		return Run{}, err
	}
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if finished.Valid {
		ft, err := parseTime(finished.String)
		if err != nil {
			return Run{}, err
		}
		run.FinishedAt = &ft
	}
	run.Output = output.String
	run.Error = errMsg.String
	run.DeliveryError = dlvErr.String
	run.InputTokens = int(inTok.Int64)
	run.OutputTokens = int(outTok.Int64)
	return run, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
