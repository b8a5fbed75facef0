package crontab

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"cronsmith/internal/store"
	"cronsmith/pkg/filelock"
	"cronsmith/pkg/logx"
)

// TaskSource is the registry view the synchronizer reconciles against.
// It is re-read on every pass; cached snapshots are never trusted.
type TaskSource interface {
	ListTasks(ctx context.Context) ([]store.Task, error)
}

// SyncResult reports what a reconcile pass changed.
type SyncResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Drifted int `json:"drifted"`
}

func (r SyncResult) Empty() bool {
	return r.Added == 0 && r.Updated == 0 && r.Removed == 0 && r.Drifted == 0
}

// Synchronizer makes the crontab structurally equal to "one tagged entry per
// task, active when enabled, commented out when disabled, none for removed
// tasks", preserving every foreign line.
type Synchronizer struct {
	table     Table
	tasks     TaskSource
	lockPath  string
	runnerBin string
	logDir    string
	log       logx.Logger
}

func NewSynchronizer(table Table, tasks TaskSource, lockPath, runnerBin, logDir string, log logx.Logger) *Synchronizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Synchronizer{
		table:     table,
		tasks:     tasks,
		lockPath:  lockPath,
		runnerBin: runnerBin,
		logDir:    logDir,
		log:       log,
	}
}

// commandFor builds the invocation cron executes for a task. Output is
// redirected into a per-task log; cron's own environment is too bare to
// rely on for anything else.
func (s *Synchronizer) commandFor(taskID string) string {
	logPath := filepath.Join(s.logDir, taskID+".log")
	return fmt.Sprintf("%s --task-id %s >> %s 2>&1", s.runnerBin, taskID, logPath)
}

// desiredEntry projects a registry row into its crontab entry.
func (s *Synchronizer) desiredEntry(t store.Task) Entry {
	return Entry{
		TaskID:   t.ID,
		Schedule: t.Schedule,
		Command:  s.commandFor(t.ID),
		Enabled:  t.Enabled,
	}
}

// Reconcile runs one convergent diff-and-rewrite pass over the crontab.
//
// The whole read-modify-write happens under an exclusive file lock: cron
// offers no transactional update primitive, so this is the system's one
// genuine critical section. The table is re-read inside the lock and only
// tagged lines are treated as ours.
//
// Idempotent: a second call with no registry change in between returns an
// empty result and performs no write.
func (s *Synchronizer) Reconcile(ctx context.Context) (SyncResult, error) {
	lock, err := filelock.Acquire(s.lockPath)
	if err != nil {
		return SyncResult{}, err
	}
	defer lock.Release()

	raw, err := s.table.Read(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	tasks, err := s.tasks.ListTasks(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	var (
		res     SyncResult
		foreign []string
		present = map[string]string{} // task id -> existing rendered line
	)
	for _, line := range splitLines(raw) {
		e, err := parseLine(line)
		switch {
		case err == errNotTagged:
			foreign = append(foreign, line)
		case err != nil:
			// Marker present but unparseable: drift. Never destroy
			// unrecognized external state; keep the line where it was.
			res.Drifted++
			foreign = append(foreign, line)
			s.log.Warn("crontab drift: unparseable tagged line", logx.Err(err))
		default:
			if _, dup := present[e.TaskID]; dup {
				// Duplicate tag for one task collapses to a single entry.
				res.Removed++
				continue
			}
			present[e.TaskID] = strings.TrimRight(line, " \t")
		}
	}

	// Desired tagged block, in registry creation order so an unchanged
	// registry round-trips byte-identical.
	var tagged []string
	known := map[string]bool{}
	for _, t := range tasks {
		known[t.ID] = true
		line := s.desiredEntry(t).render()
		tagged = append(tagged, line)
		old, ok := present[t.ID]
		switch {
		case !ok:
			res.Added++
		case old != line:
			res.Updated++
		}
	}
	for id := range present {
		if !known[id] {
			// Orphan: the task is gone, the entry goes too.
			res.Removed++
		}
	}

	out := joinTable(foreign, tagged)
	if out != raw {
		if err := s.table.Write(ctx, out); err != nil {
			return SyncResult{}, err
		}
	}
	if !res.Empty() {
		s.log.Info("crontab reconciled",
			logx.Int("added", res.Added),
			logx.Int("updated", res.Updated),
			logx.Int("removed", res.Removed),
			logx.Int("drifted", res.Drifted),
		)
	}
	return res, nil
}

// Entries lists the tagged lines currently present in the table, for the
// raw-view operation. Read-only; no lock needed beyond the table read.
func (s *Synchronizer) Entries(ctx context.Context) ([]Entry, error) {
	raw, err := s.table.Read(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, line := range splitLines(raw) {
		e, err := parseLine(line)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func splitLines(raw string) []string {
	if raw == "" {
		return nil
	}
	lines := strings.Split(raw, "\n")
	// A trailing newline yields one empty trailing element; drop it so the
	// rewrite doesn't grow blank lines on every pass.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func joinTable(foreign, tagged []string) string {
	// Trim trailing blank foreign lines so the tagged block doesn't wander
	// further down on every rewrite.
	for len(foreign) > 0 && strings.TrimSpace(foreign[len(foreign)-1]) == "" {
		foreign = foreign[:len(foreign)-1]
	}
	all := append(append([]string{}, foreign...), tagged...)
	if len(all) == 0 {
		return ""
	}
	return strings.Join(all, "\n") + "\n"
}
