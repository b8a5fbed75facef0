package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"cronsmith/internal/crontab"
	"cronsmith/internal/deliver"
	"cronsmith/internal/schedule"
	"cronsmith/internal/store"
	"cronsmith/pkg/logx"
)

type memTable struct {
	text      string
	writes    int
	failWrite error
}

func (m *memTable) Read(_ context.Context) (string, error) { return m.text, nil }

func (m *memTable) Write(_ context.Context, text string) error {
	if m.failWrite != nil {
		return m.failWrite
	}
	m.text = text
	m.writes++
	return nil
}

func newService(t *testing.T) (*Service, *memTable, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks.db"), logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	table := &memTable{}
	sync := crontab.NewSynchronizer(table, st, filepath.Join(dir, "cron.lock"), "/usr/local/bin/cronsmith-run", filepath.Join(dir, "logs"), logx.Nop())
	return New(st, sync, "claude-sonnet-4-20250514", 4096, logx.Nop()), table, st
}

func TestCreateInstallsEntry(t *testing.T) {
	t.Parallel()
	svc, table, _ := newService(t)
	ctx := context.Background()

	view, res, err := svc.Create(ctx, CreateParams{
		Name:     "morning brief",
		Prompt:   "Summarize overnight alerts.",
		Schedule: "0 8 * * *",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Added != 1 {
		t.Fatalf("added = %d, want 1", res.Added)
	}
	if view.Model != "claude-sonnet-4-20250514" || view.MaxTokens != 4096 {
		t.Fatalf("defaults not applied: %q/%d", view.Model, view.MaxTokens)
	}
	if view.Delivery.Type != deliver.TypeFile {
		t.Fatalf("delivery type = %q, want file", view.Delivery.Type)
	}
	if view.NextRun == nil {
		t.Fatal("enabled task has no next run")
	}
	want := "0 8 * * * /usr/local/bin/cronsmith-run --task-id " + view.ID
	if !strings.Contains(table.text, want) {
		t.Fatalf("crontab missing entry:\n%s", table.text)
	}
	if !strings.Contains(table.text, "# cronsmith:"+view.ID) {
		t.Fatalf("crontab missing marker:\n%s", table.text)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()
	svc, table, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, CreateParams{Name: "x", Prompt: "p", Schedule: "not a schedule"})
	if !errors.Is(err, schedule.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	_, _, err = svc.Create(ctx, CreateParams{
		Name:     "x",
		Prompt:   "p",
		Schedule: "* * * * *",
		Delivery: deliver.Spec{Type: "append"},
	})
	if !errors.Is(err, deliver.ErrInvalidSpec) {
		t.Fatalf("err = %v, want ErrInvalidSpec", err)
	}

	if table.writes != 0 {
		t.Fatalf("crontab written %d times on rejected input", table.writes)
	}
	tasks, err := svc.List(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("registry has %d tasks after rejected creates", len(tasks))
	}
}

func TestCreateRollsBackOnSyncFailure(t *testing.T) {
	t.Parallel()
	svc, table, _ := newService(t)
	ctx := context.Background()

	table.failWrite = errors.New("crontab: command not found")
	_, _, err := svc.Create(ctx, CreateParams{Name: "x", Prompt: "p", Schedule: "* * * * *"})
	if err == nil {
		t.Fatal("create succeeded despite sync failure")
	}
	tasks, err := svc.List(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("task survived failed sync: %+v", tasks)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	t.Parallel()
	svc, table, _ := newService(t)
	ctx := context.Background()

	created, _, err := svc.Create(ctx, CreateParams{Name: "report", Prompt: "old prompt", Schedule: "0 8 * * *"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sched := "30 9 * * 1-5"
	updated, err := svc.Update(ctx, created.ID, UpdateParams{Schedule: &sched})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Schedule != "30 9 * * 1-5" {
		t.Fatalf("schedule = %q", updated.Schedule)
	}
	if updated.Name != "report" || updated.Prompt != "old prompt" {
		t.Fatalf("untouched fields changed: %q %q", updated.Name, updated.Prompt)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) && !updated.UpdatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("updated_at went backwards: %v -> %v", created.UpdatedAt, updated.UpdatedAt)
	}
	if !strings.Contains(table.text, "30 9 * * 1-5 ") {
		t.Fatalf("crontab not rewritten:\n%s", table.text)
	}
	if strings.Contains(table.text, "0 8 * * *") {
		t.Fatalf("stale schedule left in crontab:\n%s", table.text)
	}
}

func TestUpdateEmptyIsNoop(t *testing.T) {
	t.Parallel()
	svc, table, _ := newService(t)
	ctx := context.Background()

	created, _, err := svc.Create(ctx, CreateParams{Name: "n", Prompt: "p", Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	writes := table.writes

	got, err := svc.Update(ctx, created.ID, UpdateParams{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !got.UpdatedAt.Equal(created.UpdatedAt) {
		t.Fatal("empty update touched the row")
	}
	if table.writes != writes {
		t.Fatal("empty update rewrote the crontab")
	}
}

func TestDisablePreservesSchedule(t *testing.T) {
	t.Parallel()
	svc, table, _ := newService(t)
	ctx := context.Background()

	created, _, err := svc.Create(ctx, CreateParams{Name: "n", Prompt: "p", Schedule: "15 6 * * *"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.SetEnabled(ctx, created.ID, false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got.Enabled {
		t.Fatal("task still enabled")
	}
	if got.NextRun != nil {
		t.Fatal("disabled task reports a next run")
	}
	if !strings.Contains(table.text, "# 15 6 * * *") {
		t.Fatalf("disabled line not commented:\n%s", table.text)
	}

	if _, err := svc.SetEnabled(ctx, created.ID, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if strings.Contains(table.text, "# 15 6 * * *") {
		t.Fatalf("re-enabled line still commented:\n%s", table.text)
	}
	if !strings.Contains(table.text, "15 6 * * *") {
		t.Fatalf("schedule lost across disable cycle:\n%s", table.text)
	}
}

func TestRemoveClearsEntryAndHistory(t *testing.T) {
	t.Parallel()
	svc, table, st := newService(t)
	ctx := context.Background()

	created, _, err := svc.Create(ctx, CreateParams{Name: "n", Prompt: "p", Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	run, err := st.StartRun(ctx, created.ID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := st.FinishRun(ctx, run.ID, store.RunOutcome{Status: store.RunSuccess, Output: "ok"}); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	removed, err := svc.Remove(ctx, created.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.ID != created.ID {
		t.Fatalf("removed id = %q", removed.ID)
	}
	if strings.Contains(table.text, created.ID) {
		t.Fatalf("crontab still references removed task:\n%s", table.text)
	}
	if _, err := svc.Get(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get after remove = %v, want ErrNotFound", err)
	}
	if _, err := st.GetRun(ctx, run.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("run survived cascade: %v", err)
	}
}

func TestRemoveRollsBackOnSyncFailure(t *testing.T) {
	t.Parallel()
	svc, table, _ := newService(t)
	ctx := context.Background()

	created, _, err := svc.Create(ctx, CreateParams{Name: "n", Prompt: "p", Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	table.failWrite = errors.New("disk full")
	if _, err := svc.Remove(ctx, created.ID); err == nil {
		t.Fatal("remove succeeded despite sync failure")
	}
	table.failWrite = nil

	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("task not restored after failed remove: %v", err)
	}
	if got.Name != created.Name || got.Schedule != created.Schedule {
		t.Fatalf("restored row differs: %+v", got)
	}
}

func TestCronEntries(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	ctx := context.Background()

	a, _, err := svc.Create(ctx, CreateParams{Name: "a", Prompt: "p", Schedule: "0 1 * * *"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.SetEnabled(ctx, a.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	b, _, err := svc.Create(ctx, CreateParams{Name: "b", Prompt: "p", Schedule: "0 2 * * *"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	entries, err := svc.CronEntries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	byID := map[string]crontab.Entry{}
	for _, e := range entries {
		byID[e.TaskID] = e
	}
	if byID[a.ID].Enabled || byID[a.ID].Schedule != "0 1 * * *" {
		t.Fatalf("entry a: %+v", byID[a.ID])
	}
	if !byID[b.ID].Enabled || byID[b.ID].Schedule != "0 2 * * *" {
		t.Fatalf("entry b: %+v", byID[b.ID])
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()
	svc, _, st := newService(t)
	ctx := context.Background()

	created, _, err := svc.Create(ctx, CreateParams{Name: "n", Prompt: "p", Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		run, err := st.StartRun(ctx, created.ID)
		if err != nil {
			t.Fatalf("start run: %v", err)
		}
		if err := st.FinishRun(ctx, run.ID, store.RunOutcome{Status: store.RunSuccess}); err != nil {
			t.Fatalf("finish run: %v", err)
		}
	}

	task, runs, err := svc.History(ctx, created.ID, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if task.ID != created.ID {
		t.Fatalf("task id = %q", task.ID)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2 (limited)", len(runs))
	}
	if runs[0].ID <= runs[1].ID {
		t.Fatalf("history not newest first: run %d before run %d", runs[0].ID, runs[1].ID)
	}
}
