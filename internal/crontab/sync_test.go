package crontab

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"cronsmith/internal/store"
	"cronsmith/pkg/logx"
)

type fakeTable struct {
	text   string
	writes int
}

func (f *fakeTable) Read(_ context.Context) (string, error) { return f.text, nil }

func (f *fakeTable) Write(_ context.Context, text string) error {
	f.text = text
	f.writes++
	return nil
}

type fakeSource struct{ tasks []store.Task }

func (f *fakeSource) ListTasks(_ context.Context) ([]store.Task, error) {
	return append([]store.Task(nil), f.tasks...), nil
}

func newTestSync(t *testing.T, table *fakeTable, src *fakeSource) *Synchronizer {
	t.Helper()
	lock := filepath.Join(t.TempDir(), "crontab.lock")
	return NewSynchronizer(table, src, lock, "/usr/local/bin/cronsmith-run", "/var/log/cronsmith", logx.Nop())
}

func task(id, expr string, enabled bool) store.Task {
	return store.Task{ID: id, Name: "task " + id, Schedule: expr, Enabled: enabled}
}

func TestReconcileAddsTaggedEntry(t *testing.T) {
	t.Parallel()
	table := &fakeTable{}
	src := &fakeSource{tasks: []store.Task{task("1a2b3c4d5e6f", "0 8 * * *", true)}}
	sync := newTestSync(t, table, src)

	res, err := sync.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Added != 1 || res.Updated != 0 || res.Removed != 0 || res.Drifted != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(table.text, "0 8 * * *") || !strings.Contains(table.text, "# cronsmith:1a2b3c4d5e6f") {
		t.Fatalf("entry missing from table:\n%s", table.text)
	}
	if !strings.Contains(table.text, "--task-id 1a2b3c4d5e6f") {
		t.Fatalf("runner invocation missing:\n%s", table.text)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	t.Parallel()
	table := &fakeTable{}
	src := &fakeSource{tasks: []store.Task{
		task("aaaaaaaaaaaa", "*/30 * * * *", true),
		task("bbbbbbbbbbbb", "0 7 * * 1-5", false),
	}}
	sync := newTestSync(t, table, src)

	if _, err := sync.Reconcile(context.Background()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	before := table.text
	writes := table.writes

	res, err := sync.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("second pass not empty: %+v", res)
	}
	if table.text != before {
		t.Fatalf("table changed on idempotent pass:\n%s\nvs\n%s", before, table.text)
	}
	if table.writes != writes {
		t.Fatalf("idempotent pass performed a write")
	}
}

func TestReconcilePreservesForeignLines(t *testing.T) {
	t.Parallel()
	foreign1 := "MAILTO=ops@example.com"
	foreign2 := "15 3 * * * /usr/local/bin/backup.sh"
	foreign3 := "# hand-written note"
	table := &fakeTable{text: foreign1 + "\n" + foreign2 + "\n" + foreign3 + "\n"}
	src := &fakeSource{tasks: []store.Task{task("cccccccccccc", "0 9 1 * *", true)}}
	sync := newTestSync(t, table, src)

	if _, err := sync.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	lines := strings.Split(strings.TrimRight(table.text, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), table.text)
	}
	if lines[0] != foreign1 || lines[1] != foreign2 || lines[2] != foreign3 {
		t.Fatalf("foreign lines mutated or reordered:\n%s", table.text)
	}

	// Round-trip: removing the task leaves the foreign lines exactly as
	// they were.
	src.tasks = nil
	res, err := sync.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile after remove: %v", err)
	}
	if res.Removed != 1 {
		t.Fatalf("expected 1 removed, got %+v", res)
	}
	want := foreign1 + "\n" + foreign2 + "\n" + foreign3 + "\n"
	if table.text != want {
		t.Fatalf("foreign round-trip mismatch:\n%q\nwant\n%q", table.text, want)
	}
}

func TestReconcileDisableCommentsOut(t *testing.T) {
	t.Parallel()
	table := &fakeTable{}
	tk := task("dddddddddddd", "0 8 * * *", true)
	src := &fakeSource{tasks: []store.Task{tk}}
	sync := newTestSync(t, table, src)

	if _, err := sync.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	tk.Enabled = false
	src.tasks = []store.Task{tk}
	res, err := sync.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile after disable: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("expected 1 updated, got %+v", res)
	}
	line := strings.TrimRight(table.text, "\n")
	if !strings.HasPrefix(line, "# ") {
		t.Fatalf("disabled entry not commented out: %q", line)
	}
	// Schedule text survives the comment so re-enable restores it exactly.
	if !strings.Contains(line, "0 8 * * *") {
		t.Fatalf("schedule lost on disable: %q", line)
	}

	tk.Enabled = true
	src.tasks = []store.Task{tk}
	if _, err := sync.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile after enable: %v", err)
	}
	line = strings.TrimRight(table.text, "\n")
	if strings.HasPrefix(line, "#") {
		t.Fatalf("re-enabled entry still commented: %q", line)
	}
	if !strings.HasPrefix(line, "0 8 * * *") {
		t.Fatalf("re-enabled entry lost schedule: %q", line)
	}
}

func TestReconcileRewritesChangedSchedule(t *testing.T) {
	t.Parallel()
	table := &fakeTable{}
	tk := task("eeeeeeeeeeee", "0 8 * * *", true)
	src := &fakeSource{tasks: []store.Task{tk}}
	sync := newTestSync(t, table, src)

	if _, err := sync.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	tk.Schedule = "30 6 * * *"
	src.tasks = []store.Task{tk}
	res, err := sync.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile after update: %v", err)
	}
	if res.Updated != 1 || res.Added != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(table.text, "30 6 * * *") || strings.Contains(table.text, "0 8 * * *") {
		t.Fatalf("schedule not rewritten:\n%s", table.text)
	}
}

func TestReconcileDropsOrphanedEntry(t *testing.T) {
	t.Parallel()
	// Tagged entry for a task the registry no longer knows.
	table := &fakeTable{text: "0 5 * * * /usr/local/bin/cronsmith-run --task-id gone # cronsmith:gone\n"}
	src := &fakeSource{}
	sync := newTestSync(t, table, src)

	res, err := sync.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Removed != 1 {
		t.Fatalf("expected 1 removed, got %+v", res)
	}
	if table.text != "" {
		t.Fatalf("orphan not dropped:\n%q", table.text)
	}
}

func TestReconcileSurfacesDriftWithoutDestroying(t *testing.T) {
	t.Parallel()
	// Marker is present but the line has no command and a bad field count.
	bad := "totally broken # cronsmith:ffffffffffff"
	table := &fakeTable{text: bad + "\n"}
	src := &fakeSource{tasks: []store.Task{task("aaaaaaaaaaaa", "0 8 * * *", true)}}
	sync := newTestSync(t, table, src)

	res, err := sync.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Drifted != 1 {
		t.Fatalf("expected drift, got %+v", res)
	}
	if !strings.Contains(table.text, bad) {
		t.Fatalf("drifted line destroyed:\n%s", table.text)
	}
}

func TestEntriesListsTaggedLines(t *testing.T) {
	t.Parallel()
	table := &fakeTable{}
	src := &fakeSource{tasks: []store.Task{
		task("aaaaaaaaaaaa", "0 8 * * *", true),
		task("bbbbbbbbbbbb", "0 9 * * *", false),
	}}
	sync := newTestSync(t, table, src)
	if _, err := sync.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	entries, err := sync.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].TaskID != "aaaaaaaaaaaa" || !entries[0].Enabled {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].TaskID != "bbbbbbbbbbbb" || entries[1].Enabled {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
	if entries[1].Schedule != "0 9 * * *" {
		t.Fatalf("disabled entry lost schedule: %+v", entries[1])
	}
}

func TestParseLineRoundTrip(t *testing.T) {
	t.Parallel()
	e := Entry{
		TaskID:   "1a2b3c4d5e6f",
		Schedule: "*/15 2-4 * * *",
		Command:  "/usr/local/bin/cronsmith-run --task-id 1a2b3c4d5e6f >> /tmp/x.log 2>&1",
		Enabled:  true,
	}
	got, err := parseLine(e.render())
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, e)
	}

	e.Enabled = false
	got, err = parseLine(e.render())
	if err != nil {
		t.Fatalf("parseLine disabled: %v", err)
	}
	if got != e {
		t.Fatalf("disabled round trip mismatch:\n got %+v\nwant %+v", got, e)
	}
}

func TestParseLineForeign(t *testing.T) {
	t.Parallel()
	for _, line := range []string{
		"",
		"MAILTO=x@example.com",
		"0 8 * * * /usr/bin/true",
		"# plain comment",
	} {
		if _, err := parseLine(line); err != errNotTagged {
			t.Fatalf("parseLine(%q) = %v, want errNotTagged", line, err)
		}
	}
}
