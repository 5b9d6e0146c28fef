package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"dashwall/internal/changes"
	logx "dashwall/pkg/logx"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	w := Widget{
		ID:         "cpu",
		ProjectRef: "ops",
		Grid:       Grid{X: 1, Y: 2, W: 3, H: 1},
		Script:     "def run():\n    return 1\n",
		Refresh:    "10s",
		Inputs:     map[string]any{"target": int64(10), "ratio": 0.5, "big": int64(1<<53 + 1), "tags": []any{"a"}},
	}
	if err := s.SaveWidget(ctx, w); err != nil {
		t.Fatalf("SaveWidget: %v", err)
	}
	got, err := s.LoadWidget(ctx, "cpu")
	if err != nil {
		t.Fatalf("LoadWidget: %v", err)
	}
	if got.ProjectRef != "ops" || got.Grid != w.Grid || got.Refresh != "10s" || got.Script != w.Script {
		t.Fatalf("unexpected widget: %+v", got)
	}
	if got.Inputs["target"] != int64(10) || got.Inputs["ratio"] != 0.5 || got.Inputs["big"] != int64(1<<53+1) {
		t.Fatalf("inputs not persisted with their number types: %#v", got.Inputs)
	}

	// Returned values are copies.
	got.Inputs["target"] = int64(0)
	got.Inputs["tags"].([]any)[0] = "b"
	again, _ := s.LoadWidget(ctx, "cpu")
	if again.Inputs["target"] != int64(10) || again.Inputs["tags"].([]any)[0] != "a" {
		t.Fatalf("store shares input values with callers")
	}

	if err := s.SaveWidget(ctx, Widget{ID: "mem", ProjectRef: "ops", Refresh: "5s"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveWidget(ctx, Widget{ID: "lobby-clock", ProjectRef: "lobby", Refresh: "1s"}); err != nil {
		t.Fatal(err)
	}
	refs, err := s.ListWidgets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 3 || refs[0].ID != "cpu" || refs[1].ID != "lobby-clock" || refs[2].ID != "mem" {
		t.Fatalf("unexpected list: %+v", refs)
	}

	if err := s.SaveRotation(ctx, Rotation{ID: "wall", Entries: []RotationEntry{{ProjectRef: "ops", SpeedSeconds: 5}, {ProjectRef: "lobby", SpeedSeconds: 2}}}); err != nil {
		t.Fatal(err)
	}
	r, err := s.LoadRotation(ctx, "wall")
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Entries) != 2 || r.Entries[1].ProjectRef != "lobby" || r.Entries[1].SpeedSeconds != 2 {
		t.Fatalf("unexpected rotation: %+v", r)
	}
	if err := s.SaveRotation(ctx, Rotation{ID: "bad", Entries: []RotationEntry{{ProjectRef: "ops"}}}); err == nil {
		t.Fatalf("expected zero speed to be rejected")
	}

	if err := s.SaveWidgetState(ctx, WidgetState{WidgetID: "cpu", Result: []byte(`{"status":"success","data":42}`), ErrorCount: 2, LastError: "boom"}); err != nil {
		t.Fatal(err)
	}
	st, err := s.LoadWidgetState(ctx, "cpu")
	if err != nil {
		t.Fatal(err)
	}
	if st.ErrorCount != 2 || st.LastError != "boom" || string(st.Result) != `{"status":"success","data":42}` || st.LastRun.IsZero() {
		t.Fatalf("unexpected state: %+v", st)
	}

	if err := s.DeleteProject(ctx, "ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadWidget(ctx, "cpu"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after project delete, got %v", err)
	}
	if _, err := s.LoadWidgetState(ctx, "cpu"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected state to go with the widget, got %v", err)
	}
	if _, err := s.LoadWidget(ctx, "lobby-clock"); err != nil {
		t.Fatalf("other project affected: %v", err)
	}

	if err := s.DeleteWidget(ctx, "lobby-clock"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteWidget(ctx, "lobby-clock"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteRotation(ctx, "wall"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadRotation(ctx, "wall"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "dash.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	s := &sqlStore{dialect: dialectPostgres}
	got := s.q("UPDATE t SET a=? WHERE b=? AND c=?")
	if got != "UPDATE t SET a=$1 WHERE b=$2 AND c=$3" {
		t.Fatalf("got %q", got)
	}
	s.dialect = dialectSQLite
	if got := s.q("a=?"); got != "a=?" {
		t.Fatalf("sqlite query rewritten: %q", got)
	}
}

const defsV1 = `
widget "cpu" {
  project = "ops"
  refresh = "10s"
  script  = <<-EOT
    def run(cfg):
        return cfg["target"]
  EOT
  inputs = { target = 10, ratio = 0.5, labels = ["a", "b"] }
  grid {
    x = 1
    w = 2
  }
}

rotation "wall" {
  entry {
    project = "ops"
    speed   = 5
  }
  entry {
    project = "lobby"
    speed   = 2
  }
}
`

func TestHCLStoreLoadsDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ops.hcl"), defsV1)

	h, err := NewHCL(dir, logx.Nop())
	if err != nil {
		t.Fatalf("NewHCL: %v", err)
	}
	ctx := context.Background()

	w, err := h.LoadWidget(ctx, "cpu")
	if err != nil {
		t.Fatal(err)
	}
	if w.ProjectRef != "ops" || w.Refresh != "10s" || w.Grid != (Grid{X: 1, W: 2, H: 1}) {
		t.Fatalf("unexpected widget: %+v", w)
	}
	if w.Inputs["target"] != int64(10) || w.Inputs["ratio"] != 0.5 {
		t.Fatalf("unexpected inputs: %#v", w.Inputs)
	}
	if w.Script != "def run(cfg):\n    return cfg[\"target\"]\n" {
		t.Fatalf("unexpected script: %q", w.Script)
	}

	r, err := h.LoadRotation(ctx, "wall")
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Entries) != 2 || r.Entries[0].Speed().Seconds() != 5 {
		t.Fatalf("unexpected rotation: %+v", r)
	}

	if err := h.SaveWidget(ctx, w); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := h.SaveWidgetState(ctx, WidgetState{WidgetID: "cpu"}); err != nil {
		t.Fatalf("state should be writable: %v", err)
	}
}

func TestHCLReloadReportsDifferences(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.hcl")
	writeFile(t, path, defsV1)

	h, err := NewHCL(dir, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	diff, err := h.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if len(diff) != 0 {
		t.Fatalf("unchanged directory reported %+v", diff)
	}

	writeFile(t, path, `
widget "mem" {
  project = "ops"
  refresh = "5s"
  script  = "def run():\n    return 1\n"
}
`)
	diff, err = h.Reload()
	if err != nil {
		t.Fatal(err)
	}
	want := []changes.Change{
		{Kind: changes.RotationDeleted, ID: "wall"},
		{Kind: changes.WidgetDeleted, ID: "cpu", ProjectRef: "ops"},
		{Kind: changes.WidgetUpserted, ID: "mem", ProjectRef: "ops"},
	}
	if len(diff) != len(want) {
		t.Fatalf("got %+v", diff)
	}
	for i := range want {
		if diff[i].Kind != want[i].Kind || diff[i].ID != want[i].ID || diff[i].ProjectRef != want[i].ProjectRef {
			t.Fatalf("change %d: got %+v want %+v", i, diff[i], want[i])
		}
	}

	writeFile(t, path, `widget "broken" {`)
	if _, err := h.Reload(); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := h.LoadWidget(context.Background(), "mem"); err != nil {
		t.Fatalf("failed reload dropped definitions: %v", err)
	}
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []changes.Change
}

func (p *recordingPublisher) Publish(_ context.Context, c changes.Change) error {
	p.mu.Lock()
	p.got = append(p.got, c)
	p.mu.Unlock()
	return nil
}

func TestWithChangesAnnouncesWrites(t *testing.T) {
	pub := &recordingPublisher{}
	s := WithChanges(NewMemory(), pub, logx.Nop())
	ctx := context.Background()

	_ = s.SaveWidget(ctx, Widget{ID: "cpu", ProjectRef: "ops", Refresh: "1s"})
	_ = s.SaveRotation(ctx, Rotation{ID: "wall"})
	_ = s.DeleteWidget(ctx, "cpu")
	_ = s.DeleteWidget(ctx, "cpu") // not found: no announcement
	_ = s.DeleteProject(ctx, "ops")

	kinds := []changes.Kind{changes.WidgetUpserted, changes.RotationUpserted, changes.WidgetDeleted, changes.ProjectDeleted}
	if len(pub.got) != len(kinds) {
		t.Fatalf("got %+v", pub.got)
	}
	for i, k := range kinds {
		if pub.got[i].Kind != k {
			t.Fatalf("change %d: got %s want %s", i, pub.got[i].Kind, k)
		}
	}
	if pub.got[2].ProjectRef != "ops" {
		t.Fatalf("delete should carry the project: %+v", pub.got[2])
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
