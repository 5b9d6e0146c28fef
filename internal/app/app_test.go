package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"dashwall/internal/capability"
	"dashwall/internal/changes"
	"dashwall/internal/config"
	"dashwall/internal/hub"
	"dashwall/internal/rotation"
	"dashwall/internal/sandbox"
	"dashwall/internal/store"
	logx "dashwall/pkg/logx"
)

type fakeWidgets struct {
	mu       sync.Mutex
	known    map[string]bool
	removed  []string
	projects []string
}

func (f *fakeWidgets) Add(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[id] {
		return store.ErrNotFound
	}
	return nil
}

func (f *fakeWidgets) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return true
}

func (f *fakeWidgets) RemoveProject(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, ref)
	return 1
}

type fakeRotations struct {
	cursors []rotation.Cursor
	stopped []string
}

func (f *fakeRotations) Cursors() []rotation.Cursor { return f.cursors }
func (f *fakeRotations) StopRotation(id string) int {
	f.stopped = append(f.stopped, id)
	return 1
}

type published struct {
	target hub.Target
	event  hub.Event
}

type fakePublisher struct{ got []published }

func (f *fakePublisher) Publish(_ context.Context, t hub.Target, ev hub.Event) {
	f.got = append(f.got, published{t, ev})
}

func TestChangeApplier(t *testing.T) {
	t.Parallel()

	w := &fakeWidgets{known: map[string]bool{"cpu": true}}
	r := &fakeRotations{cursors: []rotation.Cursor{
		{ScreenCode: "lobby", RotationID: "wall"},
		{ScreenCode: "desk", RotationID: "other"},
	}}
	p := &fakePublisher{}
	a := changeApplier{widgets: w, rotations: r, hub: p, log: logx.Nop()}
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, changes.Change{Kind: changes.WidgetUpserted, ID: "cpu"}))
	require.Empty(t, w.removed)

	// Upsert of a widget that no longer exists drops the instance.
	require.NoError(t, a.Apply(ctx, changes.Change{Kind: changes.WidgetUpserted, ID: "gone"}))
	require.Equal(t, []string{"gone"}, w.removed)

	require.NoError(t, a.Apply(ctx, changes.Change{Kind: changes.WidgetDeleted, ID: "cpu"}))
	require.Equal(t, []string{"gone", "cpu"}, w.removed)

	require.NoError(t, a.Apply(ctx, changes.Change{Kind: changes.RotationUpserted, ID: "wall"}))
	require.Empty(t, r.stopped)

	require.NoError(t, a.Apply(ctx, changes.Change{Kind: changes.RotationDeleted, ID: "wall"}))
	require.Equal(t, []string{"wall"}, r.stopped)
	require.Len(t, p.got, 1)
	require.Equal(t, hub.Screen("lobby"), p.got[0].target)
	require.Equal(t, hub.TypeRotationStalled, p.got[0].event.Type)

	require.NoError(t, a.Apply(ctx, changes.Change{Kind: changes.ProjectDeleted, ID: "ops"}))
	require.Equal(t, []string{"ops"}, w.projects)
}

type fakeResults map[string]map[string]sandbox.Result

func (f fakeResults) ProjectResults(ref string) map[string]sandbox.Result { return f[ref] }

type fakeCursors map[string]rotation.Cursor

func (f fakeCursors) Current(screen string) (rotation.Cursor, bool) {
	c, ok := f[screen]
	return c, ok
}

func TestScreenState(t *testing.T) {
	t.Parallel()

	ok := sandbox.Success(int64(42))
	s := screenState{
		widgets: fakeResults{"ops": {"cpu": ok}},
		cursors: fakeCursors{"lobby": {ScreenCode: "lobby", RotationID: "wall", ProjectRef: "ops"}},
	}

	st, err := s.FullState(context.Background(), "lobby", "ops")
	require.NoError(t, err)
	want := hub.FullState{
		Rotation: rotation.Cursor{ScreenCode: "lobby", RotationID: "wall", ProjectRef: "ops"},
		Widgets:  map[string]any{"cpu": ok},
	}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Fatalf("full state mismatch (-want +got):\n%s", diff)
	}

	st, err = s.FullState(context.Background(), "desk", "")
	require.NoError(t, err)
	require.Nil(t, st.Rotation)
	require.Empty(t, st.Widgets)
}

func TestCheckWidgets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SaveWidget(ctx, store.Widget{ID: "good", ProjectRef: "ops", Refresh: "10s", Script: "def run():\n    return 1\n"}))
	require.NoError(t, st.SaveWidget(ctx, store.Widget{ID: "evil", ProjectRef: "ops", Refresh: "10s", Script: "def run():\n    return os.getenv('HOME')\n"}))
	require.NoError(t, st.SaveWidget(ctx, store.Widget{ID: "late", ProjectRef: "ops", Refresh: "whenever", Script: "def run():\n    return 1\n"}))

	sbx, err := sandbox.New(sandbox.Config{}, capability.Default(), logx.Nop())
	require.NoError(t, err)

	rep, err := checkWidgets(ctx, st, sbx)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Widgets)
	require.Len(t, rep.Problems, 2)

	byID := map[string]Problem{}
	for _, p := range rep.Problems {
		byID[p.WidgetID] = p
	}
	require.Equal(t, "script", byID["evil"].Field)
	require.Equal(t, "refresh", byID["late"].Field)
}

func TestMapReconcile(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]string{
		"":                 "1m",
		"0s":               "",
		"0":                "",
		"30s":              "30s",
		"cron:0 * * * * *": "cron:0 * * * * *",
	} {
		got, err := mapReconcile(&config.Config{Widgets: config.WidgetsConfig{ReconcileEvery: raw}})
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := mapReconcile(&config.Config{Widgets: config.WidgetsConfig{ReconcileEvery: "sometimes"}})
	require.ErrorContains(t, err, "widgets.reconcile_every")
}

const e2eConfig = `{
  "node_id": "test-node",
  "logging": {"level": "error"},
  "engine": {"workers": 2},
  "widgets": {"reconcile_every": "0s"},
  "server": {"addr": "127.0.0.1:0"}
}`

func TestAppRunsWidgetsFromStoreChanges(t *testing.T) {
	p := filepath.Join(t.TempDir(), "dashwall.json")
	require.NoError(t, os.WriteFile(p, []byte(e2eConfig), 0o600))

	a, err := New(p, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		require.NoError(t, a.Stop(sctx, StopAppStop))
	}()
	require.NotEmpty(t, a.Addr())

	require.NoError(t, a.Store().SaveWidget(ctx, store.Widget{
		ID: "answer", ProjectRef: "ops", Refresh: "1s", Script: "def run():\n    return 42\n",
	}))
	require.Eventually(t, func() bool {
		res, ok := a.Widgets().Latest("answer")
		return ok && res.OK() && res.Data == int64(42)
	}, 5*time.Second, 20*time.Millisecond)

	stats, ok := a.stats().(Stats)
	require.True(t, ok)
	require.Equal(t, "test-node", stats.Node)
	require.Equal(t, 1, stats.Widgets.Instances)
	require.NoError(t, a.health())

	require.NoError(t, a.Store().DeleteWidget(ctx, "answer"))
	require.Eventually(t, func() bool { return len(a.Widgets().Instances()) == 0 }, 5*time.Second, 20*time.Millisecond)
}
