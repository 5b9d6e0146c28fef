package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dashwall/internal/hub"
	"dashwall/internal/store"
	logx "dashwall/pkg/logx"
)

type fakeHub struct {
	mu      sync.Mutex
	events  []hub.Event
	targets []hub.Target
	showing map[string]string
}

func newFakeHub() *fakeHub { return &fakeHub{showing: map[string]string{}} }

func (f *fakeHub) Publish(_ context.Context, t hub.Target, ev hub.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.targets = append(f.targets, t)
	f.mu.Unlock()
}

func (f *fakeHub) Show(screen, project string) {
	f.mu.Lock()
	f.showing[screen] = project
	f.mu.Unlock()
}

func (f *fakeHub) last() (hub.Target, hub.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[len(f.targets)-1], f.events[len(f.events)-1]
}

func (f *fakeHub) shown(screen string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.showing[screen]
}

func setup(t *testing.T, r store.Rotation) (*Manager, *store.Memory, *fakeHub) {
	t.Helper()
	st := store.NewMemory()
	if r.ID != "" {
		require.NoError(t, st.SaveRotation(context.Background(), r))
	}
	fh := newFakeHub()
	m := New(Config{}, st, fh, nil, logx.Nop())
	t.Cleanup(m.Close)
	return m, st, fh
}

func entries(specs ...any) []store.RotationEntry {
	var out []store.RotationEntry
	for i := 0; i < len(specs); i += 2 {
		out = append(out, store.RotationEntry{ProjectRef: specs[i].(string), SpeedSeconds: specs[i+1].(int)})
	}
	return out
}

// fire runs the pending tick of screen synchronously.
func fire(m *Manager, screen string) {
	sh := m.shard(screen)
	sh.mu.Lock()
	c := sh.cursors[screen]
	var gen uint64
	if c != nil {
		gen = c.gen
	}
	sh.mu.Unlock()
	m.tick(screen, gen)
}

func TestNextTickUsesNewEntrySpeed(t *testing.T) {
	t.Parallel()

	m, _, fh := setup(t, store.Rotation{ID: "wall", Entries: entries("A", 5, "B", 2)})
	ctx := context.Background()

	cur, err := m.Start(ctx, "lobby", "wall")
	require.NoError(t, err)
	require.Equal(t, 0, cur.Index)
	require.Equal(t, 5*time.Second, cur.Speed)
	require.Equal(t, "A", fh.shown("lobby"))

	fire(m, "lobby")

	cur, ok := m.Current("lobby")
	require.True(t, ok)
	require.Equal(t, 1, cur.Index)
	require.Equal(t, "B", cur.ProjectRef)
	require.Equal(t, 2*time.Second, cur.Speed)
	require.WithinDuration(t, time.Now().Add(2*time.Second), cur.Next, 500*time.Millisecond)

	target, ev := fh.last()
	require.Equal(t, hub.Screen("lobby"), target)
	require.Equal(t, hub.RotationAdvancedPayload{Type: hub.TypeRotationAdvanced, ScreenCode: "lobby", NewIndex: 1, ProjectRef: "B"}, ev.Payload)
	require.Equal(t, "B", fh.shown("lobby"))

	fire(m, "lobby")
	cur, _ = m.Current("lobby")
	require.Equal(t, 0, cur.Index)
	require.Equal(t, 5*time.Second, cur.Speed)
}

func TestShrunkRotationResolvesToValidIndex(t *testing.T) {
	t.Parallel()

	m, st, _ := setup(t, store.Rotation{ID: "wall", Entries: entries("A", 5, "B", 5, "C", 5)})
	ctx := context.Background()

	_, err := m.Start(ctx, "lobby", "wall")
	require.NoError(t, err)
	cur, err := m.Goto(ctx, "lobby", 2)
	require.NoError(t, err)
	require.Equal(t, "C", cur.ProjectRef)

	require.NoError(t, st.SaveRotation(ctx, store.Rotation{ID: "wall", Entries: entries("A", 3)}))
	fire(m, "lobby")

	cur, ok := m.Current("lobby")
	require.True(t, ok)
	require.Equal(t, 0, cur.Index)
	require.Equal(t, 1, cur.Length)
	require.Equal(t, "A", cur.ProjectRef)
	require.Equal(t, 3*time.Second, cur.Speed)
}

func TestEmptyRotationCannotStart(t *testing.T) {
	t.Parallel()

	m, _, fh := setup(t, store.Rotation{ID: "empty"})
	_, err := m.Start(context.Background(), "lobby", "empty")
	require.ErrorIs(t, err, ErrEmptyRotation)
	_, ok := m.Current("lobby")
	require.False(t, ok)
	require.Empty(t, fh.events)

	_, err = m.Start(context.Background(), "lobby", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGoto(t *testing.T) {
	t.Parallel()

	m, _, _ := setup(t, store.Rotation{ID: "wall", Entries: entries("A", 5, "B", 2)})
	ctx := context.Background()

	_, err := m.Goto(ctx, "lobby", 0)
	require.ErrorIs(t, err, ErrNotRunning)

	_, err = m.Start(ctx, "lobby", "wall")
	require.NoError(t, err)
	_, err = m.Goto(ctx, "lobby", 2)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = m.Goto(ctx, "lobby", -1)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	cur, err := m.Goto(ctx, "lobby", 1)
	require.NoError(t, err)
	require.Equal(t, "B", cur.ProjectRef)
}

func TestDefinitionFaultsStallTheScreen(t *testing.T) {
	t.Parallel()

	m, st, fh := setup(t, store.Rotation{ID: "wall", Entries: entries("A", 5)})
	ctx := context.Background()

	_, err := m.Start(ctx, "s1", "wall")
	require.NoError(t, err)
	require.NoError(t, st.SaveRotation(ctx, store.Rotation{ID: "wall"}))
	fire(m, "s1")

	_, ok := m.Current("s1")
	require.False(t, ok)
	target, ev := fh.last()
	require.Equal(t, hub.Screen("s1"), target)
	require.Equal(t, hub.TypeRotationStalled, ev.Type)
	require.Equal(t, "", fh.shown("s1"))

	require.NoError(t, st.SaveRotation(ctx, store.Rotation{ID: "wall", Entries: entries("A", 5)}))
	_, err = m.Start(ctx, "s2", "wall")
	require.NoError(t, err)
	require.NoError(t, st.DeleteRotation(ctx, "wall"))
	fire(m, "s2")

	_, ok = m.Current("s2")
	require.False(t, ok)
	_, ev = fh.last()
	require.Equal(t, hub.RotationStalledPayload{Type: hub.TypeRotationStalled, ScreenCode: "s2", Reason: "rotation deleted"}, ev.Payload)
	require.Equal(t, uint64(2), m.Stats().Stalls)
}

func TestStopCancelsPendingTick(t *testing.T) {
	t.Parallel()

	m, _, fh := setup(t, store.Rotation{ID: "wall", Entries: entries("A", 1, "B", 1)})
	ctx := context.Background()

	_, err := m.Start(ctx, "s1", "wall")
	require.NoError(t, err)
	_, err = m.Start(ctx, "s2", "wall")
	require.NoError(t, err)
	_, err = m.Start(ctx, "s3", "wall")
	require.NoError(t, err)

	require.True(t, m.Stop("s1"))
	require.False(t, m.Stop("s1"))
	require.Equal(t, "", fh.shown("s1"))

	require.Equal(t, 2, m.StopRotation("wall"))
	require.Empty(t, m.Cursors())

	fh.mu.Lock()
	before := len(fh.events)
	fh.mu.Unlock()
	time.Sleep(1500 * time.Millisecond)
	fh.mu.Lock()
	after := len(fh.events)
	fh.mu.Unlock()
	require.Equal(t, before, after)
}

func TestTimerAdvancesCursor(t *testing.T) {
	t.Parallel()

	m, _, _ := setup(t, store.Rotation{ID: "wall", Entries: entries("A", 1, "B", 60)})
	_, err := m.Start(context.Background(), "s1", "wall")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, ok := m.Current("s1")
		return ok && cur.Index == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return m.Stats().Ticks == 1 }, time.Second, 10*time.Millisecond)
}

func TestRestartReplacesCursor(t *testing.T) {
	t.Parallel()

	m, st, _ := setup(t, store.Rotation{ID: "a", Entries: entries("A", 5)})
	ctx := context.Background()
	require.NoError(t, st.SaveRotation(ctx, store.Rotation{ID: "b", Entries: entries("X", 5, "Y", 5)}))

	_, err := m.Start(ctx, "s1", "a")
	require.NoError(t, err)
	cur, err := m.Start(ctx, "s1", "b")
	require.NoError(t, err)
	require.Equal(t, "b", cur.RotationID)
	require.Equal(t, "X", cur.ProjectRef)
	require.Equal(t, 1, m.Stats().Active)
}
