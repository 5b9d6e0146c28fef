package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "dashwall/pkg/logx"
)

type fakeTransport struct {
	mu           sync.Mutex
	sent         map[string][]map[string]any
	disconnected map[string]string
	block        chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: map[string][]map[string]any{}, disconnected: map[string]string{}}
}

func (f *fakeTransport) Send(ctx context.Context, id string, payload []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent[id] = append(f.sent[id], m)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect(id, reason string) {
	f.mu.Lock()
	f.disconnected[id] = reason
	f.mu.Unlock()
}

func (f *fakeTransport) messages(id string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent[id]...)
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		n += len(m)
	}
	return n
}

func newHub(t *testing.T, cfg Config, tr Transport, opts ...Option) *Hub {
	t.Helper()
	h := New(cfg, tr, logx.Nop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

func TestDuplicateSubscribeHasOneDeliveryTarget(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	h := newHub(t, Config{}, tr)
	ctx := context.Background()

	id1, err := h.Subscribe(ctx, Subscription{SessionID: "sess-1", ScreenCode: "lobby", ProjectToken: "ops"})
	require.NoError(t, err)
	id2, err := h.Subscribe(ctx, Subscription{SessionID: "sess-1", ScreenCode: "lobby", ProjectToken: "ops"})
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, 1, h.Stats().Subscriptions)

	h.Publish(ctx, Screen("lobby"), RotationAdvanced("lobby", 1, "ops"))

	require.Eventually(t, func() bool { return len(tr.messages(id1)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, tr.messages(id1), 1)
	require.Equal(t, 1, tr.total())

	msg := tr.messages(id1)[0]
	require.Equal(t, TypeRotationAdvanced, msg["type"])
	require.Equal(t, float64(1), msg["newIndex"])
	require.NotEmpty(t, msg["eventId"])
}

func TestProjectTargetFollowsDisplayedProject(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	h := newHub(t, Config{}, tr)
	ctx := context.Background()

	a, err := h.Subscribe(ctx, Subscription{SessionID: "a", ScreenCode: "s1", ProjectToken: "p1"})
	require.NoError(t, err)
	b, err := h.Subscribe(ctx, Subscription{SessionID: "b", ScreenCode: "s2", ProjectToken: "p2"})
	require.NoError(t, err)

	h.Publish(ctx, Project("p1"), WidgetUpdate("p1", "cpu", 1))
	require.Eventually(t, func() bool { return len(tr.messages(a)) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, tr.messages(b))

	h.Show("s2", "p1")
	require.Equal(t, "p1", h.Showing("s2"))
	h.Publish(ctx, Project("p1"), WidgetUpdate("p1", "cpu", 2))
	require.Eventually(t, func() bool { return len(tr.messages(a)) == 2 && len(tr.messages(b)) == 1 }, time.Second, 5*time.Millisecond)

	// Rotation ends: s2 falls back to its token.
	h.Show("s2", "")
	require.Equal(t, "p2", h.Showing("s2"))
	h.Publish(ctx, Project("p1"), WidgetUpdate("p1", "cpu", 3))
	require.Eventually(t, func() bool { return len(tr.messages(a)) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, tr.messages(b), 1)
}

func TestSameEventDeliveredOnce(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	h := newHub(t, Config{}, tr)
	ctx := context.Background()

	id, err := h.Subscribe(ctx, Subscription{SessionID: "a", ScreenCode: "s1", ProjectToken: "p1"})
	require.NoError(t, err)

	ev := WidgetUpdate("p1", "cpu", 42)
	ev.ID = "evt-1"
	h.Publish(ctx, Project("p1"), ev)
	h.Publish(ctx, Screen("s1"), ev)
	h.Deliver(RelayMessage{Target: Screen("s1"), EventID: "evt-1", Payload: []byte(`{"type":"widgetUpdate"}`)})

	require.Eventually(t, func() bool { return len(tr.messages(id)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, tr.messages(id), 1)
	require.Equal(t, uint64(2), h.Stats().Duplicates)
}

func TestSlowSubscriberIsDroppedWithoutBlockingPublisher(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.block = make(chan struct{})
	defer close(tr.block)

	var idle atomic.Value
	h := newHub(t, Config{Outbox: 1}, tr, WithScreenIdle(func(code string) { idle.Store(code) }))
	ctx := context.Background()

	id, err := h.Subscribe(ctx, Subscription{SessionID: "a", ScreenCode: "s1"})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 10; i++ {
		h.Publish(ctx, Screen("s1"), RotationAdvanced("s1", i, "p"))
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		_, ok := tr.disconnected[id]
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return idle.Load() == "s1" }, time.Second, 5*time.Millisecond)

	st := h.Stats()
	require.Equal(t, uint64(1), st.Dropped)
	require.Equal(t, 0, st.Subscriptions)
	require.ErrorIs(t, h.Unsubscribe(id), ErrUnknownSubscription)
}

type staticState struct{}

func (staticState) FullState(_ context.Context, screen, project string) (FullState, error) {
	return FullState{Widgets: map[string]any{"cpu": map[string]any{"status": "success", "data": 42}}}, nil
}

func TestSubscribePushesFullStateFirst(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	h := newHub(t, Config{}, tr, WithStateProvider(staticState{}))
	ctx := context.Background()

	id, err := h.Subscribe(ctx, Subscription{SessionID: "a", ScreenCode: "s1", ProjectToken: "ops"})
	require.NoError(t, err)
	h.Publish(ctx, Project("ops"), WidgetUpdate("ops", "cpu", 43))

	require.Eventually(t, func() bool { return len(tr.messages(id)) == 2 }, time.Second, 5*time.Millisecond)
	msgs := tr.messages(id)
	require.Equal(t, TypeFullState, msgs[0]["type"])
	require.Equal(t, "ops", msgs[0]["projectRef"])
	require.Equal(t, "s1", msgs[0]["screenCode"])
	require.Contains(t, msgs[0]["widgets"], "cpu")
	require.Equal(t, TypeWidgetUpdate, msgs[1]["type"])
}

// publishingState emits an update after reading its snapshot, the way a
// widget result can land while a screen is still subscribing.
type publishingState struct {
	hub *Hub
}

func (p *publishingState) FullState(ctx context.Context, screen, project string) (FullState, error) {
	fs := FullState{Widgets: map[string]any{"cpu": 42}}
	ev := WidgetUpdate(project, "cpu", 43)
	ev.ID = "cpu-43"
	p.hub.Publish(ctx, Project(project), ev)
	p.hub.Publish(ctx, Project(project), ev)
	return fs, nil
}

func TestUpdateDuringSubscribeFollowsFullState(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	state := &publishingState{}
	h := newHub(t, Config{}, tr, WithStateProvider(state))
	state.hub = h
	ctx := context.Background()

	id, err := h.Subscribe(ctx, Subscription{SessionID: "a", ScreenCode: "s1", ProjectToken: "ops"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(tr.messages(id)) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	msgs := tr.messages(id)
	require.Len(t, msgs, 2)
	require.Equal(t, TypeFullState, msgs[0]["type"])
	require.Equal(t, TypeWidgetUpdate, msgs[1]["type"])
	require.Equal(t, "cpu-43", msgs[1]["eventId"])
	require.Equal(t, float64(43), msgs[1]["result"])
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	var idle atomic.Value
	h := newHub(t, Config{}, tr, WithScreenIdle(func(code string) { idle.Store(code) }))
	ctx := context.Background()

	_, err := h.Subscribe(ctx, Subscription{ScreenCode: "s1"})
	require.ErrorIs(t, err, ErrInvalidSubscription)

	id, err := h.Subscribe(ctx, Subscription{SessionID: "a", ScreenCode: "s1", ProjectToken: "p"})
	require.NoError(t, err)
	sub, ok := h.Lookup(id)
	require.True(t, ok)
	require.Equal(t, "s1", sub.ScreenCode)

	require.NoError(t, h.Unsubscribe(id))
	require.ErrorIs(t, h.Unsubscribe(id), ErrUnknownSubscription)
	require.Equal(t, "s1", idle.Load())

	st := h.Stats()
	require.Zero(t, st.Subscriptions)
	require.Zero(t, st.Screens)
	require.Zero(t, st.Projects)
}

func TestEventEncoding(t *testing.T) {
	t.Parallel()

	ev := RotationStalled("s1", "rotation has no entries")
	ev.ID = "e1"
	b, err := ev.encode()
	require.NoError(t, err)
	require.JSONEq(t, `{"eventId":"e1","type":"rotationStalled","screenCode":"s1","reason":"rotation has no entries"}`, string(b))

	_, err = Event{ID: "x", Payload: []int{1}}.encode()
	require.Error(t, err)
}
