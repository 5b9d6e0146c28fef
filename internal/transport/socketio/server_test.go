package socketio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zishang520/socket.io/v2/socket"

	"dashwall/internal/hub"
	"dashwall/internal/rotation"
	"dashwall/internal/store"
	"dashwall/internal/transport"
	logx "dashwall/pkg/logx"
)

type fakePeer struct {
	id string

	mu           sync.Mutex
	emitted      []emitted
	disconnected bool
}

type emitted struct {
	event string
	body  map[string]any
}

func (p *fakePeer) Id() socket.SocketId { return socket.SocketId(p.id) }

func (p *fakePeer) Emit(ev string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var body map[string]any
	if len(args) > 0 {
		body, _ = args[0].(map[string]any)
	}
	p.emitted = append(p.emitted, emitted{ev, body})
	return nil
}

func (p *fakePeer) Disconnect(bool) *socket.Socket {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) events(name string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []map[string]any
	for _, e := range p.emitted {
		if e.event == name {
			out = append(out, e.body)
		}
	}
	return out
}

func setup(t *testing.T, cfg Config) (*Server, *hub.Hub) {
	t.Helper()
	s := New(cfg, logx.Nop())
	h := hub.New(hub.Config{}, s, logx.Nop())
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	s.Bind(h, nil)
	return s, h
}

func call(fn func(*conn, []any), c *conn, body map[string]any) map[string]any {
	var reply map[string]any
	fn(c, []any{body, socket.Ack(func(args []any, _ error) { reply = args[0].(map[string]any) })})
	return reply
}

func TestSubscribeRoutesHubEventsToSocket(t *testing.T) {
	t.Parallel()

	s, h := setup(t, Config{})
	p := &fakePeer{id: "sock-1"}
	c := s.newConn(p)

	reply := call(s.handleSubscribe, c, map[string]any{"sessionId": "sess", "screenCode": "lobby", "projectToken": "ops"})
	id, _ := reply["subscriptionId"].(string)
	require.NotEmpty(t, id, "reply: %v", reply)

	h.Publish(context.Background(), hub.Project("ops"), hub.WidgetUpdate("ops", "cpu", 42))
	require.Eventually(t, func() bool { return len(p.events(transport.EventPush)) == 1 }, time.Second, 5*time.Millisecond)
	ev := p.events(transport.EventPush)[0]
	require.Equal(t, hub.TypeWidgetUpdate, ev["type"])
	require.Equal(t, float64(42), ev["result"])
	require.Equal(t, 1, s.Stats().Subscriptions)
}

func TestReconnectMovesDeliveryToNewSocket(t *testing.T) {
	t.Parallel()

	s, h := setup(t, Config{})
	old, fresh := &fakePeer{id: "old"}, &fakePeer{id: "new"}
	oc, nc := s.newConn(old), s.newConn(fresh)
	body := map[string]any{"sessionId": "sess", "screenCode": "lobby", "projectToken": "ops"}

	first := call(s.handleSubscribe, oc, body)["subscriptionId"]
	second := call(s.handleSubscribe, nc, body)["subscriptionId"]
	require.Equal(t, first, second)

	// The old socket going away must not cancel the new subscription.
	s.handleDisconnect(oc, []any{"transport close"})
	require.Equal(t, 1, h.Stats().Subscriptions)

	h.Publish(context.Background(), hub.Screen("lobby"), hub.RotationAdvanced("lobby", 1, "ops"))
	require.Eventually(t, func() bool { return len(fresh.events(transport.EventPush)) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, old.events(transport.EventPush))

	s.handleDisconnect(nc, nil)
	require.Zero(t, h.Stats().Subscriptions)
}

func TestUnsubscribeAndRateLimit(t *testing.T) {
	t.Parallel()

	s, h := setup(t, Config{SubscribeRate: 0.001, SubscribeBurst: 2})
	c := s.newConn(&fakePeer{id: "sock"})

	id := call(s.handleSubscribe, c, map[string]any{"sessionId": "a", "screenCode": "s1"})["subscriptionId"]
	require.NotEmpty(t, id)

	reply := call(s.handleUnsubscribe, c, map[string]any{"subscriptionId": id})
	require.Equal(t, id, reply["subscriptionId"])
	require.Zero(t, h.Stats().Subscriptions)

	reply = call(s.handleSubscribe, c, map[string]any{"sessionId": "a", "screenCode": "s1"})
	require.Equal(t, "rate limited", reply["error"])
	require.Equal(t, uint64(1), s.Stats().Rejected)
}

func TestSubscribeValidation(t *testing.T) {
	t.Parallel()

	s, _ := setup(t, Config{})
	c := s.newConn(&fakePeer{id: "sock"})

	reply := call(s.handleSubscribe, c, map[string]any{"screenCode": "s1"})
	require.Equal(t, hub.ErrInvalidSubscription.Error(), reply["error"])

	var got map[string]any
	s.handleSubscribe(c, []any{socket.Ack(func(args []any, _ error) { got = args[0].(map[string]any) })})
	require.Contains(t, got["error"], "bad request")
}

func TestSubscribeStartsRequestedRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemory()
	require.NoError(t, st.SaveRotation(ctx, store.Rotation{ID: "wall", Entries: []store.RotationEntry{{ProjectRef: "A", SpeedSeconds: 60}, {ProjectRef: "B", SpeedSeconds: 60}}}))

	s, h := setup(t, Config{})
	rm := rotation.New(rotation.Config{}, st, h, nil, logx.Nop())
	t.Cleanup(rm.Close)
	s.Bind(h, rm)

	c := s.newConn(&fakePeer{id: "sock"})
	reply := call(s.handleSubscribe, c, map[string]any{"sessionId": "a", "screenCode": "lobby", "rotationId": "wall"})
	require.NotEmpty(t, reply["subscriptionId"])

	cur, ok := rm.Current("lobby")
	require.True(t, ok)
	require.Equal(t, "A", cur.ProjectRef)
	require.Equal(t, "A", h.Showing("lobby"))

	_, err := rm.Goto(ctx, "lobby", 1)
	require.NoError(t, err)
	// Resubscribing with the same rotation keeps the cursor where it is.
	call(s.handleSubscribe, c, map[string]any{"sessionId": "a", "screenCode": "lobby", "rotationId": "wall"})
	cur, _ = rm.Current("lobby")
	require.Equal(t, 1, cur.Index)

	reply = call(s.handleSubscribe, c, map[string]any{"sessionId": "b", "screenCode": "hall", "rotationId": "missing"})
	require.Contains(t, reply["error"], "not found")
}

func TestDisconnectNotifiesScreen(t *testing.T) {
	t.Parallel()

	s, _ := setup(t, Config{})
	p := &fakePeer{id: "sock"}
	c := s.newConn(p)
	id := call(s.handleSubscribe, c, map[string]any{"sessionId": "a", "screenCode": "s1"})["subscriptionId"].(string)

	s.Disconnect(id, "slow consumer")
	require.True(t, p.disconnected)
	dropped := p.events(transport.EventDropped)
	require.Len(t, dropped, 1)
	require.Equal(t, "slow consumer", dropped[0]["reason"])

	require.ErrorIs(t, s.Send(context.Background(), "unknown", []byte(`{}`)), ErrNoConnection)
}

func TestSplitArgs(t *testing.T) {
	t.Parallel()

	data, ack := splitArgs(nil)
	require.Nil(t, data)
	require.Nil(t, ack)

	data, ack = splitArgs([]any{"x"})
	require.Equal(t, "x", data)
	require.Nil(t, ack)

	var req transport.SubscribeRequest
	require.NoError(t, decode(`{"sessionId":"s","screenCode":"c"}`, &req))
	require.Equal(t, "c", req.ScreenCode)
}
