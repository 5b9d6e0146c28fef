// Package hub tracks live screen subscriptions and fans events out to them.
//
// Subscriptions are indexed by screen code, and screens by the project they
// currently display. Both indexes are sharded with one lock per shard.
// Publishing never blocks: every subscription owns a bounded outbox drained
// by its own writer goroutine, and a subscription whose outbox overflows is
// dropped and disconnected. The client resynchronizes on reconnect, when
// Subscribe pushes a fresh fullState before any live event.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dashwall/internal/eventbus"
	logx "dashwall/pkg/logx"
)

var (
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrClosed              = errors.New("hub closed")
	ErrInvalidSubscription = errors.New("subscription requires session id and screen code")
)

// Transport is the connection layer the hub writes to.
type Transport interface {
	Send(ctx context.Context, subscriptionID string, payload []byte) error
	Disconnect(subscriptionID, reason string)
}

// StateProvider builds the snapshot a screen receives on subscribe.
type StateProvider interface {
	FullState(ctx context.Context, screenCode, projectRef string) (FullState, error)
}

// Relay forwards locally published events to other nodes. Forward must not
// block.
type Relay interface {
	Forward(m RelayMessage)
}

type RelayMessage struct {
	Node    string          `json:"node"`
	Target  Target          `json:"target"`
	EventID string          `json:"eventId"`
	Payload json.RawMessage `json:"payload"`
}

type Config struct {
	Shards      int
	Outbox      int
	DedupWindow int
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 32
	}
	if c.Outbox <= 0 {
		c.Outbox = 64
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 256
	}
	return c
}

type Option func(*Hub)

func WithStateProvider(p StateProvider) Option { return func(h *Hub) { h.state = p } }
func WithRelay(r Relay) Option                 { return func(h *Hub) { h.relay = r } }
func WithBus(b eventbus.Bus) Option            { return func(h *Hub) { h.bus = b } }

// WithScreenIdle registers fn to run when the last subscription of a screen
// goes away. It runs without hub locks held.
func WithScreenIdle(fn func(screenCode string)) Option { return func(h *Hub) { h.onIdle = fn } }

type screenState struct {
	subs     map[string]*subscriber
	sessions map[string]string
	token    string
	showing  string
}

func (st *screenState) project() string {
	if st.showing != "" {
		return st.showing
	}
	return st.token
}

type screenShard struct {
	mu      sync.RWMutex
	screens map[string]*screenState
}

type idShard struct {
	mu  sync.RWMutex
	ids map[string]string
}

type projectShard struct {
	mu      sync.RWMutex
	screens map[string]map[string]struct{}
}

type Hub struct {
	cfg       Config
	log       logx.Logger
	transport Transport
	state     StateProvider
	relay     Relay
	bus       eventbus.Bus
	onIdle    func(string)
	warn      *logx.Throttle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	screens  []screenShard
	ids      []idShard
	projects []projectShard

	published  atomic.Uint64
	delivered  atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64
}

func New(cfg Config, t Transport, log logx.Logger, opts ...Option) *Hub {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:       cfg,
		log:       log,
		transport: t,
		bus:       eventbus.Nop{},
		warn:      logx.NewThrottle(5*time.Second, 128),
		ctx:       ctx,
		cancel:    cancel,
		screens:   make([]screenShard, cfg.Shards),
		ids:       make([]idShard, cfg.Shards),
		projects:  make([]projectShard, cfg.Shards),
	}
	for i := range h.screens {
		h.screens[i].screens = map[string]*screenState{}
		h.ids[i].ids = map[string]string{}
		h.projects[i].screens = map[string]map[string]struct{}{}
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	if h.bus == nil {
		h.bus = eventbus.Nop{}
	}
	return h
}

func (h *Hub) shardIndex(key string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(key))
	return int(f.Sum32() % uint32(h.cfg.Shards))
}

func (h *Hub) screenShard(code string) *screenShard { return &h.screens[h.shardIndex(code)] }
func (h *Hub) idShard(id string) *idShard           { return &h.ids[h.shardIndex(id)] }
func (h *Hub) projectShard(ref string) *projectShard {
	return &h.projects[h.shardIndex(ref)]
}

// Subscribe registers interest of one session in one screen and returns the
// subscription id. A second call for the same session and screen replaces
// the earlier subscription and keeps its id.
func (h *Hub) Subscribe(ctx context.Context, sub Subscription) (string, error) {
	if h.closed.Load() {
		return "", ErrClosed
	}
	sub.SessionID = strings.TrimSpace(sub.SessionID)
	sub.ScreenCode = strings.TrimSpace(sub.ScreenCode)
	sub.ProjectToken = strings.TrimSpace(sub.ProjectToken)
	if sub.SessionID == "" || sub.ScreenCode == "" {
		return "", ErrInvalidSubscription
	}
	sh := h.screenShard(sub.ScreenCode)

	var prev *subscriber
	sh.mu.RLock()
	if st := sh.screens[sub.ScreenCode]; st != nil {
		if id, ok := st.sessions[sub.SessionID]; ok {
			prev = st.subs[id]
		}
	}
	sh.mu.RUnlock()

	seen := newSeenRing(h.cfg.DedupWindow)
	sub.ID = uuid.NewString()
	if prev != nil {
		sub.ID = prev.sub.ID
		seen = prev.seen
	}
	// Registered while holding: events published from here on wait behind
	// the snapshot taken below.
	s := newSubscriber(sub, h.cfg.Outbox, seen)

	sh.mu.Lock()
	st := sh.screens[sub.ScreenCode]
	if st == nil {
		st = &screenState{subs: map[string]*subscriber{}, sessions: map[string]string{}}
		sh.screens[sub.ScreenCode] = st
	}
	if id, ok := st.sessions[sub.SessionID]; ok {
		// A concurrent subscribe for this session won the race; take its id.
		s.sub.ID = id
		if old := st.subs[id]; old != nil {
			old.close()
		}
	}
	before := st.project()
	st.subs[s.sub.ID] = s
	st.sessions[sub.SessionID] = s.sub.ID
	if sub.ProjectToken != "" {
		st.token = sub.ProjectToken
	}
	project := st.project()
	h.reindexLocked(sub.ScreenCode, before, project)
	sh.mu.Unlock()

	ish := h.idShard(s.sub.ID)
	ish.mu.Lock()
	ish.ids[s.sub.ID] = sub.ScreenCode
	ish.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.writeLoop(h.ctx, h.transport, &h.delivered, h.sendFailed)
	}()

	if s.release(h.fullState(ctx, s, project)) == offerFull {
		h.evict(s, "slow consumer")
	}

	h.bus.Publish(eventbus.Event{Type: eventbus.HubSubscribed, Time: time.Now(), Data: s.sub})
	h.log.Debug("subscribed",
		logx.String("sub", s.sub.ID),
		logx.String("screen", sub.ScreenCode),
		logx.String("session", sub.SessionID),
		logx.Bool("replaced", prev != nil),
	)
	return s.sub.ID, nil
}

// fullState encodes the snapshot for s, or returns nil when there is none.
func (h *Hub) fullState(ctx context.Context, s *subscriber, project string) *message {
	if h.state == nil {
		return nil
	}
	fs, err := h.state.FullState(ctx, s.sub.ScreenCode, project)
	if err != nil {
		h.log.Warn("full state unavailable", logx.String("screen", s.sub.ScreenCode), logx.Err(err))
		return nil
	}
	if fs.Widgets == nil {
		fs.Widgets = map[string]any{}
	}
	ev := Event{ID: uuid.NewString(), Type: TypeFullState, Payload: FullStatePayload{
		Type:       TypeFullState,
		ScreenCode: s.sub.ScreenCode,
		ProjectRef: project,
		FullState:  fs,
	}}
	payload, err := ev.encode()
	if err != nil {
		h.log.Warn("full state encode failed", logx.String("screen", s.sub.ScreenCode), logx.Err(err))
		return nil
	}
	s.seen.add(ev.ID)
	return &message{eventID: ev.ID, payload: payload}
}

// Unsubscribe removes a subscription. The transport is not asked to
// disconnect.
func (h *Hub) Unsubscribe(id string) error {
	ish := h.idShard(id)
	ish.mu.Lock()
	screen, ok := ish.ids[id]
	delete(ish.ids, id)
	ish.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	s, idle := h.removeFromScreen(screen, id, nil)
	if s != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.HubUnsubscribed, Time: time.Now(), Data: s.sub})
	}
	if idle && h.onIdle != nil {
		h.onIdle(screen)
	}
	return nil
}

// removeFromScreen detaches id from screen. When only is set, nothing
// happens unless id still maps to that exact subscriber.
func (h *Hub) removeFromScreen(screen, id string, only *subscriber) (removed *subscriber, idle bool) {
	sh := h.screenShard(screen)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.screens[screen]
	if st == nil {
		return nil, false
	}
	s := st.subs[id]
	if s == nil || (only != nil && s != only) {
		return nil, false
	}
	delete(st.subs, id)
	if st.sessions[s.sub.SessionID] == id {
		delete(st.sessions, s.sub.SessionID)
	}
	s.close()

	if len(st.subs) == 0 {
		before := st.project()
		delete(sh.screens, screen)
		h.reindexLocked(screen, before, "")
		idle = true
	}
	return s, idle
}

// Show records which project a screen displays. An empty project reverts to
// the subscribers' project token.
func (h *Hub) Show(screen, project string) {
	sh := h.screenShard(screen)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.screens[screen]
	if st == nil {
		if project == "" {
			return
		}
		st = &screenState{subs: map[string]*subscriber{}, sessions: map[string]string{}}
		sh.screens[screen] = st
	}
	before := st.project()
	st.showing = project
	after := st.project()
	if len(st.subs) == 0 && project == "" {
		delete(sh.screens, screen)
		after = ""
	}
	h.reindexLocked(screen, before, after)
}

// Showing returns the project a screen currently displays.
func (h *Hub) Showing(screen string) string {
	sh := h.screenShard(screen)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if st := sh.screens[screen]; st != nil {
		return st.project()
	}
	return ""
}

// reindexLocked moves screen between project sets. The caller holds the
// screen's shard lock; project shard locks are always taken after it.
func (h *Hub) reindexLocked(screen, before, after string) {
	if before == after {
		return
	}
	if before != "" {
		ps := h.projectShard(before)
		ps.mu.Lock()
		if set := ps.screens[before]; set != nil {
			delete(set, screen)
			if len(set) == 0 {
				delete(ps.screens, before)
			}
		}
		ps.mu.Unlock()
	}
	if after != "" {
		ps := h.projectShard(after)
		ps.mu.Lock()
		set := ps.screens[after]
		if set == nil {
			set = map[string]struct{}{}
			ps.screens[after] = set
		}
		set[screen] = struct{}{}
		ps.mu.Unlock()
	}
}

// Publish delivers ev to every subscription reached by t and forwards it
// to the relay. It never blocks on subscribers.
func (h *Hub) Publish(ctx context.Context, t Target, ev Event) {
	if h.closed.Load() || !t.valid() || ctx.Err() != nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	payload, err := ev.encode()
	if err != nil {
		h.log.Warn("event encode failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	h.published.Add(1)
	h.deliver(t, message{eventID: ev.ID, payload: payload})
	if h.relay != nil {
		h.relay.Forward(RelayMessage{Target: t, EventID: ev.ID, Payload: payload})
	}
}

// Deliver hands an event received from another node to local subscribers.
func (h *Hub) Deliver(m RelayMessage) {
	if h.closed.Load() || !m.Target.valid() {
		return
	}
	h.deliver(m.Target, message{eventID: m.EventID, payload: m.Payload})
}

func (h *Hub) deliver(t Target, m message) int {
	n := 0
	for _, s := range h.targets(t) {
		switch s.offer(m) {
		case offerQueued:
			n++
		case offerDuplicate:
			h.duplicates.Add(1)
		case offerFull:
			h.evict(s, "slow consumer")
		}
	}
	return n
}

func (h *Hub) targets(t Target) []*subscriber {
	switch t.Kind {
	case TargetScreen:
		return h.screenSubs(t.Key, nil)
	case TargetProject:
		ps := h.projectShard(t.Key)
		ps.mu.RLock()
		screens := make([]string, 0, len(ps.screens[t.Key]))
		for code := range ps.screens[t.Key] {
			screens = append(screens, code)
		}
		ps.mu.RUnlock()

		var out []*subscriber
		for _, code := range screens {
			out = h.screenSubs(code, out)
		}
		return out
	}
	return nil
}

func (h *Hub) screenSubs(code string, dst []*subscriber) []*subscriber {
	sh := h.screenShard(code)
	sh.mu.RLock()
	if st := sh.screens[code]; st != nil {
		for _, s := range st.subs {
			dst = append(dst, s)
		}
	}
	sh.mu.RUnlock()
	return dst
}

func (h *Hub) sendFailed(s *subscriber, err error) {
	h.sendErrors.Add(1)
	h.evict(s, "send failed: "+err.Error())
}

// evict drops a subscriber that cannot keep up. The removal runs on its own
// goroutine so the publisher is never held by transport calls.
func (h *Hub) evict(s *subscriber, reason string) {
	if !s.markDropping() {
		return
	}
	s.close()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		removed, idle := h.removeFromScreen(s.sub.ScreenCode, s.sub.ID, s)
		if removed == nil {
			return
		}
		ish := h.idShard(s.sub.ID)
		ish.mu.Lock()
		if ish.ids[s.sub.ID] == s.sub.ScreenCode && !h.hasSubscription(s.sub.ScreenCode, s.sub.ID) {
			delete(ish.ids, s.sub.ID)
		}
		ish.mu.Unlock()

		h.dropped.Add(1)
		if h.transport != nil {
			h.transport.Disconnect(s.sub.ID, reason)
		}
		h.bus.Publish(eventbus.Event{Type: eventbus.HubDropped, Time: time.Now(), Data: s.sub})
		h.warn.Warn(h.log, "drop", "subscription dropped",
			logx.String("sub", s.sub.ID),
			logx.String("screen", s.sub.ScreenCode),
			logx.String("reason", reason),
			logx.Uint64("dropped", h.dropped.Load()),
		)
		if idle && h.onIdle != nil {
			h.onIdle(s.sub.ScreenCode)
		}
	}()
}

func (h *Hub) hasSubscription(screen, id string) bool {
	sh := h.screenShard(screen)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st := sh.screens[screen]
	return st != nil && st.subs[id] != nil
}

// Lookup returns the subscription registered under id.
func (h *Hub) Lookup(id string) (Subscription, bool) {
	ish := h.idShard(id)
	ish.mu.RLock()
	screen, ok := ish.ids[id]
	ish.mu.RUnlock()
	if !ok {
		return Subscription{}, false
	}
	sh := h.screenShard(screen)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if st := sh.screens[screen]; st != nil {
		if s := st.subs[id]; s != nil {
			return s.sub, true
		}
	}
	return Subscription{}, false
}

type Stats struct {
	Subscriptions int    `json:"subscriptions"`
	Screens       int    `json:"screens"`
	Projects      int    `json:"projects"`
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Duplicates    uint64 `json:"duplicates"`
	Dropped       uint64 `json:"dropped"`
	SendErrors    uint64 `json:"send_errors"`
}

func (h *Hub) Stats() Stats {
	st := Stats{
		Published:  h.published.Load(),
		Delivered:  h.delivered.Load(),
		Duplicates: h.duplicates.Load(),
		Dropped:    h.dropped.Load(),
		SendErrors: h.sendErrors.Load(),
	}
	for i := range h.screens {
		sh := &h.screens[i]
		sh.mu.RLock()
		st.Screens += len(sh.screens)
		for _, s := range sh.screens {
			st.Subscriptions += len(s.subs)
		}
		sh.mu.RUnlock()
	}
	for i := range h.projects {
		ps := &h.projects[i]
		ps.mu.RLock()
		st.Projects += len(ps.screens)
		ps.mu.RUnlock()
	}
	return st
}

// Close stops every writer and waits for them until ctx ends.
func (h *Hub) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()
	for i := range h.screens {
		sh := &h.screens[i]
		sh.mu.Lock()
		for _, st := range sh.screens {
			for _, s := range st.subs {
				s.close()
			}
		}
		sh.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
