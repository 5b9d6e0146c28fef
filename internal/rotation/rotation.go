// Package rotation drives per-screen rotation cursors.
//
// A screen is Idle until Start gives it a cursor at index 0. Each tick fires
// after the speed of the entry on display, re-reads the rotation definition
// and advances to (i+1) mod len(current entries), so edits made while a
// screen rotates are picked up at the next tick and the index is always in
// range. Stop, StopRotation and a stalled definition remove the cursor.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dashwall/internal/eventbus"
	"dashwall/internal/hub"
	"dashwall/internal/store"
	logx "dashwall/pkg/logx"
)

var (
	ErrEmptyRotation   = errors.New("rotation has no entries")
	ErrIndexOutOfRange = errors.New("rotation index out of range")
	ErrNotRunning      = errors.New("screen has no active rotation")
	ErrStopped         = errors.New("rotation manager stopped")
)

// Broadcaster is the hub surface rotations use.
type Broadcaster interface {
	Publish(ctx context.Context, t hub.Target, ev hub.Event)
	Show(screen, project string)
}

type Config struct {
	// LoadTimeout bounds each definition read on a tick.
	LoadTimeout time.Duration
	// MinSpeed is the floor for an entry's display time.
	MinSpeed time.Duration
	Shards   int
}

func (c Config) withDefaults() Config {
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 5 * time.Second
	}
	if c.MinSpeed <= 0 {
		c.MinSpeed = time.Second
	}
	if c.Shards <= 0 {
		c.Shards = 16
	}
	return c
}

// Cursor is a snapshot of one screen's rotation state.
type Cursor struct {
	ScreenCode string        `json:"screenCode"`
	RotationID string        `json:"rotationId"`
	Index      int           `json:"index"`
	Length     int           `json:"length"`
	ProjectRef string        `json:"projectRef"`
	Speed      time.Duration `json:"speed"`
	Next       time.Time     `json:"next"`
}

type cursor struct {
	Cursor
	gen   uint64
	timer *time.Timer
}

type shard struct {
	mu      sync.Mutex
	cursors map[string]*cursor
}

type Manager struct {
	cfg    Config
	store  store.Reader
	hub    Broadcaster
	bus    eventbus.Bus
	log    logx.Logger
	shards []shard

	stopped atomic.Bool

	ticks  atomic.Uint64
	stalls atomic.Uint64
}

func New(cfg Config, st store.Reader, b Broadcaster, bus eventbus.Bus, log logx.Logger) *Manager {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	m := &Manager{cfg: cfg, store: st, hub: b, bus: bus, log: log, shards: make([]shard, cfg.Shards)}
	for i := range m.shards {
		m.shards[i].cursors = map[string]*cursor{}
	}
	return m
}

func (m *Manager) shard(screen string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(screen))
	return &m.shards[f.Sum32()%uint32(len(m.shards))]
}

func (m *Manager) speed(e store.RotationEntry) time.Duration {
	return max(e.Speed(), m.cfg.MinSpeed)
}

func (m *Manager) load(ctx context.Context, id string) (store.Rotation, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.LoadTimeout)
	defer cancel()
	return m.store.LoadRotation(ctx, id)
}

// Start puts screen on rotation id at index 0, replacing any cursor the
// screen already had. An empty rotation fails with ErrEmptyRotation and
// leaves the screen as it was.
func (m *Manager) Start(ctx context.Context, screen, rotationID string) (Cursor, error) {
	if m.stopped.Load() {
		return Cursor{}, ErrStopped
	}
	r, err := m.load(ctx, rotationID)
	if err != nil {
		return Cursor{}, fmt.Errorf("load rotation %s: %w", rotationID, err)
	}
	if len(r.Entries) == 0 {
		return Cursor{}, ErrEmptyRotation
	}

	sh := m.shard(screen)
	sh.mu.Lock()
	c := sh.cursors[screen]
	if c == nil {
		c = &cursor{}
		sh.cursors[screen] = c
	}
	m.setLocked(screen, c, r, 0)
	snap := c.Cursor
	sh.mu.Unlock()

	m.announce(ctx, snap)
	m.bus.Publish(eventbus.Event{Type: eventbus.RotationStarted, Time: time.Now(), Data: snap})
	m.log.Debug("rotation started",
		logx.String("screen", screen),
		logx.String("rotation", rotationID),
		logx.Int("entries", len(r.Entries)),
	)
	return snap, nil
}

// setLocked moves c to index i of r and arms the next tick with that
// entry's speed. The shard lock is held.
func (m *Manager) setLocked(screen string, c *cursor, r store.Rotation, i int) {
	e := r.Entries[i]
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	c.ScreenCode = screen
	c.RotationID = r.ID
	c.Index = i
	c.Length = len(r.Entries)
	c.ProjectRef = e.ProjectRef
	c.Speed = m.speed(e)
	c.Next = time.Now().Add(c.Speed)

	gen := c.gen
	c.timer = time.AfterFunc(c.Speed, func() { m.tick(screen, gen) })
}

func (m *Manager) announce(ctx context.Context, c Cursor) {
	if m.hub == nil {
		return
	}
	m.hub.Show(c.ScreenCode, c.ProjectRef)
	m.hub.Publish(ctx, hub.Screen(c.ScreenCode), hub.RotationAdvanced(c.ScreenCode, c.Index, c.ProjectRef))
}

// tick advances screen if gen still identifies its cursor.
func (m *Manager) tick(screen string, gen uint64) {
	if m.stopped.Load() {
		return
	}
	sh := m.shard(screen)
	sh.mu.Lock()
	c := sh.cursors[screen]
	if c == nil || c.gen != gen {
		sh.mu.Unlock()
		return
	}
	rotationID, index := c.RotationID, c.Index
	sh.mu.Unlock()

	ctx := context.Background()
	r, err := m.load(ctx, rotationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.stall(ctx, screen, gen, "rotation deleted")
		return
	case err != nil:
		// Keep showing the current entry and try again after its speed.
		m.log.Warn("rotation load failed; retrying", logx.String("screen", screen), logx.String("rotation", rotationID), logx.Err(err))
		sh.mu.Lock()
		if c := sh.cursors[screen]; c != nil && c.gen == gen {
			c.Next = time.Now().Add(c.Speed)
			c.timer = time.AfterFunc(c.Speed, func() { m.tick(screen, gen) })
		}
		sh.mu.Unlock()
		return
	case len(r.Entries) == 0:
		m.stall(ctx, screen, gen, ErrEmptyRotation.Error())
		return
	}

	next := (index + 1) % len(r.Entries)

	sh.mu.Lock()
	c = sh.cursors[screen]
	if c == nil || c.gen != gen {
		sh.mu.Unlock()
		return
	}
	m.setLocked(screen, c, r, next)
	snap := c.Cursor
	sh.mu.Unlock()

	m.ticks.Add(1)
	m.announce(ctx, snap)
	m.bus.Publish(eventbus.Event{Type: eventbus.RotationAdvanced, Time: time.Now(), Data: snap})
}

// stall stops a cursor whose definition can no longer run and tells the
// screen why.
func (m *Manager) stall(ctx context.Context, screen string, gen uint64, reason string) {
	sh := m.shard(screen)
	sh.mu.Lock()
	c := sh.cursors[screen]
	if c == nil || c.gen != gen {
		sh.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	delete(sh.cursors, screen)
	snap := c.Cursor
	sh.mu.Unlock()

	m.stalls.Add(1)
	if m.hub != nil {
		m.hub.Show(screen, "")
		m.hub.Publish(ctx, hub.Screen(screen), hub.RotationStalled(screen, reason))
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.RotationStalled, Time: time.Now(), Data: snap})
	m.log.Warn("rotation stalled", logx.String("screen", screen), logx.String("rotation", snap.RotationID), logx.String("reason", reason))
}

// Stop removes the screen's cursor and cancels its pending tick.
func (m *Manager) Stop(screen string) bool {
	sh := m.shard(screen)
	sh.mu.Lock()
	c := sh.cursors[screen]
	if c == nil {
		sh.mu.Unlock()
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	delete(sh.cursors, screen)
	snap := c.Cursor
	sh.mu.Unlock()

	if m.hub != nil {
		m.hub.Show(screen, "")
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.RotationStopped, Time: time.Now(), Data: snap})
	m.log.Debug("rotation stopped", logx.String("screen", screen), logx.String("rotation", snap.RotationID))
	return true
}

// StopRotation stops every screen running rotationID and returns how many
// were stopped.
func (m *Manager) StopRotation(rotationID string) int {
	var screens []string
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for code, c := range sh.cursors {
			if c.RotationID == rotationID {
				screens = append(screens, code)
			}
		}
		sh.mu.Unlock()
	}
	n := 0
	for _, code := range screens {
		sh := m.shard(code)
		sh.mu.Lock()
		c := sh.cursors[code]
		match := c != nil && c.RotationID == rotationID
		sh.mu.Unlock()
		if match && m.Stop(code) {
			n++
		}
	}
	return n
}

// Goto jumps screen to index of its current rotation.
func (m *Manager) Goto(ctx context.Context, screen string, index int) (Cursor, error) {
	sh := m.shard(screen)
	sh.mu.Lock()
	c := sh.cursors[screen]
	if c == nil {
		sh.mu.Unlock()
		return Cursor{}, ErrNotRunning
	}
	rotationID, gen := c.RotationID, c.gen
	sh.mu.Unlock()

	r, err := m.load(ctx, rotationID)
	if err != nil {
		return Cursor{}, fmt.Errorf("load rotation %s: %w", rotationID, err)
	}
	if index < 0 || index >= len(r.Entries) {
		return Cursor{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, len(r.Entries))
	}

	sh.mu.Lock()
	c = sh.cursors[screen]
	if c == nil || c.gen != gen {
		sh.mu.Unlock()
		return Cursor{}, ErrNotRunning
	}
	m.setLocked(screen, c, r, index)
	snap := c.Cursor
	sh.mu.Unlock()

	m.announce(ctx, snap)
	m.bus.Publish(eventbus.Event{Type: eventbus.RotationAdvanced, Time: time.Now(), Data: snap})
	return snap, nil
}

func (m *Manager) Current(screen string) (Cursor, bool) {
	sh := m.shard(screen)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c := sh.cursors[screen]; c != nil {
		return c.Cursor, true
	}
	return Cursor{}, false
}

// Cursors lists every active cursor ordered by screen code.
func (m *Manager) Cursors() []Cursor {
	var out []Cursor
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for _, c := range sh.cursors {
			out = append(out, c.Cursor)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScreenCode < out[j].ScreenCode })
	return out
}

type Stats struct {
	Active int    `json:"active"`
	Ticks  uint64 `json:"ticks"`
	Stalls uint64 `json:"stalls"`
}

func (m *Manager) Stats() Stats {
	st := Stats{Ticks: m.ticks.Load(), Stalls: m.stalls.Load()}
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		st.Active += len(sh.cursors)
		sh.mu.Unlock()
	}
	return st
}

// Close cancels every pending tick. Cursors are discarded.
func (m *Manager) Close() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for code, c := range sh.cursors {
			if c.timer != nil {
				c.timer.Stop()
			}
			delete(sh.cursors, code)
		}
		sh.mu.Unlock()
	}
}
