package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type Memory struct {
	mu        sync.RWMutex
	widgets   map[string]Widget
	rotations map[string]Rotation
	states    map[string]WidgetState
}

func NewMemory() *Memory {
	return &Memory{
		widgets:   map[string]Widget{},
		rotations: map[string]Rotation{},
		states:    map[string]WidgetState{},
	}
}

func (m *Memory) LoadWidget(_ context.Context, id string) (Widget, error) {
	m.mu.RLock()
	w, ok := m.widgets[id]
	m.mu.RUnlock()
	if !ok {
		return Widget{}, ErrNotFound
	}
	return cloneWidget(w), nil
}

func (m *Memory) LoadRotation(_ context.Context, id string) (Rotation, error) {
	m.mu.RLock()
	r, ok := m.rotations[id]
	m.mu.RUnlock()
	if !ok {
		return Rotation{}, ErrNotFound
	}
	return cloneRotation(r), nil
}

func (m *Memory) ListWidgets(_ context.Context) ([]WidgetRef, error) {
	m.mu.RLock()
	out := make([]WidgetRef, 0, len(m.widgets))
	for _, w := range m.widgets {
		out = append(out, WidgetRef{ID: w.ID, ProjectRef: w.ProjectRef})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveWidget(_ context.Context, w Widget) error {
	if err := validateWidget(w); err != nil {
		return err
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}
	w = cloneWidget(w)
	m.mu.Lock()
	m.widgets[w.ID] = w
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteWidget(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.widgets[id]; !ok {
		return ErrNotFound
	}
	delete(m.widgets, id)
	delete(m.states, id)
	return nil
}

func (m *Memory) SaveRotation(_ context.Context, r Rotation) error {
	if err := validateRotation(r); err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	r = cloneRotation(r)
	m.mu.Lock()
	m.rotations[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteRotation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rotations[id]; !ok {
		return ErrNotFound
	}
	delete(m.rotations, id)
	return nil
}

// DeleteProject removes every widget of the project. Rotations that name the
// project are left alone; the rotation runtime skips over them.
func (m *Memory) DeleteProject(_ context.Context, projectRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.widgets {
		if w.ProjectRef == projectRef {
			delete(m.widgets, id)
			delete(m.states, id)
		}
	}
	return nil
}

func (m *Memory) SaveWidgetState(_ context.Context, st WidgetState) error {
	if st.WidgetID == "" {
		return errors.New("widget id is required")
	}
	if st.LastRun.IsZero() {
		st.LastRun = time.Now()
	}
	st.Result = append([]byte(nil), st.Result...)
	m.mu.Lock()
	m.states[st.WidgetID] = st
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadWidgetState(_ context.Context, widgetID string) (WidgetState, error) {
	m.mu.RLock()
	st, ok := m.states[widgetID]
	m.mu.RUnlock()
	if !ok {
		return WidgetState{}, ErrNotFound
	}
	st.Result = append([]byte(nil), st.Result...)
	return st, nil
}

func (m *Memory) Close() error { return nil }
