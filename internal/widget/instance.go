package widget

import (
	"sync"
	"time"

	"dashwall/internal/sandbox"
	"dashwall/internal/task/engine"
	"dashwall/internal/task/scheduler"
)

type instance struct {
	id    string
	state engine.RunState

	mu       sync.Mutex
	project  string
	spec     scheduler.ParsedSpec
	gen      uint64
	timer    *time.Timer
	next     time.Time
	removed  bool
	latest   sandbox.Result
	has      bool
	previous any
	errors   int
	runs     uint64
}

// Info is a point-in-time view of one instance.
type Info struct {
	ID         string          `json:"id"`
	ProjectRef string          `json:"projectRef"`
	Refresh    string          `json:"refresh"`
	Next       time.Time       `json:"next,omitzero"`
	Runs       uint64          `json:"runs"`
	ErrorCount int             `json:"errorCount"`
	Latest     *sandbox.Result `json:"latest,omitempty"`
}

func (i *instance) info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := Info{
		ID:         i.id,
		ProjectRef: i.project,
		Refresh:    i.spec.String(),
		Next:       i.next,
		Runs:       i.runs,
		ErrorCount: i.errors,
	}
	if i.has {
		r := i.latest
		out.Latest = &r
	}
	return out
}

// disarmLocked invalidates the pending timer, if any.
func (i *instance) disarmLocked() {
	i.gen++
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.next = time.Time{}
}

// idle reports whether nothing is armed, queued or running for i.
func (i *instance) idle() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.removed && i.timer == nil && !i.state.Busy()
}

type shard struct {
	mu    sync.Mutex
	items map[string]*instance
}
