package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dashwall/internal/task/engine"
	logx "dashwall/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name used for cron specs; empty means Local.
	Timezone string
	// StartupSpread bounds the random delay of the first interval firing.
	StartupSpread time.Duration
}

type job struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID
	spread  time.Duration
	state   *engine.RunState
}

// Service triggers named recurring jobs into the worker pool.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	pool *engine.Service
	loc  *time.Location
	c    *cron.Cron
	jobs map[string]*job

	warn *logx.Throttle
}

type JobInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"spread,omitempty"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Timezone string    `json:"timezone"`
	Running  bool      `json:"running"`
	Jobs     []JobInfo `json:"jobs"`
}
