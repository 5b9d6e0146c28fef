package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dashwall/internal/task/engine"
	logx "dashwall/pkg/logx"
)

func New(cfg Config, pool *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		pool: pool,
		jobs: map[string]*job{},
		warn: logx.NewThrottle(5*time.Second, 32),
	}
}

// Add registers or replaces the job called name.
func (s *Service) Add(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if run == nil {
		return errors.New("job func required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	j := &job{name: name, spec: ps, timeout: timeout, run: run, state: &engine.RunState{}}
	s.jobs[name] = j
	if s.c != nil {
		s.registerLocked(j)
	}
	s.log.Debug("job registered", logx.String("name", name), logx.String("spec", ps.String()), logx.Duration("timeout", timeout))
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) registerLocked(j *job) {
	trigger := cron.FuncJob(func() { s.trigger(j) })

	var sched cron.Schedule
	if j.spec.Kind == SpecInterval {
		base := cron.Schedule(cron.Every(j.spec.Every))
		j.spread = Spread(j.spec.Every, s.cfg.StartupSpread, j.name)
		sched = &spreadSchedule{base: base, first: time.Now().In(s.loc).Add(j.spec.Every + j.spread)}
	} else {
		sched = j.spec.sched
	}
	j.entryID = s.c.Schedule(sched, trigger)
}

func (s *Service) trigger(j *job) {
	if s.pool == nil {
		return
	}
	err := s.pool.Enqueue(engine.Task{Name: "job:" + j.name, Timeout: j.timeout, Run: j.run, State: j.state})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("job trigger coalesced", logx.String("job", j.name))
	default:
		s.warn.Warn(s.log, j.name, "job enqueue failed", logx.String("job", j.name), logx.Err(err))
	}
}

// RunNow enqueues the job immediately, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errors.New("unknown job: " + name)
	}
	if s.pool == nil {
		return engine.ErrStopped
	}
	return s.pool.Enqueue(engine.Task{Name: "job:" + j.name, Timeout: j.timeout, Run: j.run, State: j.state})
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(Parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		s.registerLocked(j)
	}
	s.c.Start()
	s.log.Info("job scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, j := range s.jobs {
		j.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("job scheduler stopped")
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil, Timezone: time.Local.String()}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Spec: j.spec.String(), Timeout: j.timeout, Spread: j.spread}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(a, b int) bool { return snap.Jobs[a].Name < snap.Jobs[b].Name })
	return snap
}
