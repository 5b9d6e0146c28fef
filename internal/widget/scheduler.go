package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"dashwall/internal/eventbus"
	"dashwall/internal/hub"
	"dashwall/internal/sandbox"
	"dashwall/internal/store"
	"dashwall/internal/task/engine"
	"dashwall/internal/task/scheduler"
	logx "dashwall/pkg/logx"
)

var ErrUnknownWidget = errors.New("unknown widget instance")

// Executor runs one script invocation. *sandbox.Sandbox implements it.
type Executor interface {
	Execute(ctx context.Context, src string, in sandbox.Bindings, timeout time.Duration) sandbox.Result
}

// Pool accepts work for the bounded worker pool. *engine.Service implements it.
type Pool interface {
	Enqueue(t engine.Task) error
}

type Broadcaster interface {
	Publish(ctx context.Context, t hub.Target, ev hub.Event)
}

type Config struct {
	// DefaultTimeout caps a single execution.
	DefaultTimeout time.Duration
	// TimeoutRatio keeps the execution timeout below the refresh period.
	TimeoutRatio float64
	// MinInterval is the shortest refresh period honoured.
	MinInterval time.Duration
	// StartupSpread jitters first firings so a restart does not run every
	// widget at once.
	StartupSpread time.Duration
	Shards        int
	// PersistState writes each result through the store's StateStore.
	PersistState bool
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.TimeoutRatio <= 0 || c.TimeoutRatio >= 1 {
		c.TimeoutRatio = 0.8
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.Shards <= 0 {
		c.Shards = 32
	}
	return c
}

// Execution is the payload of eventbus.WidgetExecuted.
type Execution struct {
	WidgetID   string              `json:"widgetId"`
	ProjectRef string              `json:"projectRef"`
	Kind       sandbox.FailureKind `json:"kind,omitempty"`
	Duration   time.Duration       `json:"duration"`
}

type Scheduler struct {
	cfg    Config
	store  store.Reader
	states store.StateStore
	exec   Executor
	pool   Pool
	hub    Broadcaster
	bus    eventbus.Bus
	log    logx.Logger
	warn   *logx.Throttle

	shards  []*shard
	running atomic.Bool

	executed  atomic.Uint64
	failed    atomic.Uint64
	coalesced atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
	removed   atomic.Uint64
}

func New(cfg Config, st store.Reader, exec Executor, pool Pool, b Broadcaster, bus eventbus.Bus, log logx.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Scheduler{
		cfg:    cfg,
		store:  st,
		exec:   exec,
		pool:   pool,
		hub:    b,
		bus:    bus,
		log:    log.With(logx.String("comp", "widgets")),
		warn:   logx.NewThrottle(5*time.Second, 256),
		shards: make([]*shard, cfg.Shards),
	}
	if cfg.PersistState {
		if ss, ok := st.(store.StateStore); ok {
			s.states = ss
		}
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: map[string]*instance{}}
	}
	return s
}

func (s *Scheduler) shard(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Scheduler) lookup(id string) *instance {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.items[id]
}

// Start arms every known instance. First firings are immediate plus the
// configured startup spread.
func (s *Scheduler) Start(ctx context.Context) {
	_ = ctx
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	n := 0
	for _, inst := range s.all() {
		inst.mu.Lock()
		if !inst.removed {
			s.armLocked(inst, s.firstDelay(inst))
			n++
		}
		inst.mu.Unlock()
	}
	s.log.Info("widget scheduler started", logx.Int("instances", n))
}

// Stop cancels every pending timer. Executions already on the pool run to
// completion but are not re-armed.
func (s *Scheduler) Stop(ctx context.Context) {
	_ = ctx
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	for _, inst := range s.all() {
		inst.mu.Lock()
		inst.disarmLocked()
		inst.mu.Unlock()
	}
	s.log.Info("widget scheduler stopped")
}

// Add loads widget id and schedules it, or refreshes the schedule of an
// existing instance.
func (s *Scheduler) Add(ctx context.Context, id string) error {
	w, err := s.store.LoadWidget(ctx, id)
	if err != nil {
		return fmt.Errorf("load widget %s: %w", id, err)
	}
	return s.upsert(w, true)
}

func (s *Scheduler) upsert(w store.Widget, rearm bool) error {
	spec, err := scheduler.ParseSchedule(w.Refresh)
	if err != nil {
		return fmt.Errorf("widget %s: %w", w.ID, err)
	}

	sh := s.shard(w.ID)
	sh.mu.Lock()
	inst, existed := sh.items[w.ID]
	if !existed {
		inst = &instance{id: w.ID}
		sh.items[w.ID] = inst
	}
	sh.mu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.project = w.ProjectRef
	inst.spec = spec
	if !s.running.Load() {
		return nil
	}
	switch {
	case !existed:
		s.armLocked(inst, s.firstDelay(inst))
	case inst.state.Busy():
		// The running cycle re-arms when it completes.
	case rearm || inst.timer == nil:
		s.armLocked(inst, s.delay(spec))
	}
	if !existed {
		s.log.Debug("widget scheduled", logx.String("widget", w.ID), logx.String("project", w.ProjectRef), logx.String("refresh", spec.String()))
	}
	return nil
}

// Remove cancels the instance's pending timer. An execution already in
// flight finishes but its result is discarded.
func (s *Scheduler) Remove(id string) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	inst, ok := sh.items[id]
	delete(sh.items, id)
	sh.mu.Unlock()
	if !ok {
		return false
	}

	inst.mu.Lock()
	inst.removed = true
	inst.disarmLocked()
	project := inst.project
	inst.mu.Unlock()

	s.removed.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.WidgetRemoved, Time: time.Now(), Data: store.WidgetRef{ID: id, ProjectRef: project}})
	s.log.Debug("widget removed", logx.String("widget", id), logx.String("project", project))
	return true
}

// RemoveProject removes every instance owned by project ref.
func (s *Scheduler) RemoveProject(ref string) int {
	var ids []string
	for _, inst := range s.all() {
		inst.mu.Lock()
		if inst.project == ref {
			ids = append(ids, inst.id)
		}
		inst.mu.Unlock()
	}
	n := 0
	for _, id := range ids {
		if s.Remove(id) {
			n++
		}
	}
	return n
}

// Sync reconciles the instance set with the store listing: unknown widgets
// are added, vanished ones removed and the rest keep their timers. A known
// instance left without a timer is re-armed.
func (s *Scheduler) Sync(ctx context.Context) (added, removed int, err error) {
	refs, err := s.store.ListWidgets(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list widgets: %w", err)
	}
	want := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		want[ref.ID] = struct{}{}
		inst := s.lookup(ref.ID)
		if inst != nil && !inst.idle() {
			continue
		}
		w, err := s.store.LoadWidget(ctx, ref.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.warn.Warn(s.log, "sync:"+ref.ID, "widget not loaded during sync", logx.String("widget", ref.ID), logx.Err(err))
			}
			continue
		}
		if err := s.upsert(w, false); err != nil {
			s.warn.Warn(s.log, "sync:"+ref.ID, "widget skipped during sync", logx.String("widget", ref.ID), logx.Err(err))
			continue
		}
		if inst == nil {
			added++
		}
	}
	for _, inst := range s.all() {
		if _, ok := want[inst.id]; !ok && s.Remove(inst.id) {
			removed++
		}
	}
	if added > 0 || removed > 0 {
		s.log.Info("widgets reconciled", logx.Int("added", added), logx.Int("removed", removed), logx.Int("total", len(refs)))
	}
	return added, removed, nil
}

// RunNow queues an immediate execution. It returns engine.ErrOverlapSkip
// when one is already pending or running.
func (s *Scheduler) RunNow(id string) error {
	inst := s.lookup(id)
	if inst == nil {
		return ErrUnknownWidget
	}
	return s.submit(inst)
}

// Latest returns the instance's most recent result.
func (s *Scheduler) Latest(id string) (sandbox.Result, bool) {
	inst := s.lookup(id)
	if inst == nil {
		return sandbox.Result{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.latest, inst.has
}

// ProjectResults returns the latest result of every instance of project
// ref that has run at least once, keyed by widget id.
func (s *Scheduler) ProjectResults(ref string) map[string]sandbox.Result {
	out := map[string]sandbox.Result{}
	for _, inst := range s.all() {
		inst.mu.Lock()
		if inst.project == ref && inst.has {
			out[inst.id] = inst.latest
		}
		inst.mu.Unlock()
	}
	return out
}

func (s *Scheduler) Instances() []Info {
	all := s.all()
	out := make([]Info, 0, len(all))
	for _, inst := range all {
		out = append(out, inst.info())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

type Stats struct {
	Instances int    `json:"instances"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Coalesced uint64 `json:"coalesced"`
	Dropped   uint64 `json:"dropped"`
	Discarded uint64 `json:"discarded"`
	Removed   uint64 `json:"removed"`
}

func (s *Scheduler) Stats() Stats {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return Stats{
		Instances: n,
		Executed:  s.executed.Load(),
		Failed:    s.failed.Load(),
		Coalesced: s.coalesced.Load(),
		Dropped:   s.dropped.Load(),
		Discarded: s.discarded.Load(),
		Removed:   s.removed.Load(),
	}
}

func (s *Scheduler) all() []*instance {
	var out []*instance
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, inst := range sh.items {
			out = append(out, inst)
		}
		sh.mu.Unlock()
	}
	return out
}

// delay is the wait before the next cycle of spec.
func (s *Scheduler) delay(spec scheduler.ParsedSpec) time.Duration {
	if spec.Kind == scheduler.SpecInterval {
		return max(spec.Every, s.cfg.MinInterval)
	}
	d := spec.Delay(time.Now())
	if d <= 0 {
		d = s.cfg.MinInterval
	}
	return d
}

func (s *Scheduler) firstDelay(inst *instance) time.Duration {
	return scheduler.Spread(s.period(inst.spec), s.cfg.StartupSpread, inst.id)
}

func (s *Scheduler) period(spec scheduler.ParsedSpec) time.Duration {
	return max(spec.Period(time.Now()), s.cfg.MinInterval)
}

// timeout keeps an execution strictly shorter than the refresh period.
func (s *Scheduler) timeout(spec scheduler.ParsedSpec) time.Duration {
	byPeriod := time.Duration(float64(s.period(spec)) * s.cfg.TimeoutRatio)
	return max(min(s.cfg.DefaultTimeout, byPeriod), 10*time.Millisecond)
}

func (s *Scheduler) armLocked(inst *instance, d time.Duration) {
	inst.disarmLocked()
	gen := inst.gen
	inst.next = time.Now().Add(d)
	inst.timer = time.AfterFunc(d, func() { s.fire(inst, gen) })
}

// rearm schedules the next cycle from the instance's current refresh.
func (s *Scheduler) rearm(inst *instance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.removed || !s.running.Load() {
		return
	}
	s.armLocked(inst, s.delay(inst.spec))
}

func (s *Scheduler) fire(inst *instance, gen uint64) {
	inst.mu.Lock()
	if inst.removed || inst.gen != gen {
		inst.mu.Unlock()
		return
	}
	inst.timer = nil
	inst.next = time.Time{}
	inst.mu.Unlock()

	err := s.submit(inst)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		// The pending execution re-arms when it completes.
	default:
		// Includes ErrStopping while the pool restarts for a resize.
		s.rearm(inst)
	}
}

func (s *Scheduler) submit(inst *instance) error {
	err := s.pool.Enqueue(engine.Task{
		Name:    "widget:" + inst.id,
		Timeout: s.cfg.DefaultTimeout + 2*time.Second,
		Run:     func(ctx context.Context) error { return s.cycle(ctx, inst) },
		State:   &inst.state,
		OnDrop: func(reason error) {
			s.dropped.Add(1)
			s.warn.Warn(s.log, "drop:"+inst.id, "widget execution dropped", logx.String("widget", inst.id), logx.Err(reason))
			s.rearm(inst)
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.coalesced.Add(1)
		s.log.Debug("widget firing coalesced", logx.String("widget", inst.id))
	default:
		s.dropped.Add(1)
		s.warn.Warn(s.log, "enqueue:"+inst.id, "widget firing dropped", logx.String("widget", inst.id), logx.Err(err))
	}
	return err
}

// cycle is one execution on a pool worker.
func (s *Scheduler) cycle(ctx context.Context, inst *instance) (err error) {
	start := time.Now()
	project := ""
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("widget cycle panicked", logx.String("widget", inst.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.record(ctx, inst, project, sandbox.Failure(sandbox.RuntimeError, fmt.Sprintf("execution panicked: %v", r)), time.Since(start))
			err = nil
		}
		s.rearm(inst)
	}()

	w, err := s.store.LoadWidget(ctx, inst.id)
	if errors.Is(err, store.ErrNotFound) {
		s.Remove(inst.id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load widget %s: %w", inst.id, err)
	}
	project = w.ProjectRef

	inst.mu.Lock()
	if inst.removed {
		inst.mu.Unlock()
		return nil
	}
	if spec, perr := scheduler.ParseSchedule(w.Refresh); perr == nil {
		inst.spec = spec
	} else {
		s.warn.Warn(s.log, "refresh:"+inst.id, "invalid refresh; keeping previous", logx.String("widget", inst.id), logx.Err(perr))
	}
	inst.project = w.ProjectRef
	spec := inst.spec
	prev := inst.previous
	inst.mu.Unlock()

	res := s.exec.Execute(ctx, w.Script, sandbox.Bindings{
		Input:        w.Inputs,
		Previous:     prev,
		OutputSchema: w.OutputSchema,
		Name:         w.ID,
	}, s.timeout(spec))
	s.record(ctx, inst, project, res, time.Since(start))
	return nil
}

func (s *Scheduler) record(ctx context.Context, inst *instance, project string, res sandbox.Result, dur time.Duration) {
	inst.mu.Lock()
	if inst.removed {
		inst.mu.Unlock()
		s.discarded.Add(1)
		return
	}
	if project == "" {
		project = inst.project
	}
	inst.latest, inst.has = res, true
	inst.runs++
	if res.OK() {
		inst.previous = res.Data
		inst.errors = 0
	} else {
		inst.errors++
	}
	errCount := inst.errors
	inst.mu.Unlock()

	s.executed.Add(1)
	if !res.OK() {
		s.failed.Add(1)
	}
	if s.hub != nil {
		s.hub.Publish(context.WithoutCancel(ctx), hub.Project(project), hub.WidgetUpdate(project, inst.id, res))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.WidgetExecuted, Time: time.Now(), Data: Execution{WidgetID: inst.id, ProjectRef: project, Kind: res.Kind, Duration: dur}})

	if s.states != nil {
		s.persist(ctx, inst.id, res, errCount)
	}
}

func (s *Scheduler) persist(ctx context.Context, id string, res sandbox.Result, errCount int) {
	b, err := json.Marshal(res)
	if err != nil {
		s.log.Warn("widget result not encodable", logx.String("widget", id), logx.Err(err))
		return
	}
	ws := store.WidgetState{WidgetID: id, LastRun: res.ProducedAt, Result: b, ErrorCount: errCount}
	if !res.OK() {
		ws.LastError = string(res.Kind) + ": " + res.Message
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.states.SaveWidgetState(pctx, ws); err != nil {
		s.warn.Warn(s.log, "persist", "widget state not saved", logx.String("widget", id), logx.Err(err))
	}
}

// Restore seeds latest results from persisted state so a restarted node
// can answer full-state requests before the first cycle.
func (s *Scheduler) Restore(ctx context.Context) int {
	if s.states == nil {
		return 0
	}
	n := 0
	for _, inst := range s.all() {
		ws, err := s.states.LoadWidgetState(ctx, inst.id)
		if err != nil || len(ws.Result) == 0 {
			continue
		}
		var res sandbox.Result
		if err := json.Unmarshal(ws.Result, &res); err != nil {
			continue
		}
		inst.mu.Lock()
		if !inst.has {
			inst.latest, inst.has = res, true
			inst.errors = ws.ErrorCount
			if res.OK() {
				inst.previous = res.Data
			}
			n++
		}
		inst.mu.Unlock()
	}
	return n
}
