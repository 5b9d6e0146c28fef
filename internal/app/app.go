// Package app wires the dashboard runtime: store, change feed, worker
// pool, sandbox, widget scheduler, rotations, hub and the screen
// transport, all under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"dashwall/internal/capability"
	"dashwall/internal/changes"
	"dashwall/internal/config"
	"dashwall/internal/eventbus"
	"dashwall/internal/hub"
	"dashwall/internal/hub/relay"
	"dashwall/internal/observability/pprof"
	"dashwall/internal/observability/tracing"
	"dashwall/internal/rotation"
	rtsup "dashwall/internal/runtime/supervisor"
	"dashwall/internal/sandbox"
	"dashwall/internal/store"
	"dashwall/internal/task/engine"
	"dashwall/internal/task/scheduler"
	"dashwall/internal/transport/socketio"
	"dashwall/internal/widget"
	logx "dashwall/pkg/logx"
)

const reconcileJob = "widgets.reconcile"

type Options struct {
	// LogLevel overrides logging.level.
	LogLevel string
}

type App struct {
	cfgm *config.Manager
	opts Options
	node string
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store store.Store
	hcl   *store.HCL
	feed  *changes.Feed

	engine  *engine.Service
	jobs    *scheduler.Service
	sandbox *sandbox.Sandbox
	hub     *hub.Hub
	relay   *relay.Redis
	rot     *rotation.Manager
	widgets *widget.Scheduler
	sio     *socketio.Server
	diag    *pprof.Service

	srv      *http.Server
	listener net.Listener

	traceShutdown tracing.Shutdown
	started       time.Time
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg, opts.LogLevel))
	a := &App{
		cfgm: cfgm,
		opts: opts,
		node: nodeID(cfg),
		log:  root.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg, root); err != nil {
		a.closeStores()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return err
	}
	base, err := store.Open(sc, root)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.hcl, _ = base.(*store.HCL)
	a.store = base

	feed, err := changes.NewFeed(mapChangesConfig(cfg), root)
	if err != nil {
		return fmt.Errorf("change feed: %w", err)
	}
	a.feed = feed
	a.store = store.WithChanges(base, feed, root)

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "engine")), a.bus)

	sbCfg, err := mapSandboxConfig(cfg)
	if err != nil {
		return err
	}
	if a.sandbox, err = sandbox.New(sbCfg, capability.Default(), root); err != nil {
		return err
	}

	sioCfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	a.sio = socketio.New(sioCfg, root)

	state := &screenState{}
	hubOpts := []hub.Option{
		hub.WithStateProvider(state),
		hub.WithBus(a.bus),
		hub.WithScreenIdle(a.screenIdle),
	}
	if cfg.Relay.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.relay, err = relay.NewRedis(ctx, mapRelayConfig(cfg, a.node), root)
		cancel()
		if err != nil {
			return err
		}
		hubOpts = append(hubOpts, hub.WithRelay(a.relay))
	}
	a.hub = hub.New(mapHubConfig(cfg), a.sio, root, hubOpts...)

	rotCfg, err := mapRotationConfig(cfg)
	if err != nil {
		return err
	}
	a.rot = rotation.New(rotCfg, a.store, a.hub, a.bus, root)

	wCfg, err := mapWidgetConfig(cfg)
	if err != nil {
		return err
	}
	a.widgets = widget.New(wCfg, a.store, a.sandbox, a.engine, a.hub, a.bus, root)

	state.widgets, state.cursors = a.widgets, a.rot
	a.sio.Bind(a.hub, a.rot)

	jobsCfg, err := mapJobsConfig(cfg)
	if err != nil {
		return err
	}
	a.jobs = scheduler.New(jobsCfg, a.engine, root)
	a.diag = pprof.New(mapDiagnosticsConfig(cfg), a.stats, a.health, root)
	return nil
}

// screenIdle runs when the last subscription of a screen goes away.
func (a *App) screenIdle(code string) {
	if a.rot != nil && a.rot.Stop(code) {
		a.log.Debug("screen idle; rotation stopped", logx.String("screen", code))
	}
}

func (a *App) Store() store.Store            { return a.store }
func (a *App) Widgets() *widget.Scheduler    { return a.widgets }
func (a *App) Rotations() *rotation.Manager  { return a.rot }
func (a *App) Hub() *hub.Hub                 { return a.hub }
func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Supervisor() *rtsup.Supervisor { return a.sup }
func (a *App) Diagnostics() *pprof.Service   { return a.diag }
func (a *App) Transport() *socketio.Server   { return a.sio }

// Addr is the bound public listener address, empty before Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()
	a.started = time.Now()

	shutdown, err := tracing.Setup(run, mapTracingConfig(cfg, a.node), a.log)
	if err != nil {
		a.log.Warn("tracing disabled", logx.Err(err))
		shutdown = func(context.Context) error { return nil }
	}
	a.traceShutdown = shutdown

	a.engine.Start(run)

	added, _, err := a.widgets.Sync(run)
	if err != nil {
		return fmt.Errorf("initial widget load: %w", err)
	}
	restored := a.widgets.Restore(run)
	a.widgets.Start(run)
	a.log.Info("widgets loaded", logx.Int("widgets", added), logx.Int("restored", restored))

	spec, err := mapReconcile(cfg)
	if err != nil {
		return err
	}
	if spec != "" {
		if err := a.jobs.Add(reconcileJob, spec, 30*time.Second, a.reconcile); err != nil {
			return err
		}
	}
	a.jobs.Start(run)

	applier := changeApplier{
		widgets:   a.widgets,
		rotations: a.rot,
		hub:       a.hub,
		log:       a.log.With(logx.String("comp", "changes")),
	}
	a.sup.GoRestart("changes.feed", func(c context.Context) error {
		return a.feed.Run(c, applier.Apply)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	select {
	case <-a.feed.Ready():
	case <-run.Done():
		return run.Err()
	case <-time.After(10 * time.Second):
		a.log.Warn("change feed not subscribed yet; relying on reconcile")
	}

	if a.hcl != nil && cfg.Store.Watch {
		a.sup.GoRestart("store.watch", func(c context.Context) error {
			return a.hcl.Watch(c, a.feed)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if a.relay != nil {
		a.sup.GoRestart("relay.publish", a.relay.RunPublisher,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		a.sup.GoRestart("relay.subscribe", func(c context.Context) error {
			return a.relay.RunSubscriber(c, a.hub)
		}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	if err := a.serve(cfg); err != nil {
		return err
	}
	a.diag.Start(run)

	// Keep this debug-level: widgets execute constantly.
	events, unsub := a.bus.Subscribe(128, "rotation.", "hub.dropped", "task.dropped")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateMapped(c) })
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("node", a.node),
		logx.String("addr", a.Addr()),
		logx.String("capabilities", a.sandbox.Filter().Version()),
	)
	return nil
}

func (a *App) serve(cfg *config.Config) error {
	ln, err := net.Listen("tcp", serverAddr(cfg))
	if err != nil {
		return fmt.Errorf("listen %s: %w", serverAddr(cfg), err)
	}
	a.listener = ln

	mux := http.NewServeMux()
	path := strings.TrimSuffix(a.sio.Path(), "/") + "/"
	mux.Handle(path, a.sio.Handler())
	a.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.sup.Go("http.serve", func(context.Context) error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

func (a *App) reconcile(ctx context.Context) error {
	added, removed, err := a.widgets.Sync(ctx)
	if err != nil {
		return err
	}
	if added > 0 || removed > 0 {
		a.log.Info("widgets reconciled", logx.Int("added", added), logx.Int("removed", removed))
	}
	return nil
}

// applyConfig applies the live-reloadable sections of next.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strs("sections", restart))
	}

	a.logs.Apply(mapLogging(next, a.opts.LogLevel))

	if engCfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}
	a.diag.Reconfigure(ctx, mapDiagnosticsConfig(next))

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stats is the /stats document.
type Stats struct {
	Node      string             `json:"node"`
	Uptime    string             `json:"uptime"`
	Engine    engine.Snapshot    `json:"engine"`
	Jobs      scheduler.Snapshot `json:"jobs"`
	Widgets   widget.Stats       `json:"widgets"`
	Sandbox   sandbox.Stats      `json:"sandbox"`
	Rotations rotation.Stats     `json:"rotations"`
	Hub       hub.Stats          `json:"hub"`
	Transport socketio.Stats     `json:"transport"`
	Relay     *relay.Stats       `json:"relay,omitempty"`
	Loops     rtsup.Snapshot     `json:"loops"`
}

func (a *App) stats() any {
	eng := a.engine.Snapshot()
	eng.History = nil
	st := Stats{
		Node:      a.node,
		Uptime:    time.Since(a.started).Truncate(time.Second).String(),
		Engine:    eng,
		Jobs:      a.jobs.Snapshot(),
		Widgets:   a.widgets.Stats(),
		Sandbox:   a.sandbox.Stats(),
		Rotations: a.rot.Stats(),
		Hub:       a.hub.Stats(),
		Transport: a.sio.Stats(),
	}
	if a.relay != nil {
		rs := a.relay.Stats()
		st.Relay = &rs
	}
	if a.sup != nil {
		st.Loops = a.sup.Snapshot()
	}
	return st
}

func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Context().Err(); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	cfg := a.cfgm.Get()
	grace := shutdownGrace(cfg)

	// Stop accepting screens before the supervisor context goes away.
	a.step(ctx, "http", grace, func(c context.Context) error {
		if a.srv == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})

	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.step(ctx, "widgets", 2*time.Second, func(c context.Context) error { a.widgets.Stop(c); return nil })
	a.step(ctx, "rotations", time.Second, func(context.Context) error { a.rot.Close(); return nil })
	a.step(ctx, "engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "transport", time.Second, func(context.Context) error { a.sio.Close(); return nil })
	a.step(ctx, "hub", 2*time.Second, a.hub.Close)
	a.step(ctx, "diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.step(ctx, "tracing", 3*time.Second, func(c context.Context) error { return a.traceShutdown(c) })

	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { a.closeStores(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() {
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.log.Warn("relay close failed", logx.Err(err))
		}
	}
	if a.feed != nil {
		if err := a.feed.Close(); err != nil {
			a.log.Warn("change feed close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
	}
}

// step runs one shutdown step bounded by max so a stuck component cannot
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
