package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workd/internal/backend"
	"workd/internal/constraint"
	"workd/internal/dispatch"
	"workd/internal/eventbus"
	"workd/internal/graph"
	"workd/internal/manager"
	"workd/internal/observability/diag"
	"workd/internal/ops"
	"workd/internal/store"
	"workd/internal/work"
	logx "workd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   store.Store
	feed    *constraint.Feed
	tracker *graph.Tracker
	watcher *ops.Watcher

	registry *backend.Registry
	be       *backend.Local
	disp     *dispatch.Dispatcher
	mgr      *manager.Manager
	jan      *Janitor
	diag     *diag.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")), bus)
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver))

	feed := constraint.NewFeed(log.With(logx.String("comp", "constraints")), bus)
	tracker := graph.NewTracker(st, log.With(logx.String("comp", "tracker")))
	watcher := ops.NewWatcher(st, bus, log.With(logx.String("comp", "watcher")))
	reg := backend.NewRegistry()

	bcfg, err := mapBackendConfig(cfg)
	if err != nil {
		return nil, err
	}
	// The sink closes over disp: the backend is built before the dispatcher
	// but delivers no results until both are started.
	var disp *dispatch.Dispatcher
	be := backend.NewLocal(bcfg, reg, func(res backend.Result) {
		disp.Sink()(res)
	}, log.With(logx.String("comp", "backend")))

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp = dispatch.New(dcfg, st, tracker, feed, be, log.With(logx.String("comp", "dispatch")), bus)

	pol, err := mapPolicy(cfg)
	if err != nil {
		return nil, err
	}
	mgr := manager.New(pol, st, tracker, watcher, log.With(logx.String("comp", "manager")))

	js, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	jan := NewJanitor(js, st, log)

	dc, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}
	dg := diag.New(dc, func(ctx context.Context) any {
		states, _ := mgr.Stats(ctx)
		return struct {
			States   map[work.State]int `json:"states"`
			Dispatch dispatch.Snapshot  `json:"dispatch"`
		}{States: states, Dispatch: disp.Snapshot(ctx)}
	}, log.With(logx.String("comp", "diag")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		feed:     feed,
		tracker:  tracker,
		watcher:  watcher,
		registry: reg,
		be:       be,
		disp:     disp,
		mgr:      mgr,
		jan:      jan,
		diag:     dg,
	}, nil
}

// Manager is the enqueue/cancel/observe surface embedding programs use.
func (a *App) Manager() *manager.Manager { return a.mgr }

// Runners exposes the registry so the embedding program can register job
// bodies before Start.
func (a *App) Runners() *backend.Registry { return a.registry }

// Facts exposes the constraint feed (network/idle/charging signals).
func (a *App) Facts() *constraint.Feed { return a.feed }

// Dispatch returns live dispatcher diagnostics.
func (a *App) Dispatch(ctx context.Context) dispatch.Snapshot { return a.disp.Snapshot(ctx) }

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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBackendConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPolicy(cfg); err != nil {
			return err
		}
		if _, err := mapJanitorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDiagConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.be.Start(a.sup.Context())
	a.disp.Start(a.sup.Context())
	if err := a.jan.Start(); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	if err := a.diag.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("diag: %w", err)
	}

	// Debug-level event trace; components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("kind", string(e.Kind)), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("sd.watchdog", func(c context.Context) error {
		return watchdogLoop(c, a.log)
	})

	notifyReady(a.log)
	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		case "policy":
			if pol, err := mapPolicy(newCfg); err == nil {
				a.mgr.SetPolicy(pol)
			} else {
				a.log.Warn("invalid policy config; keeping previous", logx.Err(err))
			}
		case "janitor":
			if js, err := mapJanitorConfig(newCfg); err == nil {
				a.jan.Apply(js)
			} else {
				a.log.Warn("invalid janitor config; keeping previous", logx.Err(err))
			}
		case "diag":
			if dc, err := mapDiagConfig(newCfg); err == nil {
				if err := a.diag.Reconfigure(a.sup.Context(), dc); err != nil {
					a.log.Warn("diag reconfigure failed", logx.Err(err))
				}
			} else {
				a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
			}
		case "storage", "dispatcher", "backend":
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Dispatcher first so nothing new reaches the backend, then drain the
	// backend, then auxiliary services, storage last.
	step("dispatcher", 2*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("backend", 3*time.Second, func(c context.Context) error { a.be.Stop(c); return nil })
	step("janitor", 1*time.Second, func(c context.Context) error { a.jan.Stop(c); return nil })
	step("diag", 1*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
