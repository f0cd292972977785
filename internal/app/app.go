// Package app wires the scheduling components into a runnable daemon:
// config file in, manager + schedules + audit journal out, with hot
// reload of the config file while running.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskmill/internal/config"
	"taskmill/internal/eventbus"
	"taskmill/internal/pool"
	"taskmill/internal/ratelimit"
	"taskmill/internal/runtime/supervisor"
	"taskmill/internal/storage"
	"taskmill/internal/task/manager"
	"taskmill/internal/task/schedule"
	logx "taskmill/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	mgr   *manager.Service
	sched *schedule.Service

	// submitLimit throttles schedule-triggered submissions when
	// rate_limit is configured; nil means unlimited.
	submitLimit *ratelimit.Limiter

	journal *storage.Journal
	handles *pool.Pool[*storage.Handle]
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
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

	defaultTimeout, err := config.ParseDurationField("manager.default_timeout", cfg.Manager.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	mgr := manager.New(manager.Config{
		MaxConcurrent:     cfg.Manager.MaxConcurrent,
		DefaultTimeout:    defaultTimeout,
		DefaultMaxRetries: cfg.Manager.DefaultMaxRetries,
		RetentionSize:     cfg.Manager.RetentionSize,
	}, log.With(logx.String("comp", "manager")), bus)

	sched := schedule.New(schedule.Config{
		Timezone: cfg.ScheduleTimezone,
	}, mgr, log.With(logx.String("comp", "schedule")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		mgr:     mgr,
		sched:   sched,
	}

	if cfg.RateLimit.Limit > 0 {
		window, err := config.ParseDurationOrDefault("rate_limit.window", cfg.RateLimit.Window, time.Second)
		if err != nil {
			return nil, err
		}
		a.submitLimit = ratelimit.New(cfg.RateLimit.Limit, window)
	}

	if cfg.Storage != nil {
		busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		j, err := storage.Open(storage.Config{
			Path:        cfg.Storage.Path,
			BusyTimeout: busyTimeout,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.journal = j

		idleWait, err := config.ParseDurationField("pool.idle_wait", cfg.Pool.IdleWait)
		if err != nil {
			return nil, err
		}
		a.handles = pool.New(pool.Config{
			Min:      cfg.Pool.Min,
			Max:      cfg.Pool.Max,
			IdleWait: idleWait,
			Log:      log.With(logx.String("comp", "pool")),
		}, storage.NewFactory(cfg.Storage.Path))
	}

	return a, nil
}

func (a *App) Manager() *manager.Service    { return a.mgr }
func (a *App) Schedules() *schedule.Service { return a.sched }

// Done is closed when the run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Manager.MaxConcurrent < 0 {
			return fmt.Errorf("manager.max_concurrent must be >= 0")
		}
		for _, sc := range cfg.Schedules {
			if _, err := schedule.ParseSpec(sc.Spec); err != nil {
				return fmt.Errorf("schedules[%s]: %w", sc.Name, err)
			}
		}
		return nil
	})

	a.mgr.Start(a.sup.Context())

	if a.journal != nil {
		a.sup.Go("storage.recorder", func(c context.Context) error {
			return storage.RunRecorder(c, a.bus, a.journal, a.log.With(logx.String("comp", "recorder")))
		})
		if a.handles != nil {
			if err := a.handles.Initialize(a.sup.Context()); err != nil {
				return err
			}
			// periodic journal depth probe through a pooled handle
			_ = a.sched.AddInterval("audit.depth", time.Minute, manager.SubmitOptions{
				Priority: manager.PriorityLow,
			}, a.auditDepthWork)
		}
	}

	cfg := a.cfgm.Get()
	if err := a.applySchedules(cfg.Schedules); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest snapshot.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started", logx.Int("schedules", len(a.sched.Names())))
	return nil
}

// applyReload maps a hot-reloaded config onto the running services.
// Manager sizing is constructor-only and needs a restart; logging and
// schedules apply live.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if err := a.applySchedules(cfg.Schedules); err != nil {
		a.log.Warn("schedule reload failed", logx.Any("err", err))
	}

	a.log.Info("config reloaded", logx.Int("schedules", len(cfg.Schedules)))
}

// applySchedules reconciles the registered schedule set against the
// config: upserts everything listed, removes what disappeared.
// Internal schedules (names with a dot prefix component like "audit.")
// registered by the app itself are left alone.
func (a *App) applySchedules(list []config.ScheduleConfig) error {
	want := make(map[string]bool, len(list))
	for _, sc := range list {
		want[sc.Name] = true
	}
	for _, name := range a.sched.Names() {
		if strings.HasPrefix(name, "audit.") {
			continue
		}
		if !want[name] {
			a.sched.Remove(name)
		}
	}

	for _, sc := range list {
		timeout, err := config.ParseDurationField("schedules.timeout", sc.Timeout)
		if err != nil {
			return err
		}
		opts := manager.SubmitOptions{
			Priority:   manager.ParsePriority(sc.Priority, manager.PriorityNormal),
			MaxRetries: sc.MaxRetries,
			Timeout:    timeout,
		}
		if err := a.sched.Add(sc.Name, sc.Spec, opts, a.heartbeatWork(sc.Name)); err != nil {
			return err
		}
	}
	return nil
}

// heartbeatWork returns the body run by config-declared schedules: it
// snapshots manager stats so each fire leaves an auditable record.
func (a *App) heartbeatWork(name string) manager.Work {
	return func(ctx context.Context) (any, error) {
		if a.submitLimit != nil && !a.submitLimit.TryAcquire() {
			return nil, fmt.Errorf("schedule %s throttled", name)
		}
		st := a.mgr.Stats()
		a.log.Debug("heartbeat",
			logx.String("schedule", name),
			logx.Uint64("completed", st.Completed),
			logx.Uint64("failed", st.Failed),
			logx.Int("running", st.Running),
			logx.Int("pending", st.Pending))
		return st, ctx.Err()
	}
}

// auditDepthWork probes journal depth through a pooled handle.
func (a *App) auditDepthWork(ctx context.Context) (any, error) {
	h, err := a.handles.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer a.handles.Release(h)

	n, err := h.Count(ctx)
	if err != nil {
		return nil, err
	}
	a.log.Debug("audit depth", logx.Int64("rows", n), logx.Int("pool_active", a.handles.Active()))
	return n, nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name), logx.Any("err", stepCtx.Err()))
		}
	}

	step("schedule", 2*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("manager", 5*time.Second, func(c context.Context) { a.mgr.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	if a.handles != nil {
		a.handles.CloseAll()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("journal close failed", logx.Any("err", err))
		}
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
