// Package app wires the scheduler, its guards, persistence and the ops surface into one
// process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"opscron/internal/autoheal"
	"opscron/internal/background"
	"opscron/internal/breaker"
	"opscron/internal/config"
	"opscron/internal/eventbus"
	"opscron/internal/eventbus/redisrelay"
	"opscron/internal/health"
	"opscron/internal/jobs"
	"opscron/internal/leader"
	"opscron/internal/metrics"
	"opscron/internal/notifier"
	"opscron/internal/ops"
	"opscron/internal/ratelimit"
	"opscron/internal/retry"
	rtsup "opscron/internal/runtime/supervisor"
	"opscron/internal/storage"
	"opscron/internal/transport/telegram/adapter"
	"opscron/internal/watchdog"
	logx "opscron/pkg/logx"
	"opscron/pkg/systemd"
)

type App struct {
	cfgm  *config.ConfigManager
	// res is the last applied config. Only the reload loop writes it after Start.
	res   *config.Resolved
	grace time.Duration

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	prom *metrics.Prometheus

	store    storage.Store
	backends *backends
	elector  leader.Elector
	relay    *redisrelay.Relay

	bg      *background.Service
	br      *breaker.Set
	ctrl    *retry.Controller
	reg     *jobs.Registry
	wd      *watchdog.Watchdog
	guard   *autoheal.Guard
	limiter *ratelimit.Limiter
	notif   *notifier.Service
	ops     *ops.Server

	sup     *rtsup.Supervisor
	stopped atomic.Bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	jobs JobFuncs
}

// WithJobs registers bodies for jobs the config file only tunes.
func WithJobs(fns JobFuncs) Option {
	return func(o *options) {
		if o.jobs == nil {
			o.jobs = JobFuncs{}
		}
		for k, v := range fns {
			o.jobs[k] = v
		}
	}
}

// New loads the config at path and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	r, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(r.Logging)
	a := &App{
		cfgm:  cfgm,
		res:   r,
		grace: r.Grace,
		logs:  logs,
		log:   log,
		bus:   eventbus.New(),
		prom:  metrics.NewPrometheus("opscron"),
	}
	if err := a.build(ctx, o); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		a.closeBackends()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	r := a.res
	log := a.log

	store, err := storage.Open(ctx, r.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store

	b, err := openBackends(ctx, r)
	if err != nil {
		return err
	}
	a.backends = b
	a.elector = buildElector(r, b, log)

	a.bg = background.New(r.Background, log.With(logx.String("comp", "background")), a.bus)
	a.br = breaker.New(r.Breaker,
		breaker.WithMetrics(a.prom),
		breaker.WithBus(a.bus),
		breaker.WithLogger(log.With(logx.String("comp", "breaker"))),
	)
	a.ctrl = retry.NewController(a.br,
		retry.WithMetrics(a.prom),
		retry.WithBus(a.bus),
		retry.WithLogger(log.With(logx.String("comp", "retry"))),
	)
	reg, err := jobs.NewRegistry(r.DefaultJob)
	if err != nil {
		return err
	}
	a.reg = reg

	wdOpts := []watchdog.Option{
		watchdog.WithMetrics(a.prom),
		watchdog.WithBus(a.bus),
		watchdog.WithLogger(log.With(logx.String("comp", "scheduler"))),
		watchdog.WithBackground(a.bg),
		watchdog.WithLeader(a.elector),
	}
	if store != nil {
		wdOpts = append(wdOpts, watchdog.WithPersister(store), watchdog.WithBreadcrumbs(store))
	}
	a.wd = watchdog.New(watchdog.Config{Tick: r.Tick, ShutdownGrace: r.Grace, Timezone: r.Timezone}, reg, a.br, a.ctrl, wdOpts...)

	a.guard = autoheal.New(a.wd, r.AutoHeal,
		autoheal.WithMetrics(a.prom),
		autoheal.WithBus(a.bus),
		autoheal.WithLogger(log.With(logx.String("comp", "autoheal"))),
	)
	if _, err := registerJobs(reg, r, o.jobs, a.wd, a.guard, log); err != nil {
		return err
	}

	a.limiter = ratelimit.New(r.RateLimit)

	if r.Telegram.Token != "" {
		ad, err := adapter.New(r.Telegram, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.notif = notifier.New(r.Notifier, ad, log.With(logx.String("comp", "notifier")), a.bus, store)
	}
	if r.RelayEnabled && b.rdb != nil {
		a.relay = redisrelay.New(b.rdb, a.bus, r.Relay, log.With(logx.String("comp", "relay")))
	}

	deps := ops.Deps{
		Scheduler:  a.wd,
		Healer:     a.guard,
		Limiter:    a.limiter,
		Background: a.bg.Snapshot,
		Metrics:    a.prom.Handler(),
	}
	if store != nil {
		deps.LastRuns = store
	}
	a.ops = ops.New(ops.Config{
		Addr:         r.Ops.Addr,
		Token:        r.Ops.Token,
		Pprof:        r.Ops.Pprof,
		ReadTimeout:  r.Ops.ReadTimeout,
		WriteTimeout: r.Ops.WriteTimeout,
		IdleTimeout:  r.Ops.IdleTimeout,
	}, deps, log)

	a.registerGauges()
	return nil
}

func (a *App) registerGauges() {
	a.prom.GaugeFunc("health_score", "Scheduler health score (0-100).", func() float64 {
		return health.Score(a.wd.Status()).Score
	})
	a.prom.GaugeFunc("active_jobs", "Jobs with a run in flight.", func() float64 {
		return float64(a.wd.Status().ActiveJobCount)
	})
	a.prom.GaugeFunc("abandoned_attempts_total", "Attempts abandoned after their timeout.", func() float64 {
		return float64(a.ctrl.Abandoned())
	})
	a.prom.GaugeFunc("detached_attempts", "Abandoned attempts whose goroutine has not returned yet.", func() float64 {
		return float64(a.ctrl.Detached())
	})
	a.prom.GaugeFunc("background_queue_length", "Queued background tasks.", func() float64 {
		return float64(a.bg.Snapshot().QueueLen)
	})
	a.prom.GaugeFunc("leader", "1 when this instance drives the scheduled tick.", func() float64 {
		if a.elector.IsLeader() {
			return 1
		}
		return 0
	})
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

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Logger() logx.Logger              { return a.log }
func (a *App) Watchdog() *watchdog.Watchdog     { return a.wd }
func (a *App) Registry() *jobs.Registry         { return a.reg }
func (a *App) Background() *background.Service { return a.bg }

// OpsAddr is the bound ops listen address, empty before Start.
func (a *App) OpsAddr() string { return a.ops.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	// Queues drain in Stop, so they must outlive the run context.
	drainCtx := context.WithoutCancel(runCtx)
	a.bg.Start(drainCtx)
	if a.res.TickEnabled {
		if err := a.wd.Start(runCtx); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduled tick disabled; manual triggers only")
	}

	a.sup.Go("ratelimit.sweep", a.limiter.Run)
	a.sup.GoRestart("leader", a.elector.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	if a.relay != nil {
		a.sup.GoRestart("relay", a.relay.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(drainCtx)
	}
	if err := a.ops.Start(runCtx); err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return !a.wd.Status().IsShuttingDown }, a.log.With(logx.String("comp", "systemd")))
	})

	a.log.Info("opscron started",
		logx.String("ops", a.ops.Addr()),
		logx.Bool("tick", a.res.TickEnabled),
		logx.Strings("jobs", a.reg.Names()),
		logx.Bool("storage", a.store != nil),
		logx.Bool("notifier", a.notif != nil && a.notif.Enabled()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel the app run context so background loops start unwinding. Job runs use the
	// scheduler's own context and are drained by the scheduler step.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first: it refuses new triggers and drains active runs.
	step("scheduler", a.grace+time.Second, a.wd.Shutdown)
	step("ops", 2*time.Second, a.ops.Shutdown)
	step("notifier", time.Second, func(c context.Context) error {
		if a.notif == nil {
			return nil
		}
		return a.notif.Stop(c)
	})
	step("background", 2*time.Second, a.bg.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("backends", time.Second, func(context.Context) error { a.closeBackends(); return nil })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeBackends() {
	if a.backends != nil {
		a.backends.Close()
	}
}

var (
	_ ops.Scheduler = (*watchdog.Watchdog)(nil)
	_ ops.Healer    = (*autoheal.Guard)(nil)
)
