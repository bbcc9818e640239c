package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	rtsup "opscron/internal/runtime/supervisor"
	"opscron/internal/schedule"
	logx "opscron/pkg/logx"
)

// Start launches the schedule tick. It is a no-op when already started or shutting down.
func (w *Watchdog) Start(ctx context.Context) error {
	loc := time.Local
	if tz := strings.TrimSpace(w.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}

	w.mu.Lock()
	if w.started || w.shuttingDown {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.anchor = time.Now()
	w.sup = rtsup.New(ctx, rtsup.WithLogger(w.log), rtsup.WithCancelOnError(false))
	w.cron = cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger{w.log})))
	c := w.cron
	sup := w.sup
	w.mu.Unlock()

	w.seedFiredAt(ctx)

	if _, err := c.AddFunc("@every "+w.cfg.Tick.String(), func() { w.Tick(w.runCtx, time.Now()) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	sup.Go0("tick", func(ctx context.Context) {
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
	})
	w.log.Info("scheduler started", logx.Duration("tick", w.cfg.Tick), logx.String("tz", loc.String()), logx.Int("jobs", len(w.reg.Names())))
	return nil
}

// seedFiredAt restores last-run times so a restart does not immediately refire every job.
func (w *Watchdog) seedFiredAt(ctx context.Context) {
	loader, ok := w.persister.(LastRunLoader)
	if !ok {
		return
	}
	for _, name := range w.reg.Names() {
		lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		at, found, err := loader.LastRun(lctx, name)
		cancel()
		if err != nil {
			w.log.Debug("last run not restored", logx.String("job", name), logx.Err(err))
			continue
		}
		if found {
			w.mu.Lock()
			w.firedAt[name] = at
			w.mu.Unlock()
		}
	}
}

// Tick fires every scheduled job whose next activation is at or before now. Each due job
// runs on its own goroutine; Tick itself never blocks on job bodies.
func (w *Watchdog) Tick(ctx context.Context, now time.Time) {
	w.mu.Lock()
	if w.shuttingDown {
		w.mu.Unlock()
		return
	}
	anchor := w.anchor
	if anchor.IsZero() {
		anchor = now
		w.anchor = now
	}
	sup := w.sup
	w.mu.Unlock()

	if w.leader != nil && !w.leader.IsLeader() {
		w.log.Trace("tick skipped: not leader")
		return
	}

	for name, cfg := range w.reg.Configs() {
		if cfg.Schedule == "" {
			continue
		}
		spec, err := w.spec(name, cfg.Schedule)
		if err != nil {
			w.log.Warn("bad schedule", logx.String("job", name), logx.String("schedule", cfg.Schedule), logx.Err(err))
			continue
		}

		w.mu.Lock()
		var last *time.Time
		if t, ok := w.firedAt[name]; ok {
			last = &t
		}
		due := spec.Due(last, anchor, now)
		if due {
			w.firedAt[name] = now
		}
		w.mu.Unlock()
		if !due {
			continue
		}

		job := name
		run := func(context.Context) { w.runScheduled(ctx, job) }
		if sup != nil {
			sup.Go0("run."+job, run)
		} else {
			go run(ctx)
		}
	}
}

func (w *Watchdog) runScheduled(ctx context.Context, name string) {
	_, err := w.TriggerJobWithKind(ctx, name, TriggerTick)
	if err == nil {
		return
	}
	if reason, ok := skipReason(err); ok {
		w.recordSkip(name, TriggerTick, reason)
		return
	}
	w.log.Warn("scheduled trigger failed", logx.String("job", name), logx.Err(err))
}

// spec returns the parsed schedule of job, reparsing when raw no longer matches the cached one.
func (w *Watchdog) spec(job, raw string) (schedule.Spec, error) {
	w.specMu.Lock()
	defer w.specMu.Unlock()
	if c, ok := w.specs[job]; ok && c.raw == raw {
		return c.spec, nil
	}
	s, err := schedule.Parse(raw)
	if err != nil {
		return schedule.Spec{}, err
	}
	w.specs[job] = cachedSpec{raw: raw, spec: s}
	return s, nil
}

// NextRuns reports the next activation of every scheduled job.
func (w *Watchdog) NextRuns(now time.Time) map[string]time.Time {
	out := map[string]time.Time{}
	for name, cfg := range w.reg.Configs() {
		if cfg.Schedule == "" {
			continue
		}
		spec, err := w.spec(name, cfg.Schedule)
		if err != nil {
			continue
		}
		w.mu.Lock()
		from, ok := w.firedAt[name]
		if !ok {
			from = w.anchor
		}
		w.mu.Unlock()
		if from.IsZero() {
			from = now
		}
		out[name] = spec.Next(from)
	}
	return out
}

// Shutdown refuses new triggers, stops the tick and waits for active runs up to the
// configured grace (or ctx, whichever ends first). On timeout the remaining runs are
// signalled through their context and left behind.
func (w *Watchdog) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.shuttingDown {
		w.mu.Unlock()
		return nil
	}
	w.shuttingDown = true
	sup := w.sup
	active := len(w.active)
	w.mu.Unlock()

	start := time.Now()
	w.log.Info("scheduler shutting down", logx.Int("active", active), logx.Duration("grace", w.cfg.ShutdownGrace))
	if sup != nil {
		sup.Cancel()
	}

	gctx, cancel := context.WithTimeout(ctx, w.cfg.ShutdownGrace)
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-gctx.Done():
		w.runCancel()
		w.mu.Lock()
		left := make([]string, 0, len(w.active))
		for name := range w.active {
			left = append(left, name)
		}
		w.mu.Unlock()
		w.log.Warn("scheduler shutdown timed out", logx.Strings("abandoned", left), logx.Duration("took", time.Since(start)))
		return fmt.Errorf("%w: %d run(s) still active", ErrShutdownTimeout, len(left))
	}

	w.runCancel()
	if sup != nil {
		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		err := sup.Wait(wctx)
		wcancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Debug("scheduler supervisor", logx.Err(err))
		}
	}
	w.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// cronLogger routes robfig/cron's internal logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron."+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron."+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
