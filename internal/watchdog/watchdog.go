// Package watchdog owns live job state and is the single entry point for running jobs.
//
// Every trigger, whether from the cron tick, an operator or the auto-heal guard, goes
// through TriggerJobWithKind. The refusal checks and the mark-active step share one critical
// section, so at most one run per job name is ever in flight.
package watchdog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"opscron/internal/background"
	"opscron/internal/breaker"
	"opscron/internal/eventbus"
	"opscron/internal/jobs"
	"opscron/internal/metrics"
	"opscron/internal/retry"
	rtsup "opscron/internal/runtime/supervisor"
	"opscron/internal/schedule"
	"opscron/internal/storage"
	logx "opscron/pkg/logx"
)

type Watchdog struct {
	cfg  Config
	reg  *jobs.Registry
	br   *breaker.Set
	ctrl *retry.Controller

	sink      metrics.Sink
	bus       eventbus.Bus
	log       logx.Logger
	persister LastRunPersister
	crumbs    BreadcrumbWriter
	bg        Enqueuer
	leader    Leader

	mu           sync.Mutex
	states       map[string]*runState
	active       map[string]*activeRun
	paused       map[string]struct{}
	firedAt      map[string]time.Time
	started      bool
	shuttingDown bool
	anchor       time.Time
	sup          *rtsup.Supervisor
	cron         *cron.Cron

	// runs counts in-flight runs; Add happens under mu while not shutting down.
	runs sync.WaitGroup

	// runCtx is handed to tick and auto-heal runs and cancelled once the shutdown grace lapses.
	runCtx    context.Context
	runCancel context.CancelFunc

	specMu sync.Mutex
	specs  map[string]cachedSpec // by job name
}

type cachedSpec struct {
	raw  string
	spec schedule.Spec
}

type Option func(*Watchdog)

func WithMetrics(sink metrics.Sink) Option      { return func(w *Watchdog) { w.sink = metrics.OrNop(sink) } }
func WithBus(bus eventbus.Bus) Option           { return func(w *Watchdog) { w.bus = bus } }
func WithLogger(log logx.Logger) Option         { return func(w *Watchdog) { w.log = log } }
func WithPersister(p LastRunPersister) Option   { return func(w *Watchdog) { w.persister = p } }
func WithBreadcrumbs(b BreadcrumbWriter) Option { return func(w *Watchdog) { w.crumbs = b } }
func WithBackground(e Enqueuer) Option          { return func(w *Watchdog) { w.bg = e } }
func WithLeader(l Leader) Option                { return func(w *Watchdog) { w.leader = l } }

func New(cfg Config, reg *jobs.Registry, br *breaker.Set, ctrl *retry.Controller, opts ...Option) *Watchdog {
	runCtx, runCancel := context.WithCancel(context.Background())
	w := &Watchdog{
		cfg:       cfg.withDefaults(),
		reg:       reg,
		br:        br,
		ctrl:      ctrl,
		sink:      metrics.Nop{},
		states:    map[string]*runState{},
		active:    map[string]*activeRun{},
		paused:    map[string]struct{}{},
		firedAt:   map[string]time.Time{},
		specs:     map[string]cachedSpec{},
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// RunContext is the context scheduled and auto-heal runs execute under.
func (w *Watchdog) RunContext() context.Context { return w.runCtx }

func (w *Watchdog) Registry() *jobs.Registry { return w.reg }

// TriggerJob runs name now as a manual trigger and waits for it to finish.
func (w *Watchdog) TriggerJob(ctx context.Context, name string) (Result, error) {
	return w.TriggerJobWithKind(ctx, name, TriggerManual)
}

// TriggerJobWithKind runs name and waits for the outcome. Control-flow refusals (unknown,
// shutting down, paused, already running, breaker open) are returned as errors before any
// attempt; attempt failures are reported in Result.
func (w *Watchdog) TriggerJobWithKind(ctx context.Context, name string, kind TriggerKind) (Result, error) {
	run, fn, cfg, err := w.begin(name, kind)
	if err != nil {
		return Result{}, err
	}
	return w.execute(ctx, name, run, fn, cfg)
}

// Dispatch starts name in the background once every refusal check has passed and returns
// the run id with a channel that receives the result. Runs use RunContext.
func (w *Watchdog) Dispatch(name string, kind TriggerKind) (string, <-chan Result, error) {
	run, fn, cfg, err := w.begin(name, kind)
	if err != nil {
		return "", nil, err
	}
	if !w.br.Allowed(name) {
		w.markIdle(name)
		w.runs.Done()
		return "", nil, w.openError(name)
	}
	ch := make(chan Result, 1)
	go func() {
		res, err := w.execute(w.runCtx, name, run, fn, cfg)
		if err != nil {
			res.Error = err.Error()
		}
		ch <- res
		close(ch)
	}()
	return run.runID, ch, nil
}

func (w *Watchdog) openError(name string) error {
	snap := w.br.Snapshot(name)
	e := &breaker.CircuitOpenError{Job: name, State: snap.State}
	if snap.OpenedAt != nil {
		e.OpenedAt = *snap.OpenedAt
	}
	if snap.RetryAt != nil && snap.State == breaker.Open {
		e.RetryAt = *snap.RetryAt
	}
	return e
}

// begin performs the refusal checks and marks name active in one critical section.
func (w *Watchdog) begin(name string, kind TriggerKind) (*activeRun, jobs.Func, jobs.Config, error) {
	fn, cfg, err := w.reg.Lookup(name)
	if err != nil {
		return nil, nil, jobs.Config{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.shuttingDown:
		return nil, nil, jobs.Config{}, jobErr(ErrShuttingDown, name)
	case w.isPausedLocked(name):
		return nil, nil, jobs.Config{}, jobErr(ErrPausedJob, name)
	case w.active[name] != nil:
		return nil, nil, jobs.Config{}, jobErr(ErrAlreadyRunning, name)
	}
	run := &activeRun{runID: uuid.NewString(), kind: kind, startedAt: time.Now()}
	w.active[name] = run
	w.stateLocked(name).IsActive = true
	w.runs.Add(1)
	return run, fn, cfg, nil
}

func (w *Watchdog) execute(ctx context.Context, name string, run *activeRun, fn jobs.Func, cfg jobs.Config) (Result, error) {
	defer w.runs.Done()

	res := Result{Job: name, RunID: run.runID, Trigger: run.kind, StartedAt: run.startedAt}
	out, err := w.ctrl.Run(ctx, name, fn, cfg, w.observer(run))
	if err != nil {
		w.markIdle(name)
		w.log.Info("job.refused", logx.String("job", name), logx.String("trigger", string(run.kind)), logx.Err(err))
		return res, err
	}

	res.FinishedAt = time.Now()
	res.Success = out.Success
	res.Attempts = out.Attempts
	res.Duration = out.Duration.Milliseconds()
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	w.complete(name, run, out)
	w.afterRun(res, out.Duration)
	return res, nil
}

// observer tracks the current attempt for RetryState and announces the first attempt.
func (w *Watchdog) observer(run *activeRun) retry.AttemptObserver {
	return func(job string, attempt int, startedAt time.Time, lastErr error) {
		w.mu.Lock()
		run.attempt = attempt
		run.attemptStartedAt = startedAt
		if lastErr != nil {
			run.lastErr = lastErr.Error()
		}
		w.mu.Unlock()
		if attempt == 1 {
			eventbus.Emit(w.bus, eventbus.JobStarted{Job: job, RunID: run.runID, Trigger: string(run.kind)})
			w.log.Debug("job.started", logx.String("job", job), logx.String("run_id", run.runID), logx.String("trigger", string(run.kind)))
		}
	}
}

func (w *Watchdog) markIdle(name string) {
	w.mu.Lock()
	delete(w.active, name)
	w.stateLocked(name).IsActive = false
	w.mu.Unlock()
}

func (w *Watchdog) complete(name string, run *activeRun, out retry.Outcome) {
	startedAt := run.startedAt

	w.mu.Lock()
	delete(w.active, name)
	st := w.stateLocked(name)
	st.IsActive = false
	st.LastRunAt = &startedAt
	st.LastDuration = out.Duration
	st.LastDurationMs = out.Duration.Milliseconds()
	st.LastSuccess = out.Success
	st.LastAttempts = out.Attempts
	st.LastError = ""
	if out.Err != nil {
		st.LastError = out.Err.Error()
	}
	st.RunCount++
	st.TimeoutCount += out.Timeouts
	if out.Attempts > 1 {
		st.RetryCount += out.Attempts - 1
	}
	if !out.Success {
		st.ErrorCount++
	}
	st.pushOutcome(out.Success)
	w.mu.Unlock()

	sec := out.Duration.Seconds()
	if out.Success {
		w.sink.RecordCronJobRun(name, metrics.StatusSuccess, sec)
		w.log.Info("job.finished", logx.String("job", name), logx.String("run_id", run.runID), logx.Int("attempts", out.Attempts), logx.Duration("dur", out.Duration))
	} else {
		w.sink.RecordCronJobRun(name, metrics.StatusFailure, sec)
		w.sink.RecordCronJobError(name, retry.ErrorType(out.Err))
		w.log.Warn("job.failed", logx.String("job", name), logx.String("run_id", run.runID), logx.Int("attempts", out.Attempts), logx.Duration("dur", out.Duration), logx.Err(out.Err))
	}
}

// afterRun publishes the finish event and hands persistence to the background worker.
func (w *Watchdog) afterRun(res Result, dur time.Duration) {
	eventbus.Emit(w.bus, eventbus.JobFinished{
		Job:      res.Job,
		RunID:    res.RunID,
		Trigger:  string(res.Trigger),
		Success:  res.Success,
		Attempts: res.Attempts,
		Duration: dur,
		Error:    res.Error,
	})

	if w.persister != nil {
		job, at := res.Job, res.StartedAt
		w.fireAndForget("persist_last_run", func(ctx context.Context) error {
			return w.persister.PersistLastRun(ctx, job, at)
		})
	}
	if w.crumbs != nil {
		crumb := storage.Breadcrumb{
			ID:        uuid.NewString(),
			Job:       res.Job,
			RunID:     res.RunID,
			Trigger:   string(res.Trigger),
			StartedAt: res.StartedAt,
			Duration:  dur,
			Success:   res.Success,
			Attempts:  res.Attempts,
			Error:     res.Error,
		}
		w.fireAndForget("breadcrumb", func(ctx context.Context) error {
			return w.crumbs.AppendBreadcrumb(ctx, crumb)
		})
	}
}

func (w *Watchdog) fireAndForget(name string, fn func(ctx context.Context) error) {
	if w.bg == nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := fn(ctx); err != nil {
				w.log.Debug("persist failed", logx.String("task", name), logx.Err(err))
			}
		}()
		return
	}
	if err := w.bg.Enqueue(background.Task{Name: name, Run: fn}); err != nil {
		w.log.Debug("persist not queued", logx.String("task", name), logx.Err(err))
	}
}

func (w *Watchdog) stateLocked(name string) *runState {
	st := w.states[name]
	if st == nil {
		st = &runState{}
		w.states[name] = st
	}
	return st
}

func (w *Watchdog) isPausedLocked(name string) bool {
	_, ok := w.paused[name]
	return ok
}

// Status is a point-in-time snapshot. It never waits on in-flight runs.
func (w *Watchdog) Status() Status {
	names := w.reg.Names()

	w.mu.Lock()
	st := Status{
		IsRunning:      w.started && !w.shuttingDown,
		IsShuttingDown: w.shuttingDown,
		ActiveJobs:     make([]string, 0, len(w.active)),
		JobMetrics:     make(map[string]JobRunState, len(names)),
		PausedJobs:     w.pausedLocked(),
	}
	for name := range w.active {
		st.ActiveJobs = append(st.ActiveJobs, name)
	}
	for _, name := range names {
		if rs := w.states[name]; rs != nil {
			st.JobMetrics[name] = rs.snapshot()
		} else {
			st.JobMetrics[name] = JobRunState{}
		}
	}
	w.mu.Unlock()

	sort.Strings(st.ActiveJobs)
	st.ActiveJobCount = len(st.ActiveJobs)
	st.IsLeader = w.leader == nil || w.leader.IsLeader()
	st.CircuitBreakers = make(map[string]breaker.Snapshot, len(names))
	for _, name := range names {
		st.CircuitBreakers[name] = w.br.Snapshot(name)
	}
	st.AbandonedAttempts = w.ctrl.Abandoned()
	st.DetachedAttempts = w.ctrl.Detached()
	return st
}

// JobState returns the live state of one job.
func (w *Watchdog) JobState(name string) (JobRunState, error) {
	if !w.reg.Has(name) {
		return JobRunState{}, jobs.UnknownJobError(name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if rs := w.states[name]; rs != nil {
		return rs.snapshot(), nil
	}
	return JobRunState{}, nil
}

// LastRuns reports live last-run times only; persisted fallbacks are the caller's concern.
func (w *Watchdog) LastRuns() LastRuns {
	w.mu.Lock()
	defer w.mu.Unlock()
	get := func(name string) *time.Time {
		if rs := w.states[name]; rs != nil && rs.LastRunAt != nil {
			t := *rs.LastRunAt
			return &t
		}
		return nil
	}
	return LastRuns{
		Forecast:   get(jobs.AIForecast),
		Learning:   get(jobs.AILearning),
		Governance: get(jobs.GovernanceScore),
	}
}

// PauseJob and ResumeJob are idempotent and never interrupt an in-flight run.
func (w *Watchdog) PauseJob(name string) error  { return w.setPaused(name, true) }
func (w *Watchdog) ResumeJob(name string) error { return w.setPaused(name, false) }

func (w *Watchdog) IsPaused(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isPausedLocked(name)
}

func (w *Watchdog) PausedJobs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pausedLocked()
}

func (w *Watchdog) pausedLocked() []string {
	out := make([]string, 0, len(w.paused))
	for name := range w.paused {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (w *Watchdog) setPaused(name string, paused bool) error {
	if !w.reg.Has(name) {
		return jobs.UnknownJobError(name)
	}
	w.mu.Lock()
	was := w.isPausedLocked(name)
	if paused {
		w.paused[name] = struct{}{}
	} else {
		delete(w.paused, name)
	}
	w.mu.Unlock()

	if was == paused {
		return nil
	}
	eventbus.Emit(w.bus, eventbus.JobPauseChanged{Job: name, Paused: paused})
	w.log.Info("job.pause_changed", logx.String("job", name), logx.Bool("paused", paused))
	return nil
}

func (w *Watchdog) ResetCircuitBreaker(name string) (ResetResult, error) {
	if !w.reg.Has(name) {
		err := jobs.UnknownJobError(name)
		return ResetResult{Job: name, Error: err.Error()}, err
	}
	prev := w.br.Reset(name, breaker.ResetManual)
	return ResetResult{Job: name, Success: true, PreviousState: prev}, nil
}

// ResetAllCircuitBreakers resets every open or half-open breaker.
func (w *Watchdog) ResetAllCircuitBreakers() ResetAllResult {
	names := w.br.ResetAll()
	out := ResetAllResult{ResetCount: len(names), Results: make([]ResetResult, 0, len(names))}
	for _, name := range names {
		out.Results = append(out.Results, ResetResult{Job: name, Success: true})
	}
	if len(names) > 0 {
		w.log.Info("breaker.reset_all", logx.Strings("jobs", names))
	}
	return out
}

// UpdateJobConfig validates and applies p. It takes effect on the next run.
func (w *Watchdog) UpdateJobConfig(name string, p jobs.Partial) (jobs.Config, error) {
	cfg, err := w.reg.UpdateConfig(name, p)
	if err != nil {
		return jobs.Config{}, err
	}
	w.specMu.Lock()
	delete(w.specs, name)
	w.specMu.Unlock()
	eventbus.Emit(w.bus, eventbus.JobConfigUpdated{Job: name})
	w.log.Info("job.config_updated", logx.String("job", name), logx.Duration("timeout", cfg.Timeout), logx.Int("max_retries", cfg.MaxRetries), logx.String("schedule", cfg.Schedule))
	return cfg, nil
}

// RetryState lists active runs that are past their first attempt.
func (w *Watchdog) RetryState() map[string]RetryAttempt {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := map[string]RetryAttempt{}
	for name, run := range w.active {
		if run.attempt > 1 {
			out[name] = RetryAttempt{Attempt: run.attempt, StartedAt: run.attemptStartedAt, LastError: run.lastErr}
		}
	}
	return out
}

// skipReason maps a refusal to the reason recorded for a scheduled run.
func skipReason(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrPausedJob):
		return SkipPaused, true
	case errors.Is(err, ErrAlreadyRunning):
		return SkipAlreadyRunning, true
	case errors.Is(err, breaker.ErrCircuitOpen):
		return SkipCircuitOpen, true
	case errors.Is(err, ErrShuttingDown):
		return SkipShuttingDown, true
	}
	return "", false
}

func (w *Watchdog) recordSkip(name string, kind TriggerKind, reason string) {
	w.mu.Lock()
	w.stateLocked(name).SkipCount++
	w.mu.Unlock()
	w.sink.RecordCronJobRun(name, metrics.StatusSkipped, 0)
	eventbus.Emit(w.bus, eventbus.JobSkipped{Job: name, Trigger: string(kind), Reason: reason})
	w.log.Debug("job.skipped", logx.String("job", name), logx.String("reason", reason))
}
