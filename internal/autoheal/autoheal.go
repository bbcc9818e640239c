// Package autoheal re-fires recovery jobs when the composite health score drops, at most once
// per cooldown window. It only dispatches through the watchdog and never runs job bodies itself.
package autoheal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"opscron/internal/eventbus"
	"opscron/internal/jobs"
	"opscron/internal/metrics"
	"opscron/internal/watchdog"
	logx "opscron/pkg/logx"
)

type Reason string

const (
	ReasonHealthy        Reason = "healthy"
	ReasonBackoff        Reason = "backoff"
	ReasonInProgress     Reason = "in_progress"
	ReasonFired          Reason = "fired"
	ReasonDispatchFailed Reason = "dispatch_failed"
)

const (
	DefaultThreshold = 70.0
	DefaultCooldown  = 30 * time.Minute
)

// Dispatcher starts a run without waiting for it. *watchdog.Watchdog satisfies it.
type Dispatcher interface {
	Dispatch(name string, kind watchdog.TriggerKind) (string, <-chan watchdog.Result, error)
}

type Config struct {
	Threshold float64
	Cooldown  time.Duration
	Jobs      []string
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if len(c.Jobs) == 0 {
		c.Jobs = []string{jobs.AIForecast, jobs.AILearning}
	}
	return c
}

// DispatchResult is the outcome of handing one recovery job to the watchdog.
type DispatchResult struct {
	Job      string `json:"job"`
	RunID    string `json:"runId,omitempty"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type Decision struct {
	Reason           Reason           `json:"reason"`
	Score            float64          `json:"score"`
	Threshold        float64          `json:"threshold"`
	RemainingSeconds int64            `json:"remainingSeconds,omitempty"`
	Dispatches       []DispatchResult `json:"dispatches,omitempty"`
	LastAutoHealAt   *time.Time       `json:"lastAutoHealAt,omitempty"`
	Invocations      int              `json:"invocations"`
}

// Fired reports whether at least one recovery job was accepted.
func (d Decision) Fired() bool { return d.Reason == ReasonFired }

// State is the guard's cooldown record.
type State struct {
	LastAutoHealAt *time.Time `json:"lastAutoHealAt"`
	Invocations    int        `json:"invocations"`
	InFlight       bool       `json:"inFlight"`
	Threshold      float64    `json:"threshold"`
	Cooldown       string     `json:"cooldown"`
}

type Guard struct {
	d    Dispatcher
	sink metrics.Sink
	bus  eventbus.Bus
	log  logx.Logger

	mu          sync.Mutex
	cfg         Config
	lastAt      time.Time
	invocations int
	inFlight    bool
}

type Option func(*Guard)

func WithMetrics(sink metrics.Sink) Option { return func(g *Guard) { g.sink = metrics.OrNop(sink) } }
func WithBus(bus eventbus.Bus) Option      { return func(g *Guard) { g.bus = bus } }
func WithLogger(log logx.Logger) Option    { return func(g *Guard) { g.log = log } }

func New(d Dispatcher, cfg Config, opts ...Option) *Guard {
	g := &Guard{d: d, cfg: cfg.withDefaults(), sink: metrics.Nop{}}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Apply swaps threshold, cooldown and job list. The cooldown record is kept.
func (g *Guard) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := State{Invocations: g.invocations, InFlight: g.inFlight, Threshold: g.cfg.Threshold, Cooldown: g.cfg.Cooldown.String()}
	if !g.lastAt.IsZero() {
		t := g.lastAt
		st.LastAutoHealAt = &t
	}
	return st
}

// MaybeAutoHeal decides whether to fire the recovery jobs for score at now.
//
// The guard is "in progress" from the moment it starts dispatching until every run it
// dispatched has finished.
func (g *Guard) MaybeAutoHeal(ctx context.Context, score float64, now time.Time) Decision {
	g.mu.Lock()
	cfg := g.cfg
	dec := Decision{Score: score, Threshold: cfg.Threshold, Invocations: g.invocations}
	if !g.lastAt.IsZero() {
		t := g.lastAt
		dec.LastAutoHealAt = &t
	}

	switch {
	case score >= cfg.Threshold:
		dec.Reason = ReasonHealthy
	case !g.lastAt.IsZero() && now.Sub(g.lastAt) < cfg.Cooldown:
		dec.Reason = ReasonBackoff
		remaining := cfg.Cooldown - now.Sub(g.lastAt)
		dec.RemainingSeconds = int64((remaining + time.Second - 1) / time.Second)
	case g.inFlight:
		dec.Reason = ReasonInProgress
	default:
		g.inFlight = true
	}
	g.mu.Unlock()

	if dec.Reason != "" {
		g.sink.RecordAutoHeal(string(dec.Reason))
		g.log.Debug("autoheal.skipped", logx.String("reason", string(dec.Reason)), logx.Float64("score", score), logx.Int64("remaining_s", dec.RemainingSeconds))
		return dec
	}

	results, waits := g.dispatch(ctx, cfg.Jobs)
	dec.Dispatches = results

	accepted := make([]string, 0, len(results))
	for _, r := range results {
		if r.Accepted {
			accepted = append(accepted, r.Job)
		}
	}

	g.mu.Lock()
	if len(accepted) > 0 {
		g.lastAt = now
		g.invocations++
		t := now
		dec.LastAutoHealAt = &t
	}
	dec.Invocations = g.invocations
	if len(waits) == 0 {
		g.inFlight = false
	}
	g.mu.Unlock()

	if len(waits) > 0 {
		go g.awaitRuns(waits)
	}

	if len(accepted) == 0 {
		dec.Reason = ReasonDispatchFailed
		g.sink.RecordAutoHeal(string(dec.Reason))
		g.log.Warn("autoheal.dispatch_failed", logx.Float64("score", score), logx.Any("results", results))
		return dec
	}
	dec.Reason = ReasonFired
	g.sink.RecordAutoHeal(string(dec.Reason))
	eventbus.Emit(g.bus, eventbus.AutoHealFired{Score: score, Jobs: accepted, Accepted: len(accepted)})
	g.log.Info("autoheal.fired", logx.Float64("score", score), logx.Strings("jobs", accepted), logx.Int("invocations", dec.Invocations))
	return dec
}

// dispatch hands every job to the watchdog concurrently and keeps the per-job order.
func (g *Guard) dispatch(ctx context.Context, names []string) ([]DispatchResult, []<-chan watchdog.Result) {
	results := make([]DispatchResult, len(names))
	waits := make([]<-chan watchdog.Result, len(names))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, name := range names {
		eg.Go(func() error {
			results[i].Job = name
			if err := egCtx.Err(); err != nil {
				results[i].Error = err.Error()
				return err
			}
			id, done, err := g.d.Dispatch(name, watchdog.TriggerAutoHeal)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].RunID = id
			results[i].Accepted = true
			waits[i] = done
			return nil
		})
	}
	// A refused job does not stop the others; only cancellation surfaces here.
	if err := eg.Wait(); err != nil {
		g.log.Warn("autoheal.dispatch_canceled", logx.Strings("jobs", names), logx.Err(err))
	}

	live := waits[:0]
	for _, w := range waits {
		if w != nil {
			live = append(live, w)
		}
	}
	return results, live
}

func (g *Guard) awaitRuns(waits []<-chan watchdog.Result) {
	for _, w := range waits {
		res, ok := <-w
		if ok {
			g.log.Debug("autoheal.run_finished", logx.String("job", res.Job), logx.Bool("success", res.Success), logx.Int("attempts", res.Attempts))
		}
	}
	g.mu.Lock()
	g.inFlight = false
	g.mu.Unlock()
}
