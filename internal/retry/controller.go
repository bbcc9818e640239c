package retry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"opscron/internal/eventbus"
	"opscron/internal/jobs"
	"opscron/internal/metrics"
	logx "opscron/pkg/logx"
)

// DefaultJitter is the randomization factor applied to every retry delay.
const DefaultJitter = 0.15

// Breaker is the part of the circuit breaker the controller drives.
type Breaker interface {
	CanRun(job string) error
	RecordOutcome(job string, success bool)
	IsOpen(job string) bool
}

// AttemptObserver is told when each attempt starts. lastErr is the previous attempt's error.
type AttemptObserver func(job string, attempt int, startedAt time.Time, lastErr error)

// Outcome summarises a run.
type Outcome struct {
	Success  bool
	Attempts int
	Timeouts int
	Duration time.Duration
	// Err is the last attempt error when Success is false.
	Err error
	// Delays are the waits taken before attempts 2..n.
	Delays []time.Duration
}

// Controller runs a job body with per-attempt timeouts and exponential backoff between attempts.
type Controller struct {
	breaker Breaker
	sink    metrics.Sink
	bus     eventbus.Bus
	log     logx.Logger
	jitter  float64

	abandoned atomic.Int64
	detached  atomic.Int64
}

type Option func(*Controller)

func WithMetrics(sink metrics.Sink) Option { return func(c *Controller) { c.sink = metrics.OrNop(sink) } }
func WithBus(bus eventbus.Bus) Option      { return func(c *Controller) { c.bus = bus } }
func WithLogger(log logx.Logger) Option    { return func(c *Controller) { c.log = log } }

// WithJitter sets the randomization factor (0 disables jitter).
func WithJitter(f float64) Option {
	return func(c *Controller) {
		if f >= 0 && f < 1 {
			c.jitter = f
		}
	}
}

func NewController(b Breaker, opts ...Option) *Controller {
	c := &Controller{breaker: b, sink: metrics.Nop{}, jitter: DefaultJitter}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Abandoned is the total number of attempts abandoned on timeout or cancellation.
func (c *Controller) Abandoned() int64 { return c.abandoned.Load() }

// Detached is the number of abandoned attempt goroutines that are still running.
func (c *Controller) Detached() int64 { return c.detached.Load() }

// Run executes fn under cfg. A refused breaker returns *breaker.CircuitOpenError without
// consuming an attempt; every other failure is reported through Outcome.
func (c *Controller) Run(ctx context.Context, job string, fn jobs.Func, cfg jobs.Config, obs AttemptObserver) (Outcome, error) {
	if err := c.breaker.CanRun(job); err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	bo := c.newBackOff(cfg)
	maxAttempts := cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		out     Outcome
		lastErr error
	)
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				break
			}
			eventbus.Emit(c.bus, eventbus.JobRetrying{Job: job, NextAttempt: attempt, Delay: delay, Error: lastErr.Error()})
			c.log.Debug("job.retry_scheduled", logx.String("job", job), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(lastErr))
			if delay > 0 {
				tmr := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					if !tmr.Stop() {
						<-tmr.C
					}
					lastErr = fmt.Errorf("retry wait canceled after %w: %w", lastErr, ctx.Err())
					break attemptLoop
				case <-tmr.C:
				}
			}
			out.Delays = append(out.Delays, delay)
			c.sink.RecordCronJobRetry(job)
		}

		startedAt := time.Now()
		if obs != nil {
			obs(job, attempt, startedAt, lastErr)
		}
		err := c.attempt(ctx, job, attempt, fn, cfg.Timeout)
		out.Attempts = attempt
		c.breaker.RecordOutcome(job, err == nil)

		if err == nil {
			out.Success = true
			lastErr = nil
			break
		}
		lastErr = err
		if errors.Is(err, ErrTimeout) {
			out.Timeouts++
			c.sink.RecordCronJobTimeout(job)
		}
		c.log.Debug("job.attempt_failed", logx.String("job", job), logx.Int("attempt", attempt), logx.Duration("dur", time.Since(startedAt)), logx.Err(err))

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			break
		}
		if c.breaker.IsOpen(job) {
			if attempt < maxAttempts {
				c.log.Info("job.retries_stopped", logx.String("job", job), logx.String("reason", "breaker_open"), logx.Int("attempts", attempt))
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	out.Duration = time.Since(start)
	out.Err = lastErr
	return out, nil
}

func (c *Controller) newBackOff(cfg jobs.Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryDelay
	bo.Multiplier = cfg.BackoffMultiplier
	if bo.Multiplier < 1 {
		bo.Multiplier = 1
	}
	bo.RandomizationFactor = c.jitter
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// attempt runs fn on its own goroutine raced against a timer. On timeout the goroutine is
// left to finish on its own once it observes ctx.
func (c *Controller) attempt(ctx context.Context, job string, attempt int, fn jobs.Func, timeout time.Duration) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("job.panic", logx.String("job", job), logx.Int("attempt", attempt), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				done <- &JobExecutionError{Job: job, Attempt: attempt, Err: fmt.Errorf("panic: %v", r), Panicked: true}
			}
		}()
		done <- fn(actx)
	}()

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var je *JobExecutionError
		if errors.As(err, &je) && je.Panicked {
			return err
		}
		// Only the attempt's own deadline counts; a deadline inside fn is an ordinary failure.
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &TimeoutError{Job: job, Attempt: attempt, Timeout: timeout}
		}
		return &JobExecutionError{Job: job, Attempt: attempt, Err: err}
	case <-tmr.C:
		c.detach(job, attempt, done)
		return &TimeoutError{Job: job, Attempt: attempt, Timeout: timeout}
	case <-ctx.Done():
		c.detach(job, attempt, done)
		return &JobExecutionError{Job: job, Attempt: attempt, Err: ctx.Err()}
	}
}

func (c *Controller) detach(job string, attempt int, done <-chan error) {
	c.abandoned.Add(1)
	c.detached.Add(1)
	c.log.Warn("job.attempt_abandoned", logx.String("job", job), logx.Int("attempt", attempt))
	go func() {
		<-done
		c.detached.Add(-1)
	}()
}
