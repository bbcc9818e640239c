package background

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"opscron/internal/eventbus"
	logx "opscron/pkg/logx"
)

// worker consumes queue until it is closed (true) or ctx is done (false).
func (s *Service) worker(ctx context.Context, queue <-chan queuedTask) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case qt, ok := <-queue:
			if !ok {
				return true
			}
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	attempts := 0
	op := func() error {
		attempts++
		return s.runOnce(ctx, qt)
	}
	err := backoff.RetryNotify(op, s.policy(ctx), func(err error, d time.Duration) {
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", d), logx.Err(err))
	})

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := eventbus.TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Outcome: "finished", Attempts: attempts, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Outcome, ev.Error = "failed", item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))
	} else {
		s.finished.Add(1)
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	s.record(item)
	eventbus.Emit(s.bus, ev)
}

func (s *Service) policy(ctx context.Context) backoff.BackOff {
	if s.cfg.RetryMax < 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBase
	b.MaxInterval = s.cfg.RetryMaxDelay
	b.RandomizationFactor = s.cfg.RetryJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.RetryMax)), ctx)
}

func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, qt.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = backoff.Permanent(fmt.Errorf("panic: %v", r))
		}
	}()
	return qt.task.Run(runCtx)
}
