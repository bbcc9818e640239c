package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"opscron/internal/eventbus"
	rtsup "opscron/internal/runtime/supervisor"
	"opscron/internal/storage"
	kit "opscron/internal/transport"
	logx "opscron/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	to kit.ChatTarget
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
	text     string
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue chan job
	sup   *rtsup.Supervisor
	unsub func()

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	sent       atomic.Uint64
	failed     atomic.Uint64
	suppressed atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. store may be nil; it is only used when PersistDedup is set.
func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps the config. Worker count and queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

// Start launches the workers and, when a bus is set, the alert subscription.
// It is idempotent and a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(64, alertTypes...)
	}
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			if s.workerLoop(c, q) {
				return nil
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		})
	}
	if events != nil {
		sup.Go0("alerts", func(c context.Context) { s.alertLoop(c, events) })
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return nil
	}
	q, sup, unsub := s.queue, s.sup, s.unsub
	s.accepting = false
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
	s.sendWG.Wait()
	close(q)

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("notifier stop timed out", logx.Int("queued", len(q)))
		return ctx.Err()
	}
	return nil
}

// Notify queues n without blocking. Suppressed duplicates return nil.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, cfg := s.queue, s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(cfg.Channel, n)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg) {
		s.suppressed.Add(1)
		s.log.Debug("notify.deduped", logx.String("key", key))
		return nil
	}

	select {
	case q <- job{to: cfg.Target, dedupKey: key, text: prefixForPriority(n.Priority) + n.Text}:
		return nil
	default:
		eventbus.Emit(s.bus, eventbus.NotificationEvent{Channel: cfg.Channel, Key: key, Outcome: "dropped", At: time.Now(), Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// Stats returns delivered, failed and dedup-suppressed counts.
func (s *Service) Stats() (sent, failed, suppressed uint64) {
	return s.sent.Load(), s.failed.Load(), s.suppressed.Load()
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(key, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Key: key, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

// workerLoop returns true once the queue is closed and drained.
func (s *Service) workerLoop(ctx context.Context, q <-chan job) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case j, ok := <-q:
			if !ok {
				return true
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	opt := &kit.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: true}
	attempts := 0
	op := func() error {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.sender.SendText(callCtx, j.to, j.text, opt)
	}
	err := backoff.RetryNotify(op, retryPolicy(ctx, cfg), func(err error, d time.Duration) {
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempts), logx.Duration("retry_in", d))
	})

	now := time.Now()
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("notify.failed", logx.String("key", j.dedupKey), logx.Int("attempts", attempts), logx.Err(err))
		eventbus.Emit(s.bus, eventbus.NotificationEvent{Channel: cfg.Channel, Key: j.dedupKey, Outcome: "failed", At: now, Error: err.Error()})
		return
	}
	s.sent.Add(1)
	s.appendHistory(j.dedupKey, j.text)
	eventbus.Emit(s.bus, eventbus.NotificationEvent{Channel: cfg.Channel, Key: j.dedupKey, Outcome: "sent", At: now})
}

func retryPolicy(ctx context.Context, cfg Config) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBase
	b.MaxInterval = cfg.RetryMaxDelay
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.RetryMax)), ctx)
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "[CRIT] "
	case p >= 7:
		return "[WARN] "
	case p >= 5:
		return "[INFO] "
	default:
		return ""
	}
}

func dedupKey(channel string, n Notification) string {
	if n.Key != "" {
		return channel + "|" + n.Key
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d|%s", channel, n.Priority, n.Text)
	return fmt.Sprintf("%s|%x", channel, h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart check, best-effort.
	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, t := range s.dedup {
		if !now.Before(t) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for len(s.dedup) > cfg.DedupMaxEntries {
		var minKey string
		var minT time.Time
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("notify.dedup_persist_failed", logx.String("key", key), logx.Err(err))
		}
		cancel()
	}
	return true
}
