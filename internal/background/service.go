package background

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"opscron/internal/eventbus"
	rtsup "opscron/internal/runtime/supervisor"
	logx "opscron/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service runs best-effort tasks on a fixed pool of workers fed by a bounded queue.
// Enqueue never blocks: a full queue drops the task and counts it.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	// qmu guards q against close while an Enqueue is sending.
	qmu     sync.RWMutex
	q       chan queuedTask
	sup     *rtsup.Supervisor
	running bool

	inFlight atomic.Int32
	enqueued atomic.Uint64
	finished atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	idSeq    atomic.Uint64

	lastQueueFullWarnAt atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "background")),
		bus: bus,
	}
}

// Start launches the workers. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.qmu.Lock()
	if s.running {
		s.qmu.Unlock()
		return
	}
	queue := make(chan queuedTask, s.cfg.QueueSize)
	s.q = queue
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.running = true
	sup := s.sup
	s.qmu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			if s.worker(c, queue) {
				return nil
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("background started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop rejects new tasks and drains the queue. When ctx expires first, in-flight
// tasks are cancelled and whatever is still queued is lost.
func (s *Service) Stop(ctx context.Context) error {
	s.qmu.Lock()
	if !s.running {
		s.qmu.Unlock()
		return nil
	}
	s.running = false
	close(s.q)
	sup := s.sup
	s.qmu.Unlock()

	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("background stop timed out", logx.Int("queued", s.Snapshot().QueueLen), logx.Err(ctx.Err()))
		return ctx.Err()
	}
	s.log.Info("background stopped",
		logx.Uint64("finished", s.finished.Load()),
		logx.Uint64("failed", s.failed.Load()),
		logx.Uint64("dropped", s.dropped.Load()),
	)
	return nil
}

// Enqueue schedules t without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("%w: Run is nil", ErrInvalidTask)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("%w: Name is required", ErrInvalidTask)
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("bg-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if !s.running {
		return ErrStopped
	}
	select {
	case s.q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout}:
		s.enqueued.Add(1)
		return nil
	default:
		s.onQueueFull(now, t)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.qmu.RLock()
	running := s.running
	var ql, qc int
	if s.q != nil {
		ql, qc = len(s.q), cap(s.q)
	}
	s.qmu.RUnlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:  running,
		Workers:  s.cfg.Workers,
		QueueLen: ql,
		QueueCap: qc,
		InFlight: int(s.inFlight.Load()),
		Enqueued: s.enqueued.Load(),
		Finished: s.finished.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
		History:  h,
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFull(now time.Time, t Task) {
	n := s.dropped.Add(1)
	eventbus.Emit(s.bus, eventbus.TaskEvent{ID: t.ID, Name: t.Name, Outcome: "dropped", Error: "queue_full"})
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(s.q)),
			logx.Uint64("dropped", n),
		)
	}
}
