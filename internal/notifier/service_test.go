package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"opscron/internal/eventbus"
	"opscron/internal/storage"
	kit "opscron/internal/transport"
	logx "opscron/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	fails int // first n sends fail
	calls int
	texts []string
	block chan struct{}
}

func (r *recordingSender) SendText(ctx context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fails {
		return errors.New("telegram: 502")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordingSender{}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeliversWithRetryAndDedup(t *testing.T) {
	t.Parallel()
	snd := &recordingSender{fails: 2}
	s := New(testConfig(), snd, logx.Nop(), nil, nil)
	s.Start(context.Background())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, Notification{Priority: 9, Key: "breaker:a", Text: "open"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Notify(ctx, Notification{Text: "other"}); err != nil {
		t.Fatal(err)
	}
	stop(t, s)

	got := snd.sent()
	if len(got) != 2 || got[0] != "[CRIT] open" || got[1] != "other" {
		t.Fatalf("sent %q", got)
	}
	sent, failed, suppressed := s.Stats()
	if sent != 2 || failed != 0 || suppressed != 2 {
		t.Fatalf("stats sent=%d failed=%d suppressed=%d", sent, failed, suppressed)
	}
	if err := s.Notify(ctx, Notification{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: %v", err)
	}
}

func TestRetryExhaustionEmitsFailed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeNotificationFailed)
	defer unsub()

	cfg := testConfig()
	cfg.RetryMax = 1
	snd := &recordingSender{fails: 10}
	s := New(cfg, snd, logx.Nop(), bus, nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Key: "k", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	stop(t, s)

	select {
	case e := <-events:
		if p := e.Data.(eventbus.NotificationEvent); p.Key != "telegram|k" || p.Error == "" {
			t.Fatalf("event %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no failed event")
	}
	snd.mu.Lock()
	defer snd.mu.Unlock()
	if snd.calls != 2 {
		t.Fatalf("calls = %d, want 2", snd.calls)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.DedupWindow = 0
	snd := &recordingSender{block: make(chan struct{})}
	s := New(cfg, snd, logx.Nop(), nil, nil)
	s.Start(context.Background())

	ctx := context.Background()
	var full bool
	for i := 0; i < 5 && !full; i++ {
		full = errors.Is(s.Notify(ctx, Notification{Text: "x"}), ErrQueueFull)
	}
	close(snd.block)
	stop(t, s)
	if !full {
		t.Fatal("queue never reported full")
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state")
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	cfg := testConfig()
	cfg.PersistDedup = true
	first := &recordingSender{}
	s1 := New(cfg, first, logx.Nop(), nil, st)
	s1.Start(context.Background())
	_ = s1.Notify(context.Background(), Notification{Key: "breaker:a", Text: "open"})
	stop(t, s1)

	second := &recordingSender{}
	s2 := New(cfg, second, logx.Nop(), nil, st)
	s2.Start(context.Background())
	_ = s2.Notify(context.Background(), Notification{Key: "breaker:a", Text: "open"})
	stop(t, s2)

	if len(first.sent()) != 1 || len(second.sent()) != 0 {
		t.Fatalf("first=%q second=%q", first.sent(), second.sent())
	}
}

func TestAlertsFromBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	snd := &recordingSender{}
	s := New(testConfig(), snd, logx.Nop(), bus, nil)
	s.Start(context.Background())

	eventbus.Emit(bus, eventbus.BreakerTransition{Job: "ai_forecast", From: "closed", To: "open", Failures: 3})
	eventbus.Emit(bus, eventbus.BreakerTransition{Job: "ai_forecast", From: "open", To: "half-open"})
	eventbus.Emit(bus, eventbus.JobFinished{Job: "ai_learning", Success: true, Attempts: 1})
	eventbus.Emit(bus, eventbus.JobFinished{Job: "ai_learning", Trigger: "tick", Attempts: 3, Error: "boom"})
	eventbus.Emit(bus, eventbus.AutoHealFired{Score: 42, Jobs: []string{"ai_forecast"}, Accepted: 1})

	deadline := time.Now().Add(2 * time.Second)
	for len(snd.sent()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop(t, s)

	got := strings.Join(snd.sent(), "\n")
	for _, want := range []string{"circuit breaker opened for ai_forecast", "ai_learning failed after 3 attempt(s)", "auto-heal fired at health score 42.0"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Count(got, "\n") != 2 {
		t.Fatalf("unexpected alerts:\n%s", got)
	}
}
