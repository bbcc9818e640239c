package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"opscron/internal/eventbus"
	logx "opscron/pkg/logx"
)

func fastConfig() Config {
	return Config{Workers: 1, QueueSize: 4, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestEnqueueRunsAndDrainsOnStop(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), logx.Nop(), nil)
	s.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Task{Name: "persist", Run: func(context.Context) error { ran.Add(1); return nil }}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ran.Load() != 3 {
		t.Fatalf("ran = %d, want 3 (queue drained)", ran.Load())
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after stop = %v, want ErrStopped", err)
	}
}

func TestEnqueueRejectsInvalidTask(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), logx.Nop(), nil)
	cases := []Task{
		{Name: "x"},
		{Name: "  ", Run: func(context.Context) error { return nil }},
	}
	for _, tc := range cases {
		if err := s.Enqueue(tc); !errors.Is(err, ErrInvalidTask) {
			t.Fatalf("Enqueue(%q) = %v, want ErrInvalidTask", tc.Name, err)
		}
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(8, eventbus.TypeTaskDropped)
	defer unsub()

	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	if err := s.Enqueue(Task{Name: "a", Run: block}); err != nil {
		t.Fatal(err)
	}
	<-started // worker busy
	if err := s.Enqueue(Task{Name: "b", Run: block}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Enqueue = %v, want ErrQueueFull", err)
	}
	close(release)

	select {
	case e := <-dropped:
		if te := e.Data.(eventbus.TaskEvent); te.Name != "c" {
			t.Fatalf("dropped event for %q", te.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("no dropped event")
	}
	if s.Snapshot().Dropped != 1 {
		t.Fatalf("Dropped = %d", s.Snapshot().Dropped)
	}
}

func TestRetriesThenFails(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), logx.Nop(), nil)
	s.Start(context.Background())

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "flaky", Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("db down")
	}})
	var noRetryCalls atomic.Int32
	_ = s.Enqueue(Task{Name: "bad", Run: func(context.Context) error {
		noRetryCalls.Add(1)
		return NoRetry(errors.New("bad row"))
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 1+RetryMax", calls.Load())
	}
	if noRetryCalls.Load() != 1 {
		t.Fatalf("NoRetry task ran %d times", noRetryCalls.Load())
	}
	snap := s.Snapshot()
	if snap.Failed != 2 || len(snap.History) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.History[0].Attempts != 3 || snap.History[0].Error != "db down" {
		t.Fatalf("history[0] = %+v", snap.History[0])
	}
}

func TestPanicIsContained(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), logx.Nop(), nil)
	s.Start(context.Background())
	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("x") }})
	var ok atomic.Bool
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { ok.Store(true); return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Stop(ctx)
	if !ok.Load() {
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestStopTimeoutCancelsInFlight(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1, DefaultTimeout: time.Minute}, logx.Nop(), nil)
	s.Start(context.Background())
	cancelled := make(chan struct{})
	_ = s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want deadline exceeded", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight task not cancelled")
	}
}
