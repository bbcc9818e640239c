package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"opscron/internal/eventbus"
	"opscron/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSet(t *testing.T, threshold int, cooldown time.Duration) (*Set, *fakeClock, *metrics.Recorder) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	rec := metrics.NewRecorder()
	s := New(Config{FailureThreshold: threshold, Cooldown: cooldown}, WithClock(clk.Now), WithMetrics(rec))
	return s, clk, rec
}

func TestOpensAtExactlyThreshold(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestSet(t, 5, time.Minute)

	for i := 1; i <= 4; i++ {
		s.RecordOutcome("job", false)
		if err := s.CanRun("job"); err != nil {
			t.Fatalf("after %d failures CanRun = %v, want nil", i, err)
		}
	}
	s.RecordOutcome("job", false)

	err := s.CanRun("job")
	var coe *CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("err = %v, want *CircuitOpenError", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("errors.Is(ErrCircuitOpen) = false")
	}
	if coe.State != Open || !coe.RetryAt.Equal(coe.OpenedAt.Add(time.Minute)) {
		t.Fatalf("unexpected error fields %+v", coe)
	}
	if rec.Trips("job") != 1 || rec.State("job") != "open" {
		t.Fatalf("trips=%d state=%s", rec.Trips("job"), rec.State("job"))
	}
	if snap := s.Snapshot("job"); snap.ConsecutiveFailures != 5 || snap.OpenedAt == nil {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()
	s, clk, rec := newTestSet(t, 2, time.Minute)
	s.RecordOutcome("job", false)
	s.RecordOutcome("job", false)

	clk.Advance(30 * time.Second)
	if s.Allowed("job") {
		t.Fatal("Allowed should be false during cooldown")
	}
	clk.Advance(31 * time.Second)
	if !s.Allowed("job") {
		t.Fatal("Allowed should be true once cooldown elapsed")
	}
	if snap := s.Snapshot("job"); snap.State != Open {
		t.Fatalf("Allowed must not mutate state, got %s", snap.State)
	}

	if err := s.CanRun("job"); err != nil {
		t.Fatalf("first CanRun after cooldown = %v", err)
	}
	if err := s.CanRun("job"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second CanRun during trial = %v, want circuit open", err)
	}

	s.RecordOutcome("job", true)
	snap := s.Snapshot("job")
	if snap.State != Closed || snap.ConsecutiveFailures != 0 || snap.LastResetKind != ResetAuto {
		t.Fatalf("snapshot after successful trial %+v", snap)
	}
	if rec.Resets("job", "auto") != 1 {
		t.Fatalf("auto resets = %d", rec.Resets("job", "auto"))
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	s, clk, rec := newTestSet(t, 1, time.Minute)
	s.RecordOutcome("job", false)
	firstOpened := *s.Snapshot("job").OpenedAt

	clk.Advance(2 * time.Minute)
	if err := s.CanRun("job"); err != nil {
		t.Fatal(err)
	}
	s.RecordOutcome("job", false)

	snap := s.Snapshot("job")
	if snap.State != Open {
		t.Fatalf("state = %s, want open", snap.State)
	}
	if !snap.OpenedAt.After(firstOpened) {
		t.Fatal("openedAt should move to the failed trial time")
	}
	if rec.Trips("job") != 2 {
		t.Fatalf("trips = %d, want 2", rec.Trips("job"))
	}
	if err := s.CanRun("job"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("fresh cooldown should refuse")
	}
}

func TestSuccessResetsCount(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSet(t, 3, time.Minute)
	s.RecordOutcome("job", false)
	s.RecordOutcome("job", false)
	s.RecordOutcome("job", true)
	s.RecordOutcome("job", false)
	s.RecordOutcome("job", false)
	if s.Snapshot("job").State != Closed {
		t.Fatal("success should have reset the consecutive count")
	}
}

func TestResetAllOnlyTouchesOpenBreakers(t *testing.T) {
	t.Parallel()
	s, clk, rec := newTestSet(t, 1, time.Minute)
	bus := eventbus.New()
	s.bus = bus
	events, unsub := bus.Subscribe(16, eventbus.TypeBreakerReset)
	defer unsub()

	s.RecordOutcome("b_job", false) // open
	s.RecordOutcome("a_job", false) // open, then half-open
	clk.Advance(2 * time.Minute)
	if err := s.CanRun("a_job"); err != nil {
		t.Fatal(err)
	}
	s.RecordOutcome("c_job", true) // closed

	names := s.ResetAll()
	if len(names) != 2 || names[0] != "a_job" || names[1] != "b_job" {
		t.Fatalf("ResetAll = %v", names)
	}
	for _, n := range []string{"a_job", "b_job", "c_job"} {
		if st := s.Snapshot(n).State; st != Closed {
			t.Fatalf("%s state = %s", n, st)
		}
	}
	if rec.Resets("c_job", "manual") != 0 || rec.Resets("a_job", "manual") != 1 {
		t.Fatal("manual reset metrics mismatch")
	}
	if len(events) != 2 {
		t.Fatalf("reset events = %d, want 2", len(events))
	}
	if again := s.ResetAll(); len(again) != 0 {
		t.Fatalf("second ResetAll = %v, want empty", again)
	}
}

func TestManualResetReturnsPreviousState(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestSet(t, 1, time.Hour)
	s.RecordOutcome("job", false)
	if prev := s.Reset("job", ResetManual); prev != Open {
		t.Fatalf("prev = %s", prev)
	}
	if err := s.CanRun("job"); err != nil {
		t.Fatalf("CanRun after reset = %v", err)
	}
	if rec.State("job") != "closed" {
		t.Fatalf("state gauge = %s", rec.State("job"))
	}
}
