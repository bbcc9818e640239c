package health

import (
	"context"
	"testing"
	"time"

	"opscron/internal/autoheal"
	"opscron/internal/breaker"
	"opscron/internal/jobs"
	"opscron/internal/watchdog"
	logx "opscron/pkg/logx"
)

func TestScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		st   watchdog.Status
		want float64
	}{
		{
			name: "empty",
			st:   watchdog.Status{},
			want: 100,
		},
		{
			name: "never ran",
			st: watchdog.Status{
				JobMetrics:      map[string]watchdog.JobRunState{"a": {}},
				CircuitBreakers: map[string]breaker.Snapshot{"a": {State: breaker.Closed}},
			},
			want: 100,
		},
		{
			name: "open and half-open",
			st: watchdog.Status{
				JobMetrics: map[string]watchdog.JobRunState{"a": {}, "b": {}},
				CircuitBreakers: map[string]breaker.Snapshot{
					"a": {State: breaker.Open},
					"b": {State: breaker.HalfOpen},
				},
			},
			want: 70,
		},
		{
			name: "failing job",
			st: watchdog.Status{
				JobMetrics: map[string]watchdog.JobRunState{
					"a": {RunCount: 4, SuccessRate: 0.4, LastSuccess: false},
				},
			},
			// 7.5 for the rate, 5 for the last failure.
			want: 87.5,
		},
		{
			name: "self_heal ignored",
			st: watchdog.Status{
				JobMetrics:      map[string]watchdog.JobRunState{jobs.SelfHeal: {RunCount: 3}},
				CircuitBreakers: map[string]breaker.Snapshot{jobs.SelfHeal: {State: breaker.Open}},
			},
			want: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.st).Score; got != tt.want {
				t.Fatalf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreFloorsAtZero(t *testing.T) {
	t.Parallel()
	st := watchdog.Status{JobMetrics: map[string]watchdog.JobRunState{}, CircuitBreakers: map[string]breaker.Snapshot{}}
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		st.JobMetrics[n] = watchdog.JobRunState{RunCount: 1}
		st.CircuitBreakers[n] = breaker.Snapshot{State: breaker.Open}
	}
	if got := Score(st).Score; got != 0 {
		t.Fatalf("Score = %v", got)
	}
}

type staticStatus watchdog.Status

func (s staticStatus) Status() watchdog.Status { return watchdog.Status(s) }

type stubHealer struct {
	got    float64
	reason autoheal.Reason
}

func (h *stubHealer) MaybeAutoHeal(_ context.Context, score float64, _ time.Time) autoheal.Decision {
	h.got = score
	return autoheal.Decision{Reason: h.reason, Score: score}
}

func TestSelfHealJob(t *testing.T) {
	t.Parallel()
	src := staticStatus{
		JobMetrics:      map[string]watchdog.JobRunState{"a": {}},
		CircuitBreakers: map[string]breaker.Snapshot{"a": {State: breaker.Open}},
	}

	h := &stubHealer{reason: autoheal.ReasonFired}
	if err := SelfHealJob(src, h, logx.Nop())(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.got != 80 {
		t.Fatalf("healer saw score %v", h.got)
	}

	h.reason = autoheal.ReasonDispatchFailed
	if err := SelfHealJob(src, h, logx.Nop())(context.Background()); err == nil {
		t.Fatal("dispatch_failed should fail the run")
	}
}
