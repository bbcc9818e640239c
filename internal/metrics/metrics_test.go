package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusSink(t *testing.T) {
	t.Parallel()
	p := NewPrometheus("")
	var s Sink = p

	s.RecordCronJobRun("ai_forecast", StatusFailure, 0.5)
	s.RecordCronJobRun("ai_forecast", StatusSkipped, 0)
	s.RecordCronJobError("ai_forecast", ErrorTimeout)
	s.SetCircuitBreakerState("ai_forecast", "open")
	s.RecordCircuitBreakerReset("ai_forecast", "manual")

	if got := testutil.ToFloat64(p.jobRuns.WithLabelValues("ai_forecast", StatusFailure)); got != 1 {
		t.Fatalf("runs{failure} = %v", got)
	}
	if got := testutil.ToFloat64(p.breakerState.WithLabelValues("ai_forecast")); got != 2 {
		t.Fatalf("breaker state gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.breakerReset.WithLabelValues("ai_forecast", "manual")); got != 1 {
		t.Fatalf("resets{manual} = %v", got)
	}

	p.GaugeFunc("background_queue_depth", "queued tasks", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"opscron_cron_job_runs_total",
		"opscron_cron_job_errors_total",
		"opscron_background_queue_depth 3",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestRecorderAndNop(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	r.RecordCronJobRetry("x")
	r.RecordCronJobRetry("x")
	r.RecordCircuitBreakerTrip("x")
	r.SetCircuitBreakerState("x", "open")
	if r.Retries("x") != 2 || r.Trips("x") != 1 || r.State("x") != "open" {
		t.Fatal("recorder lost values")
	}
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Fatal("OrNop(nil) should return Nop")
	}
	if StateValue("half-open") != 1 || StateValue("closed") != 0 {
		t.Fatal("unexpected gauge mapping")
	}
}
