package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"opscron/internal/autoheal"
	"opscron/internal/breaker"
	"opscron/internal/jobs"
	"opscron/internal/metrics"
	"opscron/internal/ratelimit"
	"opscron/internal/retry"
	"opscron/internal/watchdog"
	logx "opscron/pkg/logx"
)

type fixture struct {
	w   *watchdog.Watchdog
	reg *jobs.Registry
	srv *Server
	ts  *httptest.Server
}

func newFixture(t *testing.T, cfg Config, deps Deps) *fixture {
	t.Helper()
	reg, err := jobs.NewRegistry(jobs.Config{Timeout: time.Second, RetryDelay: 10 * time.Millisecond, BackoffMultiplier: 2})
	if err != nil {
		t.Fatal(err)
	}
	br := breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	w := watchdog.New(watchdog.Config{ShutdownGrace: time.Second}, reg, br, retry.NewController(br), watchdog.WithLogger(logx.Nop()))
	deps.Scheduler = w
	f := &fixture{w: w, reg: reg, srv: New(cfg, deps, logx.Nop())}
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) register(t *testing.T, name string, fn jobs.Func) {
	t.Helper()
	if err := f.reg.Register(name, fn, jobs.Partial{}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp, out
}

func ok(context.Context) error { return nil }

func TestStatusCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{jobs.UnknownJobError("x"), http.StatusNotFound},
		{fmt.Errorf("%w: x", watchdog.ErrAlreadyRunning), http.StatusConflict},
		{fmt.Errorf("%w: x", watchdog.ErrPausedJob), http.StatusForbidden},
		{&breaker.CircuitOpenError{Job: "x", State: breaker.Open}, http.StatusServiceUnavailable},
		{watchdog.ErrShuttingDown, http.StatusServiceUnavailable},
		{&jobs.ValidationError{Job: "x", Field: "timeout"}, http.StatusBadRequest},
		{&ratelimit.LimitedError{Caller: "c", Kind: ratelimit.KindTrigger}, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestTriggerPauseResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	var calls atomic.Int32
	f.register(t, "x", func(context.Context) error { calls.Add(1); return nil })

	resp, body := f.do(t, http.MethodPost, "/ops/jobs/x/trigger", "")
	if resp.StatusCode != http.StatusOK || body["success"] != true || body["attempts"] != float64(1) {
		t.Fatalf("trigger: %d %v", resp.StatusCode, body)
	}

	if resp, body = f.do(t, http.MethodPost, "/ops/jobs/nope/trigger", ""); resp.StatusCode != http.StatusNotFound || body["code"] != "unknown_job" {
		t.Fatalf("unknown: %d %v", resp.StatusCode, body)
	}

	if resp, _ = f.do(t, http.MethodPost, "/ops/jobs/x/pause", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: %d", resp.StatusCode)
	}
	if resp, body = f.do(t, http.MethodPost, "/ops/jobs/x/trigger", ""); resp.StatusCode != http.StatusForbidden || body["code"] != "paused" {
		t.Fatalf("paused trigger: %d %v", resp.StatusCode, body)
	}
	_, body = f.do(t, http.MethodGet, "/ops/paused", "")
	if body["count"] != float64(1) {
		t.Fatalf("paused list %v", body)
	}
	if resp, _ = f.do(t, http.MethodPost, "/ops/jobs/x/resume", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: %d", resp.StatusCode)
	}
	if resp, _ = f.do(t, http.MethodPost, "/ops/jobs/x/trigger", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger after resume: %d", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}

	if resp, _ = f.do(t, http.MethodGet, "/ops/jobs/x/trigger", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET trigger: %d", resp.StatusCode)
	}
}

func TestTriggerWhileRunningConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	release := make(chan struct{})
	f.register(t, "slow", func(context.Context) error { <-release; return nil })

	done := make(chan int, 1)
	go func() {
		resp, _ := f.do(t, http.MethodPost, "/ops/jobs/slow/trigger", "")
		done <- resp.StatusCode
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.w.Status().ActiveJobCount == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, body := f.do(t, http.MethodPost, "/ops/jobs/slow/trigger", "")
	if resp.StatusCode != http.StatusConflict || body["code"] != "already_running" {
		t.Fatalf("second trigger: %d %v", resp.StatusCode, body)
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first trigger: %d", code)
	}
}

func TestTriggerRateLimited(t *testing.T) {
	t.Parallel()
	lim := ratelimit.New(ratelimit.Config{Limits: map[ratelimit.Kind]ratelimit.Limit{
		ratelimit.KindTrigger: {Every: time.Hour, Burst: 1},
	}})
	f := newFixture(t, Config{}, Deps{Limiter: lim})
	f.register(t, "x", ok)

	if resp, _ := f.do(t, http.MethodPost, "/ops/jobs/x/trigger", "", "X-Caller", "alice"); resp.StatusCode != http.StatusOK {
		t.Fatalf("first: %d", resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodPost, "/ops/jobs/x/trigger", "", "X-Caller", "alice")
	if resp.StatusCode != http.StatusTooManyRequests || body["code"] != "rate_limited" {
		t.Fatalf("second: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	// Buckets are per caller.
	if resp, _ := f.do(t, http.MethodPost, "/ops/jobs/x/trigger", "", "X-Caller", "bob"); resp.StatusCode != http.StatusOK {
		t.Fatalf("other caller: %d", resp.StatusCode)
	}
}

func TestBreakerOpenAndReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	var fail atomic.Bool
	fail.Store(true)
	f.register(t, "flaky", func(context.Context) error {
		if fail.Load() {
			return errors.New("upstream down")
		}
		return nil
	})

	resp, body := f.do(t, http.MethodPost, "/ops/jobs/flaky/trigger", "")
	if resp.StatusCode != http.StatusOK || body["success"] != false {
		t.Fatalf("failing run: %d %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/ops/jobs/flaky/trigger", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["code"] != "circuit_open" {
		t.Fatalf("open breaker: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After on open breaker")
	}

	resp, body = f.do(t, http.MethodPost, "/ops/breakers/flaky/reset", "")
	if resp.StatusCode != http.StatusOK || body["success"] != true || body["previousState"] != "open" {
		t.Fatalf("reset: %d %v", resp.StatusCode, body)
	}
	fail.Store(false)
	if resp, body = f.do(t, http.MethodPost, "/ops/jobs/flaky/trigger", ""); body["success"] != true {
		t.Fatalf("after reset: %d %v", resp.StatusCode, body)
	}

	if resp, _ = f.do(t, http.MethodPost, "/ops/breakers/ghost/reset", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("reset unknown: %d", resp.StatusCode)
	}
	if resp, body = f.do(t, http.MethodPost, "/ops/breakers/reset", ""); resp.StatusCode != http.StatusOK || body["resetCount"] == nil {
		t.Fatalf("reset all: %d %v", resp.StatusCode, body)
	}
}

func TestPatchJobConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	f.register(t, "x", ok)

	tests := []struct {
		name string
		job  string
		body string
		want int
	}{
		{"valid", "x", `{"timeoutMs":5000,"maxRetries":2,"schedule":"@hourly"}`, http.StatusOK},
		{"timeout too small", "x", `{"timeoutMs":500}`, http.StatusBadRequest},
		{"timeout overflows", "x", `{"timeoutMs":9223372036855}`, http.StatusBadRequest},
		{"timeout wraps into range", "x", `{"timeoutMs":18446744074710}`, http.StatusBadRequest},
		{"negative retry delay", "x", `{"retryDelayMs":-1}`, http.StatusBadRequest},
		{"bad schedule", "x", `{"schedule":"whenever"}`, http.StatusBadRequest},
		{"unknown field", "x", `{"timeout":"5s"}`, http.StatusBadRequest},
		{"empty patch", "x", `{}`, http.StatusBadRequest},
		{"no body", "x", ``, http.StatusBadRequest},
		{"unknown job", "ghost", `{"maxRetries":1}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPatch, "/ops/jobs/"+tt.job+"/config", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
		})
	}

	cfg, err := f.reg.Config("x")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != 5*time.Second || cfg.MaxRetries != 2 || cfg.Schedule != "@hourly" {
		t.Fatalf("config not applied: %+v", cfg)
	}
}

type loaderFunc func(ctx context.Context, job string) (time.Time, bool, error)

func (f loaderFunc) LastRun(ctx context.Context, job string) (time.Time, bool, error) {
	return f(ctx, job)
}

func TestLastRunsFallbackChain(t *testing.T) {
	t.Parallel()
	persisted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loader := loaderFunc(func(_ context.Context, job string) (time.Time, bool, error) {
		switch job {
		case jobs.AIForecast, jobs.AILearning:
			return persisted, true, nil
		default:
			return time.Time{}, false, errors.New("store offline")
		}
	})
	f := newFixture(t, Config{}, Deps{LastRuns: loader})
	f.register(t, jobs.AIForecast, ok)
	if resp, _ := f.do(t, http.MethodPost, "/ops/jobs/"+jobs.AIForecast+"/trigger", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger: %d", resp.StatusCode)
	}

	_, body := f.do(t, http.MethodGet, "/ops/last-runs", "")
	src, _ := body["sources"].(map[string]any)
	if src["forecast"] != "live" || src["learning"] != "persisted" || src["governance"] != "none" {
		t.Fatalf("sources %v", src)
	}
	if body["governance"] != nil {
		t.Fatalf("governance = %v, want null", body["governance"])
	}
	if body["learning"] != persisted.Format(time.RFC3339) {
		t.Fatalf("learning = %v", body["learning"])
	}
}

func TestStatusAndAutoHeal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{
		Metrics: metrics.NewPrometheus("opscron_test").Handler(),
	})
	f.register(t, "x", ok)
	// The guard dispatches through the fixture's own watchdog.
	f.srv.deps.Healer = autoheal.New(f.w, autoheal.Config{Jobs: []string{"x"}})

	resp, body := f.do(t, http.MethodGet, "/ops/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	h, _ := body["health"].(map[string]any)
	if h["score"] != float64(100) || body["autoHeal"] == nil {
		t.Fatalf("status body %v", body)
	}

	_, body = f.do(t, http.MethodPost, "/ops/autoheal", "")
	dec, _ := body["decision"].(map[string]any)
	if dec["reason"] != string(autoheal.ReasonHealthy) {
		t.Fatalf("decision %v", dec)
	}

	resp, _ = f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	if resp, _ = f.do(t, http.MethodGet, "/ops/retry-state", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("retry-state: %d", resp.StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret", Pprof: true}, Deps{})

	if resp, _ := f.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must stay open: %d", resp.StatusCode)
	}
	tests := []struct {
		name string
		path string
		hdr  []string
		want int
	}{
		{"no token", "/ops/status", nil, http.StatusUnauthorized},
		{"wrong bearer", "/ops/status", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/ops/status", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"query token", "/ops/status?token=s3cret", nil, http.StatusOK},
		{"pprof guarded", "/debug/pprof/", nil, http.StatusUnauthorized},
		{"pprof with token", "/debug/pprof/?token=s3cret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodGet, tt.path, "", tt.hdr...)
			if resp.StatusCode != tt.want {
				t.Fatalf("status %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHealthzShuttingDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	if err := f.w.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["ok"] != false {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	reg, _ := jobs.NewRegistry(jobs.DefaultConfig())
	br := breaker.New(breaker.Config{})
	w := watchdog.New(watchdog.Config{}, reg, br, retry.NewController(br))
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{Scheduler: w}, logx.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	addr := s.Addr()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("addr = %q", addr)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Addr() != "" {
		t.Fatal("addr should clear after shutdown")
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal("second shutdown must be a no-op")
	}
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "tok"}, Deps{})
	f.register(t, "x", ok)
	c := NewClient(f.ts.URL, "tok")
	c.Caller = "cli-test"
	ctx := context.Background()

	raw, err := c.Trigger(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	var res watchdog.Result
	if err := json.Unmarshal(raw, &res); err != nil || !res.Success || res.Job != "x" {
		t.Fatalf("trigger result %s (%v)", raw, err)
	}

	timeout := 3 * time.Second
	if _, err := c.UpdateConfig(ctx, "x", jobs.Partial{Timeout: &timeout}); err != nil {
		t.Fatal(err)
	}
	if cfg, _ := f.reg.Config("x"); cfg.Timeout != timeout {
		t.Fatalf("timeout = %v", cfg.Timeout)
	}

	if _, err := c.Pause(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	_, err = c.Trigger(ctx, "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden || apiErr.Code != "paused" {
		t.Fatalf("paused trigger err = %v", err)
	}
	if _, err := c.Resume(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reset(ctx, ""); err != nil {
		t.Fatal(err)
	}
	for _, call := range []func(context.Context) (json.RawMessage, error){c.Status, c.LastRuns, c.Paused, c.RetryState} {
		if _, err := call(ctx); err != nil {
			t.Fatal(err)
		}
	}

	bad := NewClient(strings.TrimPrefix(f.ts.URL, "http://"), "wrong")
	if _, err := bad.Status(ctx); !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("bad token err = %v", err)
	}
}
