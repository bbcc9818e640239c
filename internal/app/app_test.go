package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"opscron/internal/jobs"
	"opscron/internal/ops"
	"opscron/internal/watchdog"
)

const baseConfig = `
logging:
  level: error
scheduler:
  tick: 1h
  shutdown_grace: 2s
storage:
  driver: file
  path: %q
ops:
  addr: 127.0.0.1:0
jobs:
  ai_forecast:
    timeout: 2s
    max_retries: %d
`

func writeConfig(t *testing.T, path, dir string, maxRetries int, extra string) {
	t.Helper()
	body := []byte(fmt.Sprintf(baseConfig, filepath.Join(dir, "state", "opscron.db"), maxRetries) + extra)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
}

func startApp(t *testing.T, fns JobFuncs) (*App, string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "opscron.yaml")
	writeConfig(t, path, dir, 0, "")

	ctx := context.Background()
	a, err := New(ctx, path, WithJobs(fns))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(sctx, StopAppStop)
	})
	return a, path, dir
}

func TestNewRejectsMissingConfig(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestTriggerThroughOps(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	a, _, _ := startApp(t, JobFuncs{jobs.AIForecast: func(context.Context) error {
		calls.Add(1)
		return nil
	}})

	if !a.Registry().Has(jobs.SelfHeal) {
		t.Fatal("self_heal is not registered")
	}

	c := ops.NewClient(a.OpsAddr(), "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := c.Trigger(ctx, jobs.AIForecast)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	var res watchdog.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Attempts != 1 || calls.Load() != 1 {
		t.Fatalf("result = %+v, calls = %d", res, calls.Load())
	}

	raw, err = c.LastRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var lr struct {
		Sources map[string]string `json:"sources"`
	}
	if err := json.Unmarshal(raw, &lr); err != nil {
		t.Fatal(err)
	}
	if lr.Sources["forecast"] != "live" {
		t.Fatalf("forecast source = %q", lr.Sources["forecast"])
	}

	_, err = c.Trigger(ctx, "ghost")
	var apiErr *ops.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Fatalf("unknown job err = %v", err)
	}
}

func TestStopRefusesTriggers(t *testing.T) {
	t.Parallel()
	a, _, _ := startApp(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if _, err := a.Watchdog().TriggerJob(ctx, jobs.SelfHeal); !errors.Is(err, watchdog.ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
}

func TestHotReloadRetunesJobs(t *testing.T) {
	t.Parallel()
	a, path, dir := startApp(t, JobFuncs{jobs.AIForecast: func(context.Context) error { return nil }})

	cfg, err := a.Registry().Config(jobs.AIForecast)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxRetries != 0 || cfg.Timeout != 2*time.Second {
		t.Fatalf("initial config = %+v", cfg)
	}

	writeConfig(t, path, dir, 4, "  default:\n    retry_delay: 1s\n")

	deadline := time.Now().Add(10 * time.Second)
	for {
		cfg, _ = a.Registry().Config(jobs.AIForecast)
		if cfg.MaxRetries == 4 && cfg.RetryDelay == time.Second {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reload not applied: %+v", cfg)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("timeout = %v, want 2s kept", cfg.Timeout)
	}

	// self_heal only inherits the default entry.
	sh, _ := a.Registry().Config(jobs.SelfHeal)
	if sh.RetryDelay != time.Second {
		t.Fatalf("self_heal retry delay = %v", sh.RetryDelay)
	}
}
