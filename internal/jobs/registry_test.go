package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noop(context.Context) error { return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(DefaultConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for name, p := range BuiltinOverrides() {
		if err := r.Register(name, noop, p); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	return r
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	err := r.Register(AIForecast, noop, Partial{})
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("err = %v, want ErrDuplicateJob", err)
	}
	if err := r.Register(DefaultName, noop, Partial{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("registering default should fail validation, got %v", err)
	}
}

func TestConfigFallsBackToDefault(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	cfg, err := r.Config(AILearning)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != 10*time.Minute || cfg.MaxRetries != 2 {
		t.Fatalf("override not applied: %+v", cfg)
	}
	if cfg.RetryDelay != 5*time.Second || cfg.BackoffMultiplier != 2 {
		t.Fatalf("default not inherited: %+v", cfg)
	}
	if _, err := r.Config("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestUpdateConfigRejectsInvalidAndKeepsOld(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	before, _ := r.Config(AIForecast)

	tests := []struct {
		name  string
		p     Partial
		field string
	}{
		{"max retries above cap", Partial{MaxRetries: ptr(15)}, "max_retries"},
		{"timeout too short", Partial{Timeout: ptr(500 * time.Millisecond)}, "timeout"},
		{"timeout too long", Partial{Timeout: ptr(11 * time.Minute)}, "timeout"},
		{"negative delay", Partial{RetryDelay: ptr(-time.Second)}, "retry_delay"},
		{"multiplier below one", Partial{BackoffMultiplier: ptr(0.5)}, "backoff_multiplier"},
		{"bad schedule", Partial{Schedule: ptr("whenever")}, "schedule"},
	}
	for _, tt := range tests {
		_, err := r.UpdateConfig(AIForecast, tt.p)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: err = %v, want *ValidationError", tt.name, err)
		}
		if ve.Field != tt.field {
			t.Fatalf("%s: Field = %s, want %s", tt.name, ve.Field, tt.field)
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: errors.Is(ErrValidation) = false", tt.name)
		}
	}

	after, _ := r.Config(AIForecast)
	if after != before {
		t.Fatalf("config changed after rejected updates: %+v != %+v", after, before)
	}
}

func TestUpdateConfigMergesOverrides(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	got, err := r.UpdateConfig(AIForecast, Partial{RetryDelay: ptr(10 * time.Millisecond)})
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryDelay != 10*time.Millisecond || got.MaxRetries != 2 {
		t.Fatalf("unexpected merged config %+v", got)
	}
	if _, err := r.UpdateConfig(AIForecast, Partial{Schedule: ptr("*/15 * * * *")}); err != nil {
		t.Fatal(err)
	}
	cfg, _ := r.Config(AIForecast)
	if cfg.RetryDelay != 10*time.Millisecond || cfg.Schedule != "*/15 * * * *" {
		t.Fatalf("earlier override lost: %+v", cfg)
	}
}

func TestUpdateDefaultRevalidatesJobs(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	if err := r.Register("report", noop, Partial{BackoffMultiplier: ptr(1.0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.UpdateConfig(DefaultName, Partial{Timeout: ptr(20 * time.Minute)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	def, _ := r.Config(DefaultName)
	if def.Timeout != 5*time.Minute {
		t.Fatalf("default changed after rejected update: %v", def.Timeout)
	}

	if _, err := r.UpdateConfig(DefaultName, Partial{BackoffMultiplier: ptr(0.5)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}

	if _, err := r.UpdateConfig(DefaultName, Partial{MaxRetries: ptr(1)}); err != nil {
		t.Fatal(err)
	}
	cfg, _ := r.Config("report")
	if cfg.MaxRetries != 1 {
		t.Fatalf("report did not inherit new default: %+v", cfg)
	}
}

func TestNamesSorted(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	got := r.Names()
	want := []string{AIForecast, AILearning, GovernanceScore, SelfHeal}
	if len(got) != len(want) {
		t.Fatalf("Names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names = %v, want %v", got, want)
		}
	}
}
