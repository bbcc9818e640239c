package jobs

import (
	"time"

	"opscron/internal/schedule"
)

// Well-known job names.
const (
	DefaultName     = "default"
	AIForecast      = "ai_forecast"
	AILearning      = "ai_learning"
	GovernanceScore = "governance_score"
	SelfHeal        = "self_heal"
)

const (
	MinTimeout    = time.Second
	MaxTimeout    = 10 * time.Minute
	MaxMaxRetries = 10
)

// Config is the effective, fully resolved configuration of a job.
type Config struct {
	Timeout           time.Duration `json:"timeout"`
	MaxRetries        int           `json:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Schedule          string        `json:"schedule,omitempty"`
}

// Partial holds per-job overrides. Nil fields fall back to the default entry.
type Partial struct {
	Timeout           *time.Duration
	MaxRetries        *int
	RetryDelay        *time.Duration
	BackoffMultiplier *float64
	Schedule          *string
}

func (p Partial) IsZero() bool {
	return p.Timeout == nil && p.MaxRetries == nil && p.RetryDelay == nil &&
		p.BackoffMultiplier == nil && p.Schedule == nil
}

// Overlay returns p with every field set in o taking precedence.
func (p Partial) Overlay(o Partial) Partial {
	if o.Timeout != nil {
		p.Timeout = o.Timeout
	}
	if o.MaxRetries != nil {
		p.MaxRetries = o.MaxRetries
	}
	if o.RetryDelay != nil {
		p.RetryDelay = o.RetryDelay
	}
	if o.BackoffMultiplier != nil {
		p.BackoffMultiplier = o.BackoffMultiplier
	}
	if o.Schedule != nil {
		p.Schedule = o.Schedule
	}
	return p
}

// Merge resolves p against def.
func Merge(def Config, p Partial) Config {
	out := def
	if p.Timeout != nil {
		out.Timeout = *p.Timeout
	}
	if p.MaxRetries != nil {
		out.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		out.RetryDelay = *p.RetryDelay
	}
	if p.BackoffMultiplier != nil {
		out.BackoffMultiplier = *p.BackoffMultiplier
	}
	if p.Schedule != nil {
		out.Schedule = *p.Schedule
	}
	return out
}

// PartialOf returns a Partial that sets every field of c.
func PartialOf(c Config) Partial {
	return Partial{
		Timeout:           &c.Timeout,
		MaxRetries:        &c.MaxRetries,
		RetryDelay:        &c.RetryDelay,
		BackoffMultiplier: &c.BackoffMultiplier,
		Schedule:          &c.Schedule,
	}
}

// Validate checks c for the job named job.
func (c Config) Validate(job string) error {
	if c.Timeout < MinTimeout || c.Timeout > MaxTimeout {
		return &ValidationError{Job: job, Field: "timeout", Value: c.Timeout, Reason: "must be between 1s and 10m"}
	}
	if c.MaxRetries < 0 || c.MaxRetries > MaxMaxRetries {
		return &ValidationError{Job: job, Field: "max_retries", Value: c.MaxRetries, Reason: "must be between 0 and 10"}
	}
	if c.RetryDelay < 0 {
		return &ValidationError{Job: job, Field: "retry_delay", Value: c.RetryDelay, Reason: "must be >= 0"}
	}
	if c.BackoffMultiplier < 1 {
		return &ValidationError{Job: job, Field: "backoff_multiplier", Value: c.BackoffMultiplier, Reason: "must be >= 1"}
	}
	if err := schedule.Validate(c.Schedule); err != nil {
		return &ValidationError{Job: job, Field: "schedule", Value: c.Schedule, Reason: err.Error()}
	}
	return nil
}

// DefaultConfig is the built-in "default" entry.
func DefaultConfig() Config {
	return Config{
		Timeout:           5 * time.Minute,
		MaxRetries:        3,
		RetryDelay:        5 * time.Second,
		BackoffMultiplier: 2,
	}
}

func ptr[T any](v T) *T { return &v }

// BuiltinOverrides returns the shipped per-job overrides for the well-known jobs.
func BuiltinOverrides() map[string]Partial {
	return map[string]Partial{
		AIForecast:      {Timeout: ptr(5 * time.Minute), MaxRetries: ptr(2)},
		AILearning:      {Timeout: ptr(10 * time.Minute), MaxRetries: ptr(2)},
		GovernanceScore: {Timeout: ptr(2 * time.Minute), MaxRetries: ptr(3)},
		SelfHeal:        {Timeout: ptr(10 * time.Minute)},
	}
}
