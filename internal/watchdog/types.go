package watchdog

import (
	"context"
	"time"

	"opscron/internal/background"
	"opscron/internal/breaker"
	"opscron/internal/storage"
)

// TriggerKind records what started a run.
type TriggerKind string

const (
	TriggerTick     TriggerKind = "tick"
	TriggerManual   TriggerKind = "manual"
	TriggerAutoHeal TriggerKind = "autoheal"
)

// Skip reasons recorded for scheduled runs that were refused.
const (
	SkipPaused         = "paused"
	SkipAlreadyRunning = "already_running"
	SkipCircuitOpen    = "circuit_open"
	SkipShuttingDown   = "shutting_down"
)

// successWindow is how many completed runs feed SuccessRate.
const successWindow = 50

type Config struct {
	// Tick is how often due schedules are evaluated.
	Tick time.Duration
	// ShutdownGrace bounds how long Shutdown waits for active runs.
	ShutdownGrace time.Duration
	Timezone      string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// LastRunPersister stores last-run timestamps. Calls are fire-and-forget.
type LastRunPersister interface {
	PersistLastRun(ctx context.Context, job string, at time.Time) error
}

// LastRunLoader seeds schedule evaluation after a restart. Optional.
type LastRunLoader interface {
	LastRun(ctx context.Context, job string) (time.Time, bool, error)
}

type BreadcrumbWriter interface {
	AppendBreadcrumb(ctx context.Context, b storage.Breadcrumb) error
}

// Enqueuer accepts background work. *background.Service satisfies it.
type Enqueuer interface {
	Enqueue(t background.Task) error
}

// Leader gates the tick across instances.
type Leader interface {
	IsLeader() bool
}

// Result is returned by TriggerJob. An exhausted run is Success=false with the last error.
type Result struct {
	Job        string      `json:"job"`
	RunID      string      `json:"runId"`
	Trigger    TriggerKind `json:"trigger"`
	Success    bool        `json:"success"`
	Duration   int64       `json:"durationMs"`
	Attempts   int         `json:"attempts"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
}

// JobRunState is the live record for one job.
type JobRunState struct {
	IsActive       bool          `json:"isActive"`
	LastRunAt      *time.Time    `json:"lastRunAt"`
	LastDuration   time.Duration `json:"-"`
	LastDurationMs int64         `json:"lastDurationMs"`
	LastSuccess    bool          `json:"lastSuccess"`
	LastError      string        `json:"lastError,omitempty"`
	LastAttempts   int           `json:"lastAttempts"`
	RunCount       int           `json:"runCount"`
	ErrorCount     int           `json:"errorCount"`
	TimeoutCount   int           `json:"timeoutCount"`
	RetryCount     int           `json:"retryCount"`
	SkipCount      int           `json:"skipCount"`
	// SuccessRate covers the most recent completed runs, 0..1. Zero when nothing has run.
	SuccessRate float64 `json:"successRate"`
}

// RetryAttempt describes the in-flight attempt of an active run.
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"startedAt"`
	LastError string    `json:"lastError,omitempty"`
}

type Status struct {
	IsRunning         bool                        `json:"isRunning"`
	IsShuttingDown    bool                        `json:"isShuttingDown"`
	IsLeader          bool                        `json:"isLeader"`
	ActiveJobs        []string                    `json:"activeJobs"`
	ActiveJobCount    int                         `json:"activeJobCount"`
	JobMetrics        map[string]JobRunState      `json:"jobMetrics"`
	CircuitBreakers   map[string]breaker.Snapshot `json:"circuitBreakers"`
	PausedJobs        []string                    `json:"pausedJobs"`
	AbandonedAttempts int64                       `json:"abandonedAttempts"`
	DetachedAttempts  int64                       `json:"detachedAttempts"`
}

// LastRuns carries the live last-run time of the dashboard jobs.
type LastRuns struct {
	Forecast   *time.Time `json:"forecast"`
	Learning   *time.Time `json:"learning"`
	Governance *time.Time `json:"governance"`
}

type ResetResult struct {
	Job           string        `json:"job"`
	Success       bool          `json:"success"`
	PreviousState breaker.State `json:"previousState,omitempty"`
	Error         string        `json:"error,omitempty"`
}

type ResetAllResult struct {
	ResetCount int           `json:"resetCount"`
	Results    []ResetResult `json:"results"`
}
