package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Guard trips after this many consecutive store failures and stays open for GuardCooldown.
	// GuardFailures < 0 disables the guard.
	GuardFailures int
	GuardCooldown time.Duration
}

// Breadcrumb is a compact record of one finished run.
type Breadcrumb struct {
	ID        string        `json:"id"`
	Job       string        `json:"job"`
	RunID     string        `json:"run_id"`
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

// Store is the persistence API used by the scheduler and the notifier.
type Store interface {
	PersistLastRun(ctx context.Context, job string, at time.Time) error
	LastRun(ctx context.Context, job string) (at time.Time, ok bool, err error)

	AppendBreadcrumb(ctx context.Context, b Breadcrumb) error
	// RecentBreadcrumbs returns up to limit breadcrumbs, newest first. An empty job matches all.
	RecentBreadcrumbs(ctx context.Context, job string, limit int) ([]Breadcrumb, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
