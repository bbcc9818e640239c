package storage

import (
	"context"
	"strings"
	"time"

	cb "github.com/sony/gobreaker"

	logx "opscron/pkg/logx"
)

// Guarded wraps a Store in a circuit breaker so a dead database is not hammered by
// every finished run. While open, calls fail fast with gobreaker.ErrOpenState.
type Guarded struct {
	inner Store
	cb    *cb.CircuitBreaker
}

// NewGuarded wraps inner. failures <= 0 uses 5; cooldown <= 0 uses 30s.
func NewGuarded(inner Store, name string, failures int, cooldown time.Duration, log logx.Logger) *Guarded {
	if failures <= 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	trip := uint32(failures)
	settings := cb.Settings{
		Name:        "storage." + strings.TrimSpace(name),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("storage breaker state change", logx.String("name", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	}
	return &Guarded{inner: inner, cb: cb.NewCircuitBreaker(settings)}
}

// State reports the guard state ("closed", "half-open", "open").
func (g *Guarded) State() string { return g.cb.State().String() }

func (g *Guarded) exec(fn func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (g *Guarded) PersistLastRun(ctx context.Context, job string, at time.Time) error {
	return g.exec(func() error { return g.inner.PersistLastRun(ctx, job, at) })
}

func (g *Guarded) LastRun(ctx context.Context, job string) (at time.Time, ok bool, err error) {
	err = g.exec(func() error {
		var ierr error
		at, ok, ierr = g.inner.LastRun(ctx, job)
		return ierr
	})
	return at, ok, err
}

func (g *Guarded) AppendBreadcrumb(ctx context.Context, b Breadcrumb) error {
	return g.exec(func() error { return g.inner.AppendBreadcrumb(ctx, b) })
}

func (g *Guarded) RecentBreadcrumbs(ctx context.Context, job string, limit int) (out []Breadcrumb, err error) {
	err = g.exec(func() error {
		var ierr error
		out, ierr = g.inner.RecentBreadcrumbs(ctx, job, limit)
		return ierr
	})
	return out, err
}

func (g *Guarded) PutDedup(ctx context.Context, key string, until time.Time) error {
	return g.exec(func() error { return g.inner.PutDedup(ctx, key, until) })
}

func (g *Guarded) GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error) {
	err = g.exec(func() error {
		var ierr error
		until, ok, ierr = g.inner.GetDedup(ctx, key)
		return ierr
	})
	return until, ok, err
}

func (g *Guarded) Close() error { return g.inner.Close() }
