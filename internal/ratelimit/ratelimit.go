// Package ratelimit throttles operator actions (manual triggers, resets, config edits) per caller.
//
// Each (caller, kind) pair owns a token bucket from golang.org/x/time/rate. Allow never blocks.
// Buckets idle for longer than the TTL are evicted by Sweep, which Run calls periodically.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimited = errors.New("rate limited")

// LimitedError carries how long the caller should wait.
type LimitedError struct {
	Caller     string
	Kind       Kind
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%s: %s by %s, retry in %s", ErrLimited, e.Kind, e.Caller, e.RetryAfter.Round(time.Millisecond))
}

func (e *LimitedError) Is(target error) bool { return target == ErrLimited }

type Kind string

const (
	KindTrigger Kind = "trigger"
	KindReset   Kind = "reset"
	KindConfig  Kind = "config"
	KindPause   Kind = "pause"
)

// Limit is a bucket shape: Burst actions immediately, then one per Every.
type Limit struct {
	Every time.Duration
	Burst int
}

func (l Limit) disabled() bool { return l.Every <= 0 || l.Burst <= 0 }

// DefaultLimits is the per-kind table used when Config.Limits omits a kind.
func DefaultLimits() map[Kind]Limit {
	return map[Kind]Limit{
		KindTrigger: {Every: 10 * time.Second, Burst: 3},
		KindReset:   {Every: 30 * time.Second, Burst: 2},
		KindConfig:  {Every: 5 * time.Second, Burst: 5},
		KindPause:   {Every: 2 * time.Second, Burst: 5},
	}
}

type Config struct {
	Limits   map[Kind]Limit
	IdleTTL  time.Duration
	SweepInt time.Duration
}

type key struct {
	caller string
	kind   Kind
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type Limiter struct {
	mu      sync.Mutex
	limits  map[Kind]Limit
	idleTTL time.Duration
	sweep   time.Duration
	entries map[key]*entry
	now     func() time.Time
}

func New(cfg Config) *Limiter {
	l := &Limiter{entries: map[key]*entry{}, now: time.Now}
	l.Apply(cfg)
	return l
}

// Apply swaps the limits table. Existing buckets are dropped so new shapes take effect at once.
func (l *Limiter) Apply(cfg Config) {
	limits := DefaultLimits()
	for k, v := range cfg.Limits {
		limits[k] = v
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.SweepInt <= 0 {
		cfg.SweepInt = time.Minute
	}
	l.mu.Lock()
	l.limits = limits
	l.idleTTL = cfg.IdleTTL
	l.sweep = cfg.SweepInt
	l.entries = map[key]*entry{}
	l.mu.Unlock()
}

// Allow consumes one token for (caller, kind). When the bucket is empty it reports
// how long until the next token.
func (l *Limiter) Allow(caller string, kind Kind) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limits[kind]
	if !ok || lim.disabled() {
		return true, 0
	}
	k := key{caller: caller, kind: kind}
	e := l.entries[k]
	if e == nil {
		e = &entry{lim: rate.NewLimiter(rate.Every(lim.Every), lim.Burst)}
		l.entries[k] = e
	}
	e.lastSeen = now

	r := e.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, lim.Every
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Check is Allow as an error: nil or a *LimitedError.
func (l *Limiter) Check(caller string, kind Kind) error {
	if ok, after := l.Allow(caller, kind); !ok {
		return &LimitedError{Caller: caller, Kind: kind, RetryAfter: after}
	}
	return nil
}

// Sweep evicts buckets idle longer than the TTL and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run sweeps until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	l.mu.Lock()
	every := l.sweep
	l.mu.Unlock()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			l.Sweep()
		}
	}
}
