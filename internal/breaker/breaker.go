package breaker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"opscron/internal/eventbus"
	"opscron/internal/metrics"
	logx "opscron/pkg/logx"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// ResetKind distinguishes operator resets from a successful half-open trial.
type ResetKind string

const (
	ResetManual ResetKind = "manual"
	ResetAuto   ResetKind = "auto"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 5 * time.Minute
)

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Snapshot is a point-in-time view of one job's breaker.
type Snapshot struct {
	Job                 string     `json:"job"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
	RetryAt             *time.Time `json:"retryAt,omitempty"`
	TrialInFlight       bool       `json:"trialInFlight,omitempty"`
	Trips               int        `json:"trips"`
	LastResetAt         *time.Time `json:"lastResetAt,omitempty"`
	LastResetKind       ResetKind  `json:"lastResetKind,omitempty"`
}

type jobState struct {
	state         State
	failures      int
	openedAt      time.Time
	trial         bool
	trips         int
	lastResetAt   time.Time
	lastResetKind ResetKind
}

type transition struct {
	job       string
	from, to  State
	failures  int
	openedAt  time.Time
	resetKind ResetKind
}

// Set holds one breaker per job name, created lazily on first use.
type Set struct {
	mu   sync.Mutex
	cfg  Config
	m    map[string]*jobState
	now  func() time.Time
	sink metrics.Sink
	bus  eventbus.Bus
	log  logx.Logger
}

type Option func(*Set)

func WithClock(now func() time.Time) Option {
	return func(s *Set) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMetrics(sink metrics.Sink) Option { return func(s *Set) { s.sink = metrics.OrNop(sink) } }
func WithBus(bus eventbus.Bus) Option      { return func(s *Set) { s.bus = bus } }
func WithLogger(log logx.Logger) Option    { return func(s *Set) { s.log = log } }

func New(cfg Config, opts ...Option) *Set {
	s := &Set{
		cfg:  cfg.withDefaults(),
		m:    map[string]*jobState{},
		now:  time.Now,
		sink: metrics.Nop{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetConfig replaces threshold and cooldown. Existing open breakers keep their openedAt.
func (s *Set) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Set) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Set) getLocked(job string) *jobState {
	st := s.m[job]
	if st == nil {
		st = &jobState{state: Closed}
		s.m[job] = st
	}
	return st
}

// CanRun reports whether job may start now. An open breaker whose cooldown elapsed moves to
// half-open and admits exactly one trial; further calls are refused until that trial's outcome
// is recorded.
func (s *Set) CanRun(job string) error {
	job = strings.TrimSpace(job)
	now := s.now()

	s.mu.Lock()
	st := s.getLocked(job)
	var (
		err error
		tr  *transition
	)
	switch st.state {
	case Open:
		retryAt := st.openedAt.Add(s.cfg.Cooldown)
		if now.Before(retryAt) {
			err = &CircuitOpenError{Job: job, State: Open, OpenedAt: st.openedAt, RetryAt: retryAt}
			break
		}
		st.state = HalfOpen
		st.trial = true
		tr = &transition{job: job, from: Open, to: HalfOpen, failures: st.failures, openedAt: st.openedAt}
	case HalfOpen:
		if st.trial {
			err = &CircuitOpenError{Job: job, State: HalfOpen, OpenedAt: st.openedAt}
			break
		}
		st.trial = true
	}
	s.mu.Unlock()

	if tr != nil {
		s.emit(*tr)
	}
	return err
}

// Allowed is a non-mutating peek at whether CanRun would admit job.
func (s *Set) Allowed(job string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.m[job]
	if st == nil {
		return true
	}
	switch st.state {
	case Open:
		return !now.Before(st.openedAt.Add(s.cfg.Cooldown))
	case HalfOpen:
		return !st.trial
	default:
		return true
	}
}

// RecordOutcome feeds one attempt result into the breaker.
func (s *Set) RecordOutcome(job string, success bool) {
	job = strings.TrimSpace(job)
	now := s.now()

	s.mu.Lock()
	st := s.getLocked(job)
	var tr *transition
	if success {
		prev := st.state
		st.failures = 0
		st.trial = false
		if prev != Closed {
			st.state = Closed
			st.openedAt = time.Time{}
			st.lastResetAt = now
			st.lastResetKind = ResetAuto
			tr = &transition{job: job, from: prev, to: Closed, resetKind: ResetAuto}
		}
	} else {
		st.failures++
		switch st.state {
		case Closed:
			if st.failures >= s.cfg.FailureThreshold {
				st.state = Open
				st.openedAt = now
				st.trips++
				tr = &transition{job: job, from: Closed, to: Open, failures: st.failures, openedAt: now}
			}
		case HalfOpen:
			st.state = Open
			st.openedAt = now
			st.trial = false
			st.trips++
			tr = &transition{job: job, from: HalfOpen, to: Open, failures: st.failures, openedAt: now}
		}
	}
	s.mu.Unlock()

	if tr != nil {
		s.emit(*tr)
	}
}

// IsOpen reports whether job's breaker is currently open (not half-open).
func (s *Set) IsOpen(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.m[job]
	return st != nil && st.state == Open
}

// Reset forces job's breaker closed and returns the state it was in.
func (s *Set) Reset(job string, kind ResetKind) State {
	job = strings.TrimSpace(job)
	if kind == "" {
		kind = ResetManual
	}
	now := s.now()

	s.mu.Lock()
	st := s.getLocked(job)
	prev := st.state
	st.state = Closed
	st.failures = 0
	st.trial = false
	st.openedAt = time.Time{}
	st.lastResetAt = now
	st.lastResetKind = kind
	s.mu.Unlock()

	s.emit(transition{job: job, from: prev, to: Closed, resetKind: kind})
	return prev
}

// ResetAll resets every open or half-open breaker and returns their names, sorted.
func (s *Set) ResetAll() []string {
	s.mu.Lock()
	var names []string
	for name, st := range s.m {
		if st.state == Open || st.state == HalfOpen {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		s.Reset(name, ResetManual)
	}
	return names
}

func (s *Set) Snapshot(job string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.m[job]
	if st == nil {
		return Snapshot{Job: job, State: Closed}
	}
	return s.snapshotLocked(job, st)
}

// SnapshotAll returns every known breaker keyed by job.
func (s *Set) SnapshotAll() map[string]Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Snapshot, len(s.m))
	for name, st := range s.m {
		out[name] = s.snapshotLocked(name, st)
	}
	return out
}

func (s *Set) snapshotLocked(job string, st *jobState) Snapshot {
	snap := Snapshot{
		Job:                 job,
		State:               st.state,
		ConsecutiveFailures: st.failures,
		TrialInFlight:       st.trial,
		Trips:               st.trips,
		LastResetKind:       st.lastResetKind,
	}
	if !st.openedAt.IsZero() {
		opened := st.openedAt
		retry := opened.Add(s.cfg.Cooldown)
		snap.OpenedAt = &opened
		snap.RetryAt = &retry
	}
	if !st.lastResetAt.IsZero() {
		at := st.lastResetAt
		snap.LastResetAt = &at
	}
	return snap
}

func (s *Set) emit(tr transition) {
	s.sink.SetCircuitBreakerState(tr.job, string(tr.to))
	if tr.to == Open {
		s.sink.RecordCircuitBreakerTrip(tr.job)
	}
	if tr.resetKind != "" {
		s.sink.RecordCircuitBreakerReset(tr.job, string(tr.resetKind))
	}

	ev := eventbus.BreakerTransition{
		Job:       tr.job,
		From:      string(tr.from),
		To:        string(tr.to),
		Failures:  tr.failures,
		ResetKind: string(tr.resetKind),
	}
	if !tr.openedAt.IsZero() {
		at := tr.openedAt
		ev.OpenedAt = &at
	}
	eventbus.Emit(s.bus, ev)

	if s.log.IsZero() {
		return
	}
	fields := []logx.Field{
		logx.String("job", tr.job),
		logx.String("from", string(tr.from)),
		logx.String("to", string(tr.to)),
	}
	switch {
	case tr.to == Open:
		s.log.Warn("breaker.tripped", append(fields, logx.Int("failures", tr.failures))...)
	case tr.to == HalfOpen:
		s.log.Info("breaker.half_open", fields...)
	default:
		s.log.Info("breaker.reset", append(fields, logx.String("kind", string(tr.resetKind)))...)
	}
}
