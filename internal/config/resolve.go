package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"opscron/internal/autoheal"
	"opscron/internal/background"
	"opscron/internal/breaker"
	"opscron/internal/eventbus"
	"opscron/internal/eventbus/redisrelay"
	"opscron/internal/jobs"
	"opscron/internal/leader"
	"opscron/internal/notifier"
	"opscron/internal/ratelimit"
	"opscron/internal/runners"
	"opscron/internal/storage"
	"opscron/internal/transport"
	"opscron/internal/transport/telegram/adapter"
	logx "opscron/pkg/logx"
)

// Job is one resolved jobs entry.
type Job struct {
	Overrides jobs.Partial
	Body      runners.Spec // zero for built-in jobs that only tune config
}

type Ops struct {
	Addr         string
	Token        string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Resolved is the typed, validated form of Config, one field per component.
type Resolved struct {
	Logging      logx.Config
	TickEnabled  bool
	Tick         time.Duration
	Grace        time.Duration
	Timezone     string
	Breaker      breaker.Config
	AutoHeal     autoheal.Config
	DefaultJob   jobs.Config
	Jobs         map[string]Job
	Background   background.Config
	RateLimit    ratelimit.Config
	Storage      storage.Config
	Redis        *RedisConfig
	Leader       leader.Config
	LeaderDSN    string
	RelayEnabled bool
	Relay        redisrelay.Config
	Notifier     notifier.Config
	Telegram     adapter.Config
	Ops          Ops
}

// Resolve parses durations, applies section defaults and validates cross-section
// references. It does not touch the network or the filesystem.
func Resolve(c *Config) (*Resolved, error) {
	if c == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	r := &Resolved{
		Logging: logx.Config{
			Level:   c.Logging.Level,
			Format:  c.Logging.Format,
			Console: c.Logging.Console,
			File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		},
		TickEnabled: c.Scheduler.Enabled == nil || *c.Scheduler.Enabled,
		Tick:        dur("scheduler.tick", c.Scheduler.Tick),
		Grace:       dur("scheduler.shutdown_grace", c.Scheduler.ShutdownGrace),
		Timezone:    strings.TrimSpace(c.Scheduler.Timezone),
		Breaker: breaker.Config{
			FailureThreshold: c.Breaker.FailureThreshold,
			Cooldown:         dur("breaker.cooldown", c.Breaker.Cooldown),
		},
		AutoHeal: autoheal.Config{
			Threshold: c.AutoHeal.Threshold,
			Cooldown:  dur("auto_heal.cooldown", c.AutoHeal.Cooldown),
			Jobs:      c.AutoHeal.Jobs,
		},
		Jobs: map[string]Job{},
	}
	if c.Logging.Level != "" && !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Breaker.FailureThreshold < 0 {
		errs = append(errs, errors.New("breaker.failure_threshold: must be >= 0"))
	}
	if c.AutoHeal.Threshold < 0 || c.AutoHeal.Threshold > 100 {
		errs = append(errs, errors.New("auto_heal.threshold: must be between 0 and 100"))
	}

	// Jobs: resolve "default" first, then every other entry against it.
	r.DefaultJob = jobs.DefaultConfig()
	if def, ok := c.Jobs[jobs.DefaultName]; ok {
		p, err := jobPartial(jobs.DefaultName, def)
		if err != nil {
			errs = append(errs, err)
		}
		r.DefaultJob = jobs.Merge(r.DefaultJob, p)
		if err := r.DefaultJob.Validate(jobs.DefaultName); err != nil {
			errs = append(errs, fmt.Errorf("jobs.default: %w", err))
		}
	}
	builtin := jobs.BuiltinOverrides()
	for name, jc := range c.Jobs {
		if name == jobs.DefaultName {
			continue
		}
		p, err := jobPartial(name, jc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		body := runners.Spec{Unit: jc.Unit, Command: jc.Command, Dir: jc.Dir, Env: jc.Env, URL: jc.URL, Method: jc.Method, Headers: jc.Headers, Body: jc.Body}
		_, isBuiltin := builtin[name]
		switch {
		case name == jobs.SelfHeal && !body.IsZero():
			errs = append(errs, fmt.Errorf("jobs.%s: cannot declare a body", name))
		case isBuiltin && body.IsZero():
			// config-only override of a built-in job
		default:
			if err := body.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("jobs.%s: %w", name, err))
			}
		}
		eff := jobs.Merge(r.DefaultJob, builtin[name].Overlay(p))
		if err := eff.Validate(name); err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s: %w", name, err))
		}
		r.Jobs[name] = Job{Overrides: p, Body: body}
	}
	for _, name := range r.AutoHeal.Jobs {
		if _, ok := builtin[name]; !ok && r.Jobs[name].Body.IsZero() {
			errs = append(errs, fmt.Errorf("auto_heal.jobs: unknown job %q", name))
		}
	}

	if b := c.Background; b != nil {
		r.Background = background.Config{
			Workers:        b.Workers,
			QueueSize:      b.QueueSize,
			DefaultTimeout: dur("background.default_timeout", b.DefaultTimeout),
			RetryMax:       b.RetryMax,
			RetryBase:      dur("background.retry_base", b.RetryBase),
			RetryMaxDelay:  dur("background.retry_max_delay", b.RetryMaxDelay),
			RetryJitter:    b.RetryJitter,
			HistorySize:    b.HistorySize,
		}
	}

	r.RateLimit = ratelimit.Config{Limits: ratelimit.DefaultLimits()}
	if rl := c.RateLimit; rl != nil {
		r.RateLimit.IdleTTL = dur("rate_limit.idle_ttl", rl.IdleTTL)
		for kind, lc := range map[ratelimit.Kind]*LimitConfig{
			ratelimit.KindTrigger: rl.Trigger,
			ratelimit.KindReset:   rl.Reset,
			ratelimit.KindConfig:  rl.Config,
			ratelimit.KindPause:   rl.Pause,
		} {
			if lc == nil {
				continue
			}
			if lc.Burst < 0 {
				errs = append(errs, fmt.Errorf("rate_limit.%s.burst: must be >= 0", kind))
			}
			r.RateLimit.Limits[kind] = ratelimit.Limit{Every: dur("rate_limit."+string(kind)+".every", lc.Every), Burst: lc.Burst}
		}
	}

	if s := c.Storage; s != nil {
		r.Storage = storage.Config{
			Driver:        s.Driver,
			Path:          s.Path,
			DSN:           s.DSN,
			BusyTimeout:   dur("storage.busy_timeout", s.BusyTimeout),
			GuardFailures: s.GuardFailures,
			GuardCooldown: dur("storage.guard_cooldown", s.GuardCooldown),
		}
	}

	r.Redis = c.Redis
	if l := c.Leader; l != nil {
		r.Leader = leader.Config{
			Driver:     strings.ToLower(strings.TrimSpace(l.Driver)),
			Key:        l.Key,
			TTL:        dur("leader.ttl", l.TTL),
			Renew:      dur("leader.renew", l.Renew),
			InstanceID: l.InstanceID,
		}
		r.LeaderDSN = l.DSN
		if r.LeaderDSN == "" && c.Storage != nil {
			r.LeaderDSN = c.Storage.DSN
		}
		switch r.Leader.Driver {
		case "", "none":
		case "redis":
			if c.Redis == nil || c.Redis.Addr == "" {
				errs = append(errs, errors.New("leader.driver=redis requires redis.addr"))
			}
		case "postgres":
			if r.LeaderDSN == "" {
				errs = append(errs, errors.New("leader.driver=postgres requires leader.dsn or storage.dsn"))
			}
		default:
			errs = append(errs, fmt.Errorf("leader.driver: unknown driver %q", l.Driver))
		}
	}

	if rc := c.Relay; rc != nil && rc.Enabled {
		if c.Redis == nil || c.Redis.Addr == "" {
			errs = append(errs, errors.New("relay.enabled requires redis.addr"))
		}
		r.RelayEnabled = true
		r.Relay = redisrelay.Config{Channel: rc.Channel, Buffer: rc.Buffer, Timeout: dur("relay.timeout", rc.Timeout)}
		for _, t := range rc.Types {
			r.Relay.Types = append(r.Relay.Types, eventbus.Type(t))
		}
	}

	r.Telegram = adapter.Config{Token: c.Telegram.Token, URL: c.Telegram.APIURL, Timeout: dur("telegram.timeout", c.Telegram.Timeout)}
	if n := c.Notifier; n != nil {
		r.Notifier = notifier.Config{
			Enabled:         n.Enabled,
			Workers:         n.Workers,
			QueueSize:       n.QueueSize,
			RatePerSec:      n.RatePerSec,
			RetryMax:        n.RetryMax,
			RetryBase:       dur("notifier.retry_base", n.RetryBase),
			RetryMaxDelay:   dur("notifier.retry_max_delay", n.RetryMaxDelay),
			DedupWindow:     dur("notifier.dedup_window", n.DedupWindow),
			DedupMaxEntries: n.DedupMaxEntries,
			PersistDedup:    n.PersistDedup,
			Target:          transport.ChatTarget{ChatID: c.Telegram.ChatID, ThreadID: c.Telegram.ThreadID},
			ParseMode:       c.Telegram.ParseMode,
		}
		if n.Enabled && (strings.TrimSpace(c.Telegram.Token) == "" || c.Telegram.ChatID == 0) {
			errs = append(errs, errors.New("notifier.enabled requires telegram.token and telegram.chat_id"))
		}
	}

	r.Ops = Ops{
		Addr:         c.Ops.Addr,
		Token:        c.Ops.Token,
		Pprof:        c.Ops.Pprof,
		ReadTimeout:  dur("ops.read_timeout", c.Ops.ReadTimeout),
		WriteTimeout: dur("ops.write_timeout", c.Ops.WriteTimeout),
		IdleTimeout:  dur("ops.idle_timeout", c.Ops.IdleTimeout),
	}
	if r.Ops.Addr == "" {
		r.Ops.Addr = "127.0.0.1:8089"
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func jobPartial(name string, jc JobConfig) (jobs.Partial, error) {
	var p jobs.Partial
	if jc.Timeout != "" {
		d, err := ParseDurationField("jobs."+name+".timeout", jc.Timeout)
		if err != nil {
			return p, err
		}
		p.Timeout = &d
	}
	if jc.RetryDelay != "" {
		d, err := ParseDurationField("jobs."+name+".retry_delay", jc.RetryDelay)
		if err != nil {
			return p, err
		}
		p.RetryDelay = &d
	}
	p.MaxRetries = jc.MaxRetries
	p.BackoffMultiplier = jc.BackoffMultiplier
	p.Schedule = jc.Schedule
	return p, nil
}
