package config

import (
	"reflect"
	"sort"
	"strings"

	logx "opscron/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens or DSNs),
// and (3) the names of jobs entries that changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled == nil || *newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Breaker != newCfg.Breaker {
		changed = append(changed, "breaker")
		attrs = append(attrs,
			logx.Int("breaker.failure_threshold", newCfg.Breaker.FailureThreshold),
			logx.String("breaker.cooldown", newCfg.Breaker.Cooldown),
		)
	}

	if !reflect.DeepEqual(oldCfg.AutoHeal, newCfg.AutoHeal) {
		changed = append(changed, "auto_heal")
		attrs = append(attrs,
			logx.Float64("auto_heal.threshold", newCfg.AutoHeal.Threshold),
			logx.String("auto_heal.cooldown", newCfg.AutoHeal.Cooldown),
			logx.Strings("auto_heal.jobs", newCfg.AutoHeal.Jobs),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Strings("jobs.changed", jobsChanged))
	}

	if !reflect.DeepEqual(oldCfg.Background, newCfg.Background) {
		changed = append(changed, "background")
	}
	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
	}

	// Storage: nil means disabled. Never log the DSN.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		if newCfg.Redis != nil {
			attrs = append(attrs, logx.String("redis.addr", newCfg.Redis.Addr))
		}
	}
	if !reflect.DeepEqual(oldCfg.Leader, newCfg.Leader) {
		changed = append(changed, "leader")
		if newCfg.Leader != nil {
			attrs = append(attrs, logx.String("leader.driver", newCfg.Leader.Driver))
		}
	}
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.String("notifier.dedup_window", n.DedupWindow),
			)
		}
	}

	// Telegram (never log token)
	oT, nT := oldCfg.Telegram, newCfg.Telegram
	if oT.ChatID != nT.ChatID || oT.ThreadID != nT.ThreadID || oT.ParseMode != nT.ParseMode ||
		oT.APIURL != nT.APIURL || oT.Timeout != nT.Timeout || oT.Token != nT.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Int64("telegram.chat_id", nT.ChatID),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func diffJobs(oldM, newM map[string]JobConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "scheduler", "storage", "redis", "leader", "relay", "ops", "telegram", "background":
			out = append(out, s)
		}
	}
	return out
}
