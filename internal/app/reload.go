package app

import (
	"context"
	"reflect"
	"slices"
	"strings"

	"opscron/internal/config"
	"opscron/internal/jobs"
	logx "opscron/pkg/logx"
)

// reloadLoop applies validated configs published by the config manager.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, jobsChanged := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config change summary", fields...)

			r, err := config.Resolve(newCfg)
			if err != nil {
				// The validator already resolved it; this only guards a race with a manual commit.
				a.log.Warn("config reload rejected", logx.Err(err))
				continue
			}
			a.applyConfig(r, sections, jobsChanged)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes hot-reloadable sections into running components.
func (a *App) applyConfig(r *config.Resolved, sections, jobsChanged []string) {
	prev := a.res
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(r.Logging)
		case "breaker":
			a.br.SetConfig(r.Breaker)
		case "auto_heal":
			a.guard.Apply(r.AutoHeal)
		case "rate_limit":
			a.limiter.Apply(r.RateLimit)
		case "notifier":
			if a.notif != nil {
				a.notif.Apply(r.Notifier)
			}
		case "jobs":
			a.applyJobs(prev, r, jobsChanged)
		}
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}
	a.res = r
}

// applyJobs replaces the tuning of every changed job with what the new config resolves to.
// Adding, removing or re-bodying a job needs a restart.
func (a *App) applyJobs(prev, r *config.Resolved, changed []string) {
	builtin := jobs.BuiltinOverrides()
	names := changed
	if slices.Contains(changed, jobs.DefaultName) {
		if _, err := a.wd.UpdateJobConfig(jobs.DefaultName, jobs.PartialOf(r.DefaultJob)); err != nil {
			a.log.Warn("default job config not applied", logx.Err(err))
			return
		}
		// Registered overrides are full configs after a reload, so re-resolve them all.
		names = a.reg.Names()
	}

	for _, name := range names {
		if name == jobs.DefaultName {
			continue
		}
		nj, inNew := r.Jobs[name]
		oj := prev.Jobs[name]
		if !a.reg.Has(name) {
			if inNew && !nj.Body.IsZero() {
				a.log.Warn("new job needs a restart to be scheduled", logx.String("job", name))
			}
			continue
		}
		if !inNew && !oj.Body.IsZero() {
			a.log.Warn("job removed from config; it keeps running until restart", logx.String("job", name))
			continue
		}
		if !reflect.DeepEqual(oj.Body, nj.Body) {
			a.log.Warn("job body changed; restart required, applying tuning only", logx.String("job", name))
		}

		eff := jobs.Merge(r.DefaultJob, builtin[name].Overlay(nj.Overrides))
		if _, err := a.wd.UpdateJobConfig(name, jobs.PartialOf(eff)); err != nil {
			a.log.Warn("job config not applied", logx.String("job", name), logx.Err(err))
		}
	}
}
