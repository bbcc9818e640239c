package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"opscron/internal/autoheal"
	"opscron/internal/config"
	"opscron/internal/health"
	"opscron/internal/jobs"
	"opscron/internal/leader"
	"opscron/internal/runners"
	"opscron/internal/storage"
	"opscron/internal/watchdog"
	logx "opscron/pkg/logx"
)

// JobFuncs supplies bodies for jobs that have no command, url or unit in the config file,
// such as the built-in AI jobs when opscron is embedded as a library.
type JobFuncs map[string]jobs.Func

// registerJobs registers self_heal, every configured job with a body, and every job in
// extra. It returns the names that were registered.
func registerJobs(reg *jobs.Registry, r *config.Resolved, extra JobFuncs, wd *watchdog.Watchdog, guard *autoheal.Guard, log logx.Logger) ([]string, error) {
	builtin := jobs.BuiltinOverrides()
	client := &http.Client{}

	fns := map[string]jobs.Func{
		jobs.SelfHeal: health.SelfHealJob(wd, guard, log.With(logx.String("job", jobs.SelfHeal))),
	}
	for name, fn := range extra {
		fns[name] = fn
	}
	for name, j := range r.Jobs {
		if j.Body.IsZero() {
			continue
		}
		fn, err := runners.Build(name, j.Body, client, log.With(logx.String("comp", "runner")))
		if err != nil {
			return nil, err
		}
		fns[name] = fn
	}

	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := reg.Register(name, fns[name], builtin[name].Overlay(r.Jobs[name].Overrides)); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}

	for name, j := range r.Jobs {
		if _, ok := fns[name]; !ok && j.Body.IsZero() {
			log.Warn("job configured without a body; not scheduled", logx.String("job", name))
		}
	}
	for _, name := range guardJobs(r.AutoHeal) {
		if !reg.Has(name) {
			log.Warn("auto-heal job is not registered; its dispatch will be refused", logx.String("job", name))
		}
	}
	return names, nil
}

func guardJobs(c autoheal.Config) []string {
	if len(c.Jobs) > 0 {
		return c.Jobs
	}
	return []string{jobs.AIForecast, jobs.AILearning}
}

// backends holds connections shared by the leader elector and the relay.
type backends struct {
	rdb  *redis.Client
	pool *pgxpool.Pool
}

func (b *backends) Close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func openBackends(ctx context.Context, r *config.Resolved) (*backends, error) {
	b := &backends{}
	needRedis := r.Leader.Driver == "redis" || r.RelayEnabled
	if needRedis && r.Redis != nil {
		b.rdb = redis.NewClient(&redis.Options{
			Addr:     r.Redis.Addr,
			Password: r.Redis.Password,
			DB:       r.Redis.DB,
		})
	}
	if r.Leader.Driver == "postgres" {
		pool, err := storage.NewPool(ctx, r.LeaderDSN)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("leader: %w", err)
		}
		b.pool = pool
	}
	return b, nil
}

func buildElector(r *config.Resolved, b *backends, log logx.Logger) leader.Elector {
	log = log.With(logx.String("comp", "leader"))
	switch {
	case r.Leader.Driver == "redis" && b.rdb != nil:
		return leader.NewRedis(b.rdb, r.Leader, log)
	case r.Leader.Driver == "postgres" && b.pool != nil:
		return leader.NewPostgres(b.pool, r.Leader, log)
	default:
		return leader.Always{}
	}
}
