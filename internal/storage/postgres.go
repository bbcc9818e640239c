package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "opscron/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS opscron_last_runs (
    job TEXT PRIMARY KEY,
    at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS opscron_breadcrumbs (
    id          UUID PRIMARY KEY,
    job         TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    trigger     TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    success     BOOLEAN NOT NULL,
    attempts    INTEGER NOT NULL,
    err         TEXT
);
CREATE INDEX IF NOT EXISTS opscron_breadcrumbs_job_started ON opscron_breadcrumbs(job, started_at DESC);
CREATE TABLE IF NOT EXISTS opscron_dedup (
    key   TEXT PRIMARY KEY,
    until TIMESTAMPTZ NOT NULL
);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

// NewPool builds a pgx pool with conservative settings for a scheduler workload.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pcfg.MaxConns = 8
	pcfg.MinConns = 1
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute
	pcfg.HealthCheckPeriod = 30 * time.Second
	pcfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	pool, err := NewPool(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) PersistLastRun(ctx context.Context, job string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO opscron_last_runs(job, at) VALUES($1, $2)
		 ON CONFLICT(job) DO UPDATE SET at = EXCLUDED.at`,
		job, at.UTC(),
	)
	return err
}

func (s *postgresStore) LastRun(ctx context.Context, job string) (time.Time, bool, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `SELECT at FROM opscron_last_runs WHERE job = $1`, job).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *postgresStore) AppendBreadcrumb(ctx context.Context, b Breadcrumb) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO opscron_breadcrumbs(id, job, run_id, trigger, started_at, duration_ms, success, attempts, err)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.Job, b.RunID, b.Trigger, b.StartedAt.UTC(), b.Duration.Milliseconds(), b.Success, b.Attempts, nullStr(b.Error),
	)
	return err
}

func (s *postgresStore) RecentBreadcrumbs(ctx context.Context, job string, limit int) ([]Breadcrumb, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, job, run_id, trigger, started_at, duration_ms, success, attempts, COALESCE(err, '')
		 FROM opscron_breadcrumbs
		 WHERE ($1 = '' OR job = $1)
		 ORDER BY started_at DESC
		 LIMIT $2`,
		job, normLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Breadcrumb, error) {
		var (
			b     Breadcrumb
			durMS int64
		)
		err := row.Scan(&b.ID, &b.Job, &b.RunID, &b.Trigger, &b.StartedAt, &durMS, &b.Success, &b.Attempts, &b.Error)
		b.Duration = time.Duration(durMS) * time.Millisecond
		return b, err
	})
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO opscron_dedup(key, until) VALUES($1, $2)
		 ON CONFLICT(key) DO UPDATE SET until = EXCLUDED.until`,
		key, until.UTC(),
	)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT until FROM opscron_dedup WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
