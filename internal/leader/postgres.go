package leader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	logx "opscron/pkg/logx"
)

// Postgres elects a leader with a session-level advisory lock held on a pinned connection.
// Leadership ends when that connection dies or Run returns.
type Postgres struct {
	pool     *pgxpool.Pool
	cfg      Config
	key      int64
	log      logx.Logger
	isLeader atomic.Bool
}

func NewPostgres(pool *pgxpool.Pool, cfg Config, log logx.Logger) *Postgres {
	cfg = cfg.withDefaults()
	return &Postgres{pool: pool, cfg: cfg, key: lockKey(cfg.Key), log: log}
}

func (l *Postgres) IsLeader() bool { return l.isLeader.Load() }

func (l *Postgres) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Renew)
	defer ticker.Stop()

	var conn *pgxpool.Conn
	defer func() {
		if conn != nil {
			l.unlock(conn)
		}
	}()

	for {
		if conn == nil {
			conn = l.tryAcquire(ctx)
		} else if err := conn.Ping(ctx); err != nil && ctx.Err() == nil {
			l.isLeader.Store(false)
			l.log.Warn("leader.lost", logx.Int64("lock_id", l.key), logx.Err(err))
			conn.Release()
			conn = nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Postgres) tryAcquire(ctx context.Context) *pgxpool.Conn {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		l.log.Debug("leader.acquire_failed", logx.Err(err))
		return nil
	}
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		l.log.Debug("leader.acquire_failed", logx.Err(err))
		conn.Release()
		return nil
	}
	if !acquired {
		conn.Release()
		return nil
	}
	l.isLeader.Store(true)
	l.log.Info("leader.acquired", logx.Int64("lock_id", l.key), logx.String("instance", l.cfg.InstanceID))
	return conn
}

func (l *Postgres) unlock(conn *pgxpool.Conn) {
	l.isLeader.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var released bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&released); err != nil {
		l.log.Warn("leader.release_failed", logx.Err(err))
	}
	conn.Release()
	l.log.Info("leader.released", logx.Int64("lock_id", l.key), logx.Bool("held", released))
}
