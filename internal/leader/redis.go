package leader

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	logx "opscron/pkg/logx"
)

// redisClient is the subset of redis.Cmdable the elector uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis elects a leader with SET NX and a TTL renewed by the holder.
type Redis struct {
	rdb      redisClient
	cfg      Config
	log      logx.Logger
	now      func() time.Time
	isLeader atomic.Bool

	// lastRenew is when the last successful SETNX or PEXPIRE was sent.
	// Only step touches it.
	lastRenew time.Time
}

func NewRedis(rdb redisClient, cfg Config, log logx.Logger) *Redis {
	return &Redis{rdb: rdb, cfg: cfg.withDefaults(), log: log, now: time.Now}
}

func (l *Redis) IsLeader() bool { return l.isLeader.Load() }

func (l *Redis) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Renew)
	defer ticker.Stop()
	defer l.release()

	for {
		l.step(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Redis) step(ctx context.Context) {
	sent := l.now()
	if !l.isLeader.Load() {
		ok, err := l.rdb.SetNX(ctx, l.cfg.Key, l.cfg.InstanceID, l.cfg.TTL).Result()
		if err != nil {
			l.log.Debug("leader.acquire_failed", logx.String("key", l.cfg.Key), logx.Err(err))
			return
		}
		if ok {
			l.lastRenew = sent
			l.isLeader.Store(true)
			l.log.Info("leader.acquired", logx.String("key", l.cfg.Key), logx.String("instance", l.cfg.InstanceID))
		}
		return
	}

	owner, err := l.rdb.Get(ctx, l.cfg.Key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.log.Debug("leader.check_failed", logx.Err(err))
		l.expireIfLapsed(sent)
		return
	}
	if owner != l.cfg.InstanceID {
		l.isLeader.Store(false)
		l.log.Warn("leader.lost", logx.String("key", l.cfg.Key), logx.String("owner", owner))
		return
	}
	ok, err := l.rdb.PExpire(ctx, l.cfg.Key, l.cfg.TTL).Result()
	switch {
	case err != nil:
		l.log.Debug("leader.renew_failed", logx.Err(err))
		l.expireIfLapsed(sent)
	case !ok:
		l.isLeader.Store(false)
		l.log.Warn("leader.lost", logx.String("key", l.cfg.Key), logx.String("reason", "key expired"))
	default:
		l.lastRenew = sent
	}
}

// expireIfLapsed drops leadership once the key may have expired on the server.
func (l *Redis) expireIfLapsed(now time.Time) {
	if now.Sub(l.lastRenew) < l.cfg.TTL {
		return
	}
	l.isLeader.Store(false)
	l.log.Warn("leader.lost", logx.String("key", l.cfg.Key), logx.String("reason", "renewal lapsed"),
		logx.Duration("since_renew", now.Sub(l.lastRenew)))
}

func (l *Redis) release() {
	if !l.isLeader.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	owner, err := l.rdb.Get(ctx, l.cfg.Key).Result()
	if err == nil && owner == l.cfg.InstanceID {
		_ = l.rdb.Del(ctx, l.cfg.Key).Err()
	}
	l.log.Info("leader.released", logx.String("key", l.cfg.Key))
}
