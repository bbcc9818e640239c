package leader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	logx "opscron/pkg/logx"
)

// memRedis is a single-process stand-in for the commands the elector issues.
type memRedis struct {
	mu  sync.Mutex
	kv  map[string]string
	ttl map[string]time.Duration
}

func newMemRedis() *memRedis {
	return &memRedis{kv: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (m *memRedis) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kv[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.kv[key] = value.(string)
	m.ttl[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (m *memRedis) PExpire(_ context.Context, key string, exp time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.kv[key]
	if ok {
		m.ttl[key] = exp
	}
	return redis.NewBoolResult(ok, nil)
}

func (m *memRedis) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.kv[k]; ok {
			delete(m.kv, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (m *memRedis) steal(key, owner string) {
	m.mu.Lock()
	m.kv[key] = owner
	m.mu.Unlock()
}

// flakyRedis fails Get and PExpire while down is set.
type flakyRedis struct {
	*memRedis
	down atomic.Bool
}

var errTimeout = errors.New("i/o timeout")

func (f *flakyRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.down.Load() {
		return redis.NewStringResult("", errTimeout)
	}
	return f.memRedis.Get(ctx, key)
}

func (f *flakyRedis) PExpire(ctx context.Context, key string, exp time.Duration) *redis.BoolCmd {
	if f.down.Load() {
		return redis.NewBoolResult(false, errTimeout)
	}
	return f.memRedis.PExpire(ctx, key, exp)
}

func TestAlwaysIsLeader(t *testing.T) {
	t.Parallel()
	var e Elector = Always{}
	if !e.IsLeader() {
		t.Fatal("Always must be leader")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRedisSingleLeader(t *testing.T) {
	t.Parallel()
	rdb := newMemRedis()
	cfg := Config{Key: "k", TTL: time.Second}
	a := NewRedis(rdb, Config{Key: cfg.Key, TTL: cfg.TTL, InstanceID: "a"}, logx.Nop())
	b := NewRedis(rdb, Config{Key: cfg.Key, TTL: cfg.TTL, InstanceID: "b"}, logx.Nop())
	ctx := context.Background()

	a.step(ctx)
	b.step(ctx)
	if !a.IsLeader() || b.IsLeader() {
		t.Fatalf("a=%v b=%v, want only a", a.IsLeader(), b.IsLeader())
	}

	// Renewal keeps leadership while the key is ours.
	a.step(ctx)
	if !a.IsLeader() {
		t.Fatal("renewal dropped leadership")
	}

	rdb.steal("k", "b")
	a.step(ctx)
	if a.IsLeader() {
		t.Fatal("a should notice it lost the key")
	}
}

func TestRedisDropsLeadershipWhenRenewalLapses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"within ttl", 40 * time.Millisecond, true},
		{"ttl reached", 50 * time.Millisecond, false},
		{"well past ttl", 200 * time.Millisecond, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rdb := &flakyRedis{memRedis: newMemRedis()}
			a := NewRedis(rdb, Config{Key: "k", TTL: 50 * time.Millisecond, InstanceID: "a"}, logx.Nop())
			start := time.Unix(1_700_000_000, 0)
			clock := start
			a.now = func() time.Time { return clock }
			ctx := context.Background()

			a.step(ctx)
			if !a.IsLeader() {
				t.Fatal("a did not acquire")
			}

			rdb.down.Store(true)
			for clock.Sub(start) < tt.elapsed {
				clock = clock.Add(10 * time.Millisecond)
				a.step(ctx)
			}
			if got := a.IsLeader(); got != tt.want {
				t.Fatalf("after %v of failed renewals IsLeader() = %v, want %v", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestRedisRenewalFailureThenTakeover(t *testing.T) {
	t.Parallel()
	rdb := &flakyRedis{memRedis: newMemRedis()}
	a := NewRedis(rdb, Config{Key: "k", TTL: 50 * time.Millisecond, InstanceID: "a"}, logx.Nop())
	clock := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return clock }
	ctx := context.Background()

	a.step(ctx)
	rdb.down.Store(true)
	rdb.steal("k", "b")
	for i := 0; i < 5; i++ {
		clock = clock.Add(40 * time.Millisecond)
		a.step(ctx)
	}
	if a.IsLeader() {
		t.Fatal("a still leader while b owns the key")
	}

	// Once redis is back a sees b's key and stays a follower.
	rdb.down.Store(false)
	a.step(ctx)
	if a.IsLeader() {
		t.Fatal("a re-acquired a key owned by b")
	}
}

func TestRedisReleaseOnStop(t *testing.T) {
	t.Parallel()
	rdb := newMemRedis()
	e := NewRedis(rdb, Config{Key: "k", TTL: 300 * time.Millisecond, InstanceID: "a"}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !e.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !e.IsLeader() {
		t.Fatal("never became leader")
	}
	cancel()
	<-done

	if e.IsLeader() {
		t.Fatal("still leader after Run returned")
	}
	if _, err := rdb.Get(context.Background(), "k").Result(); err != redis.Nil {
		t.Fatalf("key should be deleted on release, got err=%v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{TTL: 9 * time.Second, Renew: time.Minute}.withDefaults()
	if c.Key == "" || c.InstanceID == "" {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.Renew != 3*time.Second {
		t.Fatalf("Renew = %v, want TTL/3", c.Renew)
	}
	if lockKey("a") == lockKey("b") {
		t.Fatal("lock keys should differ")
	}
}
