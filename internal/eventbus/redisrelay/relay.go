// Package redisrelay forwards bus events to a Redis pub/sub channel as JSON, so dashboards
// and other processes can follow scheduler activity.
package redisrelay

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"opscron/internal/eventbus"
	logx "opscron/pkg/logx"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Config struct {
	Channel string
	Buffer  int
	Types   []eventbus.Type // empty relays everything
	Timeout time.Duration   // per publish
}

type Relay struct {
	rdb publisher
	bus eventbus.Bus
	cfg Config
	log logx.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

func New(rdb publisher, bus eventbus.Bus, cfg Config, log logx.Logger) *Relay {
	if cfg.Channel == "" {
		cfg.Channel = "opscron:events"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Relay{rdb: rdb, bus: bus, cfg: cfg, log: log}
}

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(r.cfg.Buffer, r.cfg.Types...)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, e)
		}
	}
}

func (r *Relay) forward(ctx context.Context, e eventbus.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		r.failed.Add(1)
		r.log.Debug("relay.marshal_failed", logx.String("type", string(e.Type)), logx.Err(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if err := r.rdb.Publish(pctx, r.cfg.Channel, b).Err(); err != nil {
		// Count and move on; the relay must never back up the bus.
		n := r.failed.Add(1)
		if n == 1 || n%100 == 0 {
			r.log.Warn("relay.publish_failed", logx.String("channel", r.cfg.Channel), logx.Uint64("failures", n), logx.Err(err))
		}
		return
	}
	r.sent.Add(1)
}

// Stats returns (sent, failed) counts.
func (r *Relay) Stats() (uint64, uint64) { return r.sent.Load(), r.failed.Load() }
