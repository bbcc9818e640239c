// Package leader decides which opscron instance drives the scheduled tick.
//
// Only the tick is gated; manual triggers through the ops surface run on any instance.
package leader

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"time"
)

// Elector reports leadership. Run drives acquisition and renewal until ctx is done and
// releases leadership on exit.
type Elector interface {
	IsLeader() bool
	Run(ctx context.Context) error
}

// Always is a single-instance elector that is always the leader.
type Always struct{}

func (Always) IsLeader() bool { return true }

func (Always) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Config selects and tunes the elector.
type Config struct {
	Driver     string // "" | "none" | "redis" | "postgres"
	Key        string
	TTL        time.Duration
	Renew      time.Duration
	InstanceID string
}

func (c Config) withDefaults() Config {
	if c.Key == "" {
		c.Key = "opscron:leader"
	}
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.Renew <= 0 || c.Renew >= c.TTL {
		c.Renew = c.TTL / 3
	}
	if c.InstanceID == "" {
		c.InstanceID = hostname()
	}
	return c
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "instance"
}

// lockKey maps a name to a signed 64-bit advisory lock id.
func lockKey(s string) int64 {
	h := sha1.Sum([]byte(s))
	return int64(binary.BigEndian.Uint64(h[0:8]))
}
